// 文件: pkg/liquidation/broker.go
// 券商连接器边界 (外部协作方)
//
// Schwab / Tastytrade / TopstepX / Tradovate 的具体实现在外部，
// 风控只依赖 "一键平掉账户所有持仓" 这一个命令。

package liquidation

import (
	"context"
	"time"
)

// BrokerConnector 券商连接器
type BrokerConnector interface {
	// FlattenAll 平掉账户的所有持仓
	//
	// 返回 error 表示请求没有完成 (网络/超时)；
	// 请求完成但被拒绝时返回 Success=false + ReasonCode
	FlattenAll(ctx context.Context, accountID string) (FlattenReceipt, error)
}

// FlattenReceipt 券商回执
type FlattenReceipt struct {
	Success         bool   `json:"success"`
	ReasonCode      string `json:"reason_code,omitempty"`
	ClosedPositions int    `json:"closed_positions"`
}

// Trigger 平仓触发来源
type Trigger string

const (
	TriggerViolation Trigger = "violation"
	TriggerManual    Trigger = "manual"
)

// FlattenResult 平仓结果
type FlattenResult struct {
	AccountID   string
	Trigger     Trigger
	Attempts    int
	Receipt     FlattenReceipt
	Skipped     bool // 没有持仓，未向券商发送请求
	CompletedAt time.Time
}
