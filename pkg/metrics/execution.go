// 文件: pkg/metrics/execution.go
// 执行层边界 (外部协作方)
//
// 引擎不关心数据从哪里来 (券商 REST、网关、模拟盘)，
// 只要求能按账户查询最近的成交和当前持仓。

package metrics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"propguard.com/pkg/account"
)

// ExecutionLayer 执行层查询接口
type ExecutionLayer interface {
	// FetchActivity 查询账户在游标之后的成交，以及当前持仓
	//
	// 实现方可以返回游标之前的成交，Updater 会按游标过滤
	FetchActivity(ctx context.Context, accountID string, since account.FillCursor) (Activity, error)
}

// Side 方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Fill 成交回报
type Fill struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Qty         int64           `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"` // 平仓成交的已实现盈亏，开仓为 0
	Commission  decimal.Decimal `json:"commission"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Net 扣除手续费后的净盈亏
func (f Fill) Net() decimal.Decimal {
	return f.RealizedPnL.Sub(f.Commission)
}

// Closing 是否是平仓成交
func (f Fill) Closing() bool {
	return !f.RealizedPnL.IsZero()
}

// Position 当前持仓
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Qty           int64           `json:"qty"` // 合约张数，不允许为负
	AvgPrice      decimal.Decimal `json:"avg_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Activity 一次查询的结果
type Activity struct {
	Fills     []Fill     `json:"fills"`
	Positions []Position `json:"positions"`
	AsOf      time.Time  `json:"as_of"`
}
