package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
)

// FillEvent 执行层推送的成交事件
//
// 风控只需要知道 "哪个账户有新成交"，成交明细在周期内从执行层拉取
type FillEvent struct {
	AccountID string `json:"account_id"`
	FillID    string `json:"fill_id"`
	Symbol    string `json:"symbol"`
}

// FillNotifier 收到成交后触发账户立即更新
type FillNotifier func(accountID string) bool

// FillHandler 把成交消息转换为账户触发
//
// 消息体缺少 account_id 时退回使用消息 key
func FillHandler(notify FillNotifier) Handler {
	return func(_ context.Context, msg *sarama.ConsumerMessage) error {
		var ev FillEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("decode fill event: %w", err)
		}
		id := strings.TrimSpace(ev.AccountID)
		if id == "" {
			id = string(msg.Key)
		}
		if id == "" {
			return fmt.Errorf("fill event %q without account", ev.FillID)
		}
		notify(id)
		return nil
	}
}
