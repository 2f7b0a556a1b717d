// 文件: pkg/alerting/alert.go
// 外部告警边界
//
// 平仓失败是致命条件: 必须送达人工，永不静默丢弃。
// Multi 会把告警发给所有通道，任一通道成功即视为送达，
// 全部失败时返回错误并由调用方记录日志。

package alerting

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"propguard.com/pkg/idgen"
)

// Kind 告警类型
type Kind string

const (
	KindFlattenFailed    Kind = "flatten_failed"
	KindResidualExposure Kind = "residual_exposure"
	KindInvariant        Kind = "invariant_violation"
)

// Severity 严重级别
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityFatal   Severity = "fatal"
)

// Alert 告警
type Alert struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	AccountID string    `json:"account_id"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts,omitempty"`
	At        time.Time `json:"at"`
}

// New 创建告警
func New(kind Kind, severity Severity, accountID, message string) Alert {
	return Alert{
		ID:        idgen.EventID(),
		Kind:      kind,
		Severity:  severity,
		AccountID: accountID,
		Message:   message,
		At:        time.Now(),
	}
}

// Text 人类可读文本
func (a Alert) Text() string {
	icon := "⚠️"
	if a.Severity == SeverityFatal {
		icon = "🚨"
	}
	text := fmt.Sprintf("%s [%s] account=%s\n%s", icon, a.Kind, a.AccountID, a.Message)
	if a.Attempts > 0 {
		text += fmt.Sprintf("\nattempts=%d", a.Attempts)
	}
	return text
}

// Alerter 告警通道
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// =============================================================================
// LogAlerter - 日志通道 (兜底)
// =============================================================================

// LogAlerter 只写日志
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a Alert) error {
	log.Printf("[Alert] %s severity=%s account=%s: %s", a.Kind, a.Severity, a.AccountID, a.Message)
	return nil
}

// =============================================================================
// Multi - 扇出
// =============================================================================

// Multi 多通道告警
type Multi []Alerter

// Alert 发送到所有通道
func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	delivered := 0
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) > 0 {
		return fmt.Errorf("alert %s not delivered: %w", a.ID, errors.Join(errs...))
	}
	if len(errs) > 0 {
		log.Printf("[Alert] %s delivered to %d channel(s), %d failed: %v",
			a.ID, delivered, len(errs), errors.Join(errs...))
	}
	return nil
}
