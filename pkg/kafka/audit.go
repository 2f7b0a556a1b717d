package kafka

import (
	"propguard.com/pkg/account"
)

// AuditSink 把违规相关事件写入审计 topic (按账户分区，保证单账户有序)
//
// 下游按 Violation.ID 去重
type AuditSink struct {
	producer interface{ Send(Message) error }
	topic    string
}

// NewAuditSink 创建审计流
func NewAuditSink(producer interface{ Send(Message) error }, topic string) *AuditSink {
	return &AuditSink{producer: producer, topic: topic}
}

// AuditRecord 审计记录
type AuditRecord struct {
	EventID   string             `json:"event_id"`
	Type      account.EventType  `json:"type"`
	AccountID string             `json:"account_id"`
	Status    account.Status     `json:"status"`
	Violation *account.Violation `json:"violation,omitempty"`
	Message   string             `json:"message,omitempty"`
	At        int64              `json:"at"`
}

// PublishEvent 只转发违规和状态变更，其它事件忽略
func (s *AuditSink) PublishEvent(ev account.Event) error {
	switch ev.Type {
	case account.EventViolationRecorded, account.EventViolationResolved,
		account.EventStatusChanged, account.EventFlattenFailed, account.EventFlattenCompleted:
	default:
		return nil
	}
	return s.producer.Send(JSON(s.topic, ev.AccountID, AuditRecord{
		EventID:   ev.ID,
		Type:      ev.Type,
		AccountID: ev.AccountID,
		Status:    ev.Status,
		Violation: ev.Violation,
		Message:   ev.Message,
		At:        ev.At.UnixMilli(),
	}))
}
