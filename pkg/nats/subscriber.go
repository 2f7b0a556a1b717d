// 文件: pkg/nats/subscriber.go
// NATS 控制命令 / 查询订阅者 (request / reply)
//
// 【命令】
//   risk.cmd.flatten  {"account_id"}
//   risk.cmd.resolve  {"account_id", "violation_id", "actor"}
//   risk.cmd.reset    {"account_id", "actor"}
//   risk.cmd.focus    {"account_id", "focused"}
//
// 【查询】
//   risk.query.account     {"account_id"}  → {"ok", "account"}
//   risk.query.violations  {"account_id"}  → {"ok", "violations"}
//
// 回复: {"ok": true, ...} 或 {"ok": false, "error": "..."}

package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"propguard.com/pkg/account"
)

// Commands 命令执行方 (supervisor 实现)
type Commands interface {
	FlattenAccount(ctx context.Context, accountID string) error
	ResolveViolation(ctx context.Context, accountID string, violationID int64, actor string) error
	ResetAccount(ctx context.Context, accountID, actor string) error
	Focus(accountID string, focused bool) error

	AccountDetail(ctx context.Context, accountID string) (*account.FundedAccount, error)
	ViolationHistory(ctx context.Context, accountID string) ([]account.Violation, error)
}

// CommandRequest 命令请求
type CommandRequest struct {
	AccountID   string `json:"account_id"`
	ViolationID int64  `json:"violation_id,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Focused     bool   `json:"focused,omitempty"`
}

// CommandReply 命令 / 查询回复
type CommandReply struct {
	OK         bool                   `json:"ok"`
	Error      string                 `json:"error,omitempty"`
	Account    *account.FundedAccount `json:"account,omitempty"`
	Violations []account.Violation    `json:"violations,omitempty"`
}

// Subscriber 命令订阅者
type Subscriber struct {
	conn    *nats.Conn
	cmds    Commands
	timeout time.Duration
	subs    []*nats.Subscription
}

// NewSubscriber 创建命令订阅者
func NewSubscriber(conn *nats.Conn, cmds Commands, timeout time.Duration) *Subscriber {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Subscriber{conn: conn, cmds: cmds, timeout: timeout}
}

// Start 订阅 risk.cmd.* 和 risk.query.*
//
// queue 非空时使用队列订阅 (多实例只有一个处理)
func (s *Subscriber) Start(queue string) error {
	for _, subject := range []string{SubjectCommandPrefix + ".*", SubjectQueryPrefix + ".*"} {
		var (
			sub *nats.Subscription
			err error
		)
		if queue != "" {
			sub, err = s.conn.QueueSubscribe(subject, queue, s.handle)
		} else {
			sub, err = s.conn.Subscribe(subject, s.handle)
		}
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		log.Printf("[NATS] subscriber listening on %s", subject)
	}
	return nil
}

// handle 处理一条命令 / 查询并回复
func (s *Subscriber) handle(msg *nats.Msg) {
	reply, err := s.dispatch(msg.Subject, msg.Data)
	if err != nil {
		log.Printf("[NATS] request error: subject=%s, err=%v", msg.Subject, err)
		reply = CommandReply{Error: err.Error()}
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("[NATS] encode reply error: subject=%s, err=%v", msg.Subject, err)
		data, _ = json.Marshal(CommandReply{Error: "encode reply failed"})
	}
	if err := msg.Respond(data); err != nil {
		log.Printf("[NATS] respond error: subject=%s, err=%v", msg.Subject, err)
	}
}

func (s *Subscriber) dispatch(subject string, data []byte) (CommandReply, error) {
	req, err := UnmarshalJSON[CommandRequest](data)
	if err != nil {
		return CommandReply{}, fmt.Errorf("decode request: %w", err)
	}
	if req.AccountID == "" {
		return CommandReply{}, fmt.Errorf("account_id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if name, ok := strings.CutPrefix(subject, SubjectQueryPrefix+"."); ok {
		return s.query(ctx, name, req)
	}

	switch strings.TrimPrefix(subject, SubjectCommandPrefix+".") {
	case "flatten":
		err = s.cmds.FlattenAccount(ctx, req.AccountID)
	case "resolve":
		err = s.cmds.ResolveViolation(ctx, req.AccountID, req.ViolationID, actorOf(req))
	case "reset":
		err = s.cmds.ResetAccount(ctx, req.AccountID, actorOf(req))
	case "focus":
		err = s.cmds.Focus(req.AccountID, req.Focused)
	default:
		err = fmt.Errorf("unknown command %s", subject)
	}
	if err != nil {
		return CommandReply{}, err
	}
	return CommandReply{OK: true}, nil
}

func (s *Subscriber) query(ctx context.Context, name string, req *CommandRequest) (CommandReply, error) {
	switch name {
	case "account":
		acc, err := s.cmds.AccountDetail(ctx, req.AccountID)
		if err != nil {
			return CommandReply{}, err
		}
		return CommandReply{OK: true, Account: acc}, nil
	case "violations":
		vs, err := s.cmds.ViolationHistory(ctx, req.AccountID)
		if err != nil {
			return CommandReply{}, err
		}
		return CommandReply{OK: true, Violations: vs}, nil
	default:
		return CommandReply{}, fmt.Errorf("unknown query %s.%s", SubjectQueryPrefix, name)
	}
}

func actorOf(req *CommandRequest) string {
	if req.Actor != "" {
		return req.Actor
	}
	return "nats"
}

// Close 取消订阅
func (s *Subscriber) Close() error {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	return nil
}

// =============================================================================
// 便捷方法
// =============================================================================

// UnmarshalJSON 反序列化 JSON
func UnmarshalJSON[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
