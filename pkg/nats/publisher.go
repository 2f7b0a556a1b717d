// 文件: pkg/nats/publisher.go
// NATS 账户事件发布者
//
// 每个注册表事件发布到 risk.account.<accountID>.<eventType>，
// 前端 / 下游服务按账户或事件类型通配订阅:
//   risk.account.*.violation_recorded
//   risk.account.ACC-1.>

package nats

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"propguard.com/pkg/account"
)

const (
	SubjectAccountPrefix = "risk.account"
	SubjectCommandPrefix = "risk.cmd"
	SubjectQueryPrefix   = "risk.query"
)

// Connect 连接 NATS (断线自动重连)
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[NATS] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[NATS] reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return conn, nil
}

// EventSubject 事件主题
func EventSubject(ev account.Event) string {
	return fmt.Sprintf("%s.%s.%s", SubjectAccountPrefix, ev.AccountID, ev.Type)
}

// Publisher 事件发布者
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher 创建发布者
func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{conn: conn}
}

// PublishEvent 发布账户事件
func (p *Publisher) PublishEvent(ev account.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.conn.Publish(EventSubject(ev), data)
}

// Close 刷出缓冲并关闭连接
func (p *Publisher) Close() {
	if err := p.conn.Flush(); err != nil {
		log.Printf("[NATS] flush: %v", err)
	}
	p.conn.Close()
}
