// 文件: pkg/account/events.go
// 账户变更通知
//
// 替代 "全局可变集合 + UI 绑定" 的做法:
// Registry 每次写入后，通过 Hub 向订阅者推送显式事件。
//
// 【投递语义】至少一次
// - 每个订阅者有自己的无界队列，发布永不阻塞写入方
// - 消费者必须按 Violation.ID 去重

package account

import (
	"sync"
	"time"

	"propguard.com/pkg/idgen"
)

// EventType 事件类型
type EventType string

const (
	EventAccountAdded      EventType = "account_added"
	EventMetricsUpdated    EventType = "metrics_updated"
	EventStatusChanged     EventType = "status_changed"
	EventViolationRecorded EventType = "violation_recorded"
	EventViolationResolved EventType = "violation_resolved"
	EventConnectionChanged EventType = "connection_changed"
	EventFlattenFailed     EventType = "flatten_failed"
	EventFlattenCompleted  EventType = "flatten_completed"
	EventRiskWarning       EventType = "risk_warning"
	EventAccountRetired    EventType = "account_retired"
)

// Event 账户事件
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	AccountID string         `json:"account_id"`
	Status    Status         `json:"status"`
	Violation *Violation     `json:"violation,omitempty"`
	Message   string         `json:"message,omitempty"`
	Account   *FundedAccount `json:"account,omitempty"` // 事件发生后的完整快照
	At        time.Time      `json:"at"`
}

// NewEvent 创建事件
func NewEvent(typ EventType, acc *FundedAccount, msg string) Event {
	return Event{
		ID:        idgen.EventID(),
		Type:      typ,
		AccountID: acc.ID,
		Status:    acc.Status,
		Message:   msg,
		Account:   acc,
		At:        time.Now(),
	}
}

// =============================================================================
// Hub 事件分发
// =============================================================================

// Hub 事件分发中心
type Hub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe 订阅事件
//
// 返回只读通道和取消函数；取消后通道会被关闭
func (h *Hub) Subscribe() (<-chan Event, func()) {
	s := newSubscriber()

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	go s.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			s.close()
		})
	}
	return s.out, cancel
}

// Publish 发布事件 (不阻塞)
func (h *Hub) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		s.push(events)
	}
}

// Close 关闭所有订阅
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[int]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// subscriber 单个订阅者: 无界队列 + 泵 goroutine
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	closed bool
	signal chan struct{}
	done   chan struct{}
	out    chan Event
}

func newSubscriber() *subscriber {
	return &subscriber{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
}

func (s *subscriber) push(events []Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, events...)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.signal:
		case <-s.done:
			return
		}
	}
}
