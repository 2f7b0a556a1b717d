// 文件: pkg/account/registry.go
// 账户注册表 - 账户集合的唯一权威来源
//
// 【并发模型】
// - 每个账户一个 record: writeMu 保证同一时刻只有一个写入方
// - current 是 atomic.Pointer: 读者永远拿到完整快照，不会看到半更新状态
// - 写入 = 克隆当前快照 → 修改 → 原子替换 (写时复制)
// - 不存在全局写锁: 不同账户的写入互不影响

package account

import (
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Mutation 对账户快照副本的修改函数
// 返回错误时本次修改整体丢弃
type Mutation func(a *FundedAccount) error

// record 单个账户的存储单元
type record struct {
	writeMu sync.Mutex
	writing atomic.Bool
	current atomic.Pointer[FundedAccount]
}

// Registry 账户注册表
type Registry struct {
	records sync.Map // accountID -> *record
	hub     *Hub
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{hub: NewHub()}
}

// Hub 事件分发中心
func (r *Registry) Hub() *Hub {
	return r.hub
}

// Subscribe 订阅账户事件
func (r *Registry) Subscribe() (<-chan Event, func()) {
	return r.hub.Subscribe()
}

// Publish 发布附加事件 (风险预警、平仓失败等非 diff 事件)
func (r *Registry) Publish(events ...Event) {
	r.hub.Publish(events...)
}

// =============================================================================
// 读操作
// =============================================================================

// Get 获取账户快照 (副本)
func (r *Registry) Get(id string) (*FundedAccount, bool) {
	rec, ok := r.load(id)
	if !ok {
		return nil, false
	}
	return rec.current.Load().Clone(), true
}

// List 获取所有账户快照，按 ID 排序
func (r *Registry) List() []*FundedAccount {
	out := make([]*FundedAccount, 0)
	r.records.Range(func(_, v any) bool {
		out = append(out, v.(*record).current.Load().Clone())
		return true
	})
	slices.SortFunc(out, func(a, b *FundedAccount) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// IDs 所有账户 ID
func (r *Registry) IDs() []string {
	ids := make([]string, 0)
	r.records.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}

// =============================================================================
// 写操作
// =============================================================================

// Add 加入新账户
func (r *Registry) Add(acc *FundedAccount) error {
	if acc == nil || acc.ID == "" {
		return ErrInvalidAccount
	}
	rec := &record{}
	snap := acc.Clone()
	if snap.Violations == nil {
		snap.Violations = make([]Violation, 0)
	}
	rec.current.Store(snap)

	if _, loaded := r.records.LoadOrStore(acc.ID, rec); loaded {
		return fmt.Errorf("%w: %s", ErrAccountExists, acc.ID)
	}
	r.hub.Publish(NewEvent(EventAccountAdded, snap.Clone(), ""))
	return nil
}

// Update 修改账户
//
// 1. 获取该账户的写锁 (单写者)
// 2. 克隆当前快照，执行 fn
// 3. 原子替换快照，发布 diff 事件
//
// 返回替换后的快照副本
func (r *Registry) Update(id string, fn Mutation) (*FundedAccount, error) {
	rec, ok := r.load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}

	rec.writeMu.Lock()
	defer rec.writeMu.Unlock()

	// 持有写锁时 writing 必然为 false，否则说明锁被绕过
	if !rec.writing.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: concurrent write on account %s", ErrInvariant, id)
	}
	defer rec.writing.Store(false)

	prev := rec.current.Load()
	next := prev.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	if err := checkAppendOnly(prev, next); err != nil {
		log.Printf("[Registry] INVARIANT account=%s: %v", id, err)
		return nil, err
	}

	next.Version = prev.Version + 1
	next.UpdatedAt = time.Now()
	rec.current.Store(next)

	r.hub.Publish(diffEvents(prev, next)...)
	return next.Clone(), nil
}

func (r *Registry) load(id string) (*record, bool) {
	v, ok := r.records.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}

// =============================================================================
// 不变量与 diff
// =============================================================================

// checkAppendOnly 违规列表只能追加，已有记录除 Resolved 外不可变
func checkAppendOnly(prev, next *FundedAccount) error {
	if len(next.Violations) < len(prev.Violations) {
		return fmt.Errorf("%w: violation removed (%d -> %d)",
			ErrInvariant, len(prev.Violations), len(next.Violations))
	}
	for i, old := range prev.Violations {
		cur := next.Violations[i]
		if cur.ID != old.ID || cur.Kind != old.Kind || !cur.TriggeredAt.Equal(old.TriggeredAt) ||
			!cur.RuleLimit.Equal(old.RuleLimit) || !cur.ActualValue.Equal(old.ActualValue) {
			return fmt.Errorf("%w: violation %d mutated", ErrInvariant, old.ID)
		}
		if old.Resolved && !cur.Resolved {
			return fmt.Errorf("%w: violation %d un-resolved", ErrInvariant, old.ID)
		}
	}
	return nil
}

// diffEvents 根据前后快照生成事件
func diffEvents(prev, next *FundedAccount) []Event {
	events := make([]Event, 0, 2)
	snap := next.Clone()

	for i := len(prev.Violations); i < len(next.Violations); i++ {
		v := next.Violations[i]
		ev := NewEvent(EventViolationRecorded, snap, string(v.Kind))
		ev.Violation = &v
		events = append(events, ev)
	}
	for i := range prev.Violations {
		if !prev.Violations[i].Resolved && next.Violations[i].Resolved {
			v := next.Violations[i]
			ev := NewEvent(EventViolationResolved, snap, string(v.Kind))
			ev.Violation = &v
			events = append(events, ev)
		}
	}
	if prev.Status != next.Status {
		events = append(events, NewEvent(EventStatusChanged, snap,
			fmt.Sprintf("%s -> %s", prev.Status, next.Status)))
	}
	if prev.IsConnected != next.IsConnected {
		events = append(events, NewEvent(EventConnectionChanged, snap,
			fmt.Sprintf("connected=%v", next.IsConnected)))
	}
	if !prev.Metrics.UpdatedAt.Equal(next.Metrics.UpdatedAt) || !prev.Metrics.FlattenedAt.Equal(next.Metrics.FlattenedAt) {
		events = append(events, NewEvent(EventMetricsUpdated, snap, ""))
	}
	return events
}
