// 文件: pkg/scheduler/scheduler.go
// 账户轮询调度器
//
// 【设计】
// - 每个被监控的账户一个独立任务 (goroutine)，账户之间互不阻塞
// - 任务内部串行: 同一账户的周期和手动命令永远不会并发执行
// - 取消令牌: Cancel 立即返回，正在执行的周期跑完后任务退出
// - 焦点账户 (前端正在查看) 5s 一次，其它账户 15s 一次
//
// 【状态】
//
//	idle ──定时/触发──▶ polling ──完成──▶ idle
//	  └──────────取消────────────▶ terminated

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"
)

// =============================================================================
// 配置
// =============================================================================

const (
	DefaultFocusedInterval    = 5 * time.Second
	DefaultBackgroundInterval = 15 * time.Second
	DefaultCycleTimeout       = 10 * time.Second
)

var (
	ErrNotScheduled     = errors.New("account not scheduled")
	ErrAlreadyScheduled = errors.New("account already scheduled")
	ErrStopped          = errors.New("scheduler stopped")
)

// Config 调度器配置
type Config struct {
	FocusedInterval    time.Duration
	BackgroundInterval time.Duration
	CycleTimeout       time.Duration // 单个周期的超时，与取消令牌无关
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		FocusedInterval:    DefaultFocusedInterval,
		BackgroundInterval: DefaultBackgroundInterval,
		CycleTimeout:       DefaultCycleTimeout,
	}
}

// CycleFunc 一个账户的一次更新周期
type CycleFunc func(ctx context.Context, accountID string)

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler 调度器
type Scheduler struct {
	cfg   Config
	cycle CycleFunc

	mu       sync.Mutex
	tasks    map[string]*task
	retiring map[string]*task // 已取消但周期尚未结束的任务
	stopped  bool

	wg sync.WaitGroup
}

// New 创建调度器
func New(cfg Config, cycle CycleFunc) *Scheduler {
	def := DefaultConfig()
	if cfg.FocusedInterval <= 0 {
		cfg.FocusedInterval = def.FocusedInterval
	}
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = def.BackgroundInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	return &Scheduler{
		cfg:      cfg,
		cycle:    cycle,
		tasks:    make(map[string]*task),
		retiring: make(map[string]*task),
	}
}

// Schedule 开始轮询账户
//
// 同一账户刚被取消、旧周期还在执行时，新任务等旧任务退出后才开始第一个周期
func (s *Scheduler) Schedule(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.tasks[accountID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyScheduled, accountID)
	}

	t := newTask(accountID, s.retiring[accountID])
	s.tasks[accountID] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t.run(s)
		s.finish(t)
	}()

	log.Printf("[Scheduler] account=%s scheduled", accountID)
	return nil
}

// Cancel 停止轮询账户
//
// 立即返回；返回的 channel 在任务退出 (正在执行的周期结束) 后关闭
func (s *Scheduler) Cancel(accountID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[accountID]
	if !ok {
		if r, ok := s.retiring[accountID]; ok {
			return r.done
		}
		closed := make(chan struct{})
		close(closed)
		return closed
	}

	delete(s.tasks, accountID)
	s.retiring[accountID] = t
	t.cancel()

	log.Printf("[Scheduler] account=%s cancelled", accountID)
	return t.done
}

// Retire 停止轮询并等待任务退出
func (s *Scheduler) Retire(ctx context.Context, accountID string) error {
	done := s.Cancel(accountID)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger 立即执行一次周期 (例如收到成交推送)
//
// 已有待执行的触发时合并
func (s *Scheduler) Trigger(accountID string) bool {
	t, ok := s.task(accountID)
	if !ok {
		return false
	}
	select {
	case t.trigger <- struct{}{}:
	default:
	}
	return true
}

// SetFocused 设置账户是否为焦点账户 (影响轮询间隔)
func (s *Scheduler) SetFocused(accountID string, focused bool) bool {
	t, ok := s.task(accountID)
	if !ok {
		return false
	}
	if t.focused.Swap(focused) == focused {
		return true
	}
	select {
	case t.refocus <- struct{}{}:
	default:
	}
	return true
}

// Do 在账户任务内串行执行一个命令 (与周期互斥)
//
// 账户不在调度中返回 ErrNotScheduled
func (s *Scheduler) Do(ctx context.Context, accountID string, fn func(ctx context.Context) error) error {
	t, ok := s.task(accountID)
	if !ok {
		return ErrNotScheduled
	}

	cmd := command{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case t.cmds <- cmd:
	case <-t.done:
		return ErrNotScheduled
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State 账户任务状态
func (s *Scheduler) State(accountID string) (State, bool) {
	t, ok := s.task(accountID)
	if !ok {
		return StateTerminated, false
	}
	return t.getState(), true
}

// IsScheduled 账户是否在调度中
func (s *Scheduler) IsScheduled(accountID string) bool {
	_, ok := s.task(accountID)
	return ok
}

// Scheduled 调度中的账户 ID
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stop 取消所有任务并等待退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.tasks {
		delete(s.tasks, id)
		s.retiring[id] = t
		t.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

func (s *Scheduler) task(accountID string) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[accountID]
	return t, ok
}

// finish 任务退出后的清理
func (s *Scheduler) finish(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retiring[t.id] == t {
		delete(s.retiring, t.id)
	}
	if s.tasks[t.id] == t {
		delete(s.tasks, t.id)
	}
}

// interval 当前轮询间隔
func (s *Scheduler) interval(t *task) time.Duration {
	if t.focused.Load() {
		return s.cfg.FocusedInterval
	}
	return s.cfg.BackgroundInterval
}
