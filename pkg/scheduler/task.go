package scheduler

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// State 任务状态
type State string

const (
	StateIdle       State = "idle"
	StatePolling    State = "polling"
	StateTerminated State = "terminated"
)

// command 手动命令
type command struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
}

// task 单个账户的轮询任务
type task struct {
	id     string
	ctx    context.Context // 取消令牌
	cancel context.CancelFunc
	prev   *task // 同一账户上一个尚未退出的任务

	trigger chan struct{}
	refocus chan struct{}
	cmds    chan command
	done    chan struct{}

	focused atomic.Bool

	mu    sync.Mutex
	state State
}

func newTask(id string, prev *task) *task {
	ctx, cancel := context.WithCancel(context.Background())
	return &task{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		prev:    prev,
		trigger: make(chan struct{}, 1),
		refocus: make(chan struct{}, 1),
		cmds:    make(chan command),
		done:    make(chan struct{}),
		state:   StateIdle,
	}
}

func (t *task) getState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *task) setState(st State) {
	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
}

// run 任务主循环
func (t *task) run(s *Scheduler) {
	defer close(t.done)
	defer t.setState(StateTerminated)

	if t.prev != nil {
		select {
		case <-t.prev.done:
		case <-t.ctx.Done():
			return
		}
		t.prev = nil
	}

	// 首个周期立即执行
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return

		case cmd := <-t.cmds:
			t.setState(StatePolling)
			cmd.reply <- t.safeDo(cmd)
			t.setState(StateIdle)
			continue

		case <-t.refocus:
			timer.Reset(s.interval(t))
			continue

		case <-timer.C:
		case <-t.trigger:
		}

		t.setState(StatePolling)
		t.runCycle(s)
		t.setState(StateIdle)

		if t.ctx.Err() != nil {
			return
		}
		timer.Reset(s.interval(t))
	}
}

// runCycle 执行一次周期
//
// 周期使用独立的超时 context: 取消令牌只阻止下一个周期，不打断当前周期
func (t *task) runCycle(s *Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CycleTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] account=%s cycle panic: %v\n%s", t.id, r, debug.Stack())
		}
	}()
	s.cycle(ctx, t.id)
}

// safeDo 执行手动命令
func (t *task) safeDo(cmd command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] account=%s command panic: %v\n%s", t.id, r, debug.Stack())
			err = fmt.Errorf("command panic: %v", r)
		}
	}()
	return cmd.fn(cmd.ctx)
}
