// 文件: pkg/supervisor/supervisor.go
// 风控监督器 - 组装并驱动整个风控流程
//
// 【组件】
//
//	Scheduler ──每账户一个任务──▶ runCycle
//	                              ├─ Updater    拉取成交/持仓，重算指标
//	                              ├─ Detect     违规检测 (纯函数)
//	                              ├─ Enforcer   记录违规，active→suspended 时平仓
//	                              ├─ 盈利目标 / 一致性 / 平仓确认
//	                              └─ Repository 持久化
//
//	Registry ──事件──▶ EventSink (NATS / Kafka 审计)
//
// 对外操作 (API / NATS 命令) 统一经过 Scheduler.Do 串行到账户任务内执行

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"propguard.com/pkg/account"
	"propguard.com/pkg/alerting"
	"propguard.com/pkg/liquidation"
	"propguard.com/pkg/metrics"
	"propguard.com/pkg/scheduler"
	"propguard.com/pkg/store"
)

// EventSink 事件下游 (NATS 发布者、Kafka 审计流)
type EventSink interface {
	PublishEvent(ev account.Event) error
}

// Config 监督器配置
type Config struct {
	Scheduler      scheduler.Config
	Flattener      liquidation.FlattenerConfig
	Updater        metrics.UpdaterConfig
	PersistTimeout time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Scheduler:      scheduler.DefaultConfig(),
		Flattener:      liquidation.DefaultFlattenerConfig(),
		Updater:        metrics.DefaultUpdaterConfig(),
		PersistTimeout: 5 * time.Second,
	}
}

// Deps 外部协作方
type Deps struct {
	Exec    metrics.ExecutionLayer
	Broker  liquidation.BrokerConnector
	Repo    store.Repository // 可选
	Alerter alerting.Alerter // 可选，默认写日志
}

// Supervisor 风控监督器
type Supervisor struct {
	cfg       Config
	registry  *account.Registry
	updater   *metrics.Updater
	flattener *liquidation.Flattener
	enforcer  *liquidation.Enforcer
	sched     *scheduler.Scheduler
	repo      store.Repository
	alerter   alerting.Alerter
	now       func() time.Time

	// residual: accountID -> 已告警的平仓完成时间 (同一次平仓只告警一次)
	residual sync.Map

	sinkMu    sync.Mutex
	sinkStops []func()
	sinkWG    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New 创建监督器
func New(cfg Config, deps Deps) *Supervisor {
	if deps.Alerter == nil {
		deps.Alerter = alerting.LogAlerter{}
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}

	registry := account.NewRegistry()
	flattener := liquidation.NewFlattener(deps.Broker, registry, deps.Alerter, cfg.Flattener)

	s := &Supervisor{
		cfg:       cfg,
		registry:  registry,
		updater:   metrics.NewUpdater(deps.Exec, cfg.Updater),
		flattener: flattener,
		enforcer:  liquidation.NewEnforcer(registry, flattener),
		repo:      deps.Repo,
		alerter:   deps.Alerter,
		now:       time.Now,
	}
	s.sched = scheduler.New(cfg.Scheduler, s.runCycle)
	return s
}

// SetNow 替换时钟 (测试用)
func (s *Supervisor) SetNow(now func() time.Time) {
	s.now = now
	s.updater.SetNow(now)
}

// Registry 账户注册表
func (s *Supervisor) Registry() *account.Registry {
	return s.registry
}

// Flattener 平仓器
func (s *Supervisor) Flattener() *liquidation.Flattener {
	return s.flattener
}

// Scheduler 调度器
func (s *Supervisor) Scheduler() *scheduler.Scheduler {
	return s.sched
}

// =============================================================================
// 生命周期
// =============================================================================

// Start 从存储恢复账户并开始监控
func (s *Supervisor) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		err = s.restore(ctx)
	})
	return err
}

// restore 启动恢复
func (s *Supervisor) restore(ctx context.Context) error {
	if s.repo == nil {
		log.Println("[Supervisor] Started without store")
		return nil
	}

	accounts, err := s.repo.LoadAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	scheduled := 0
	for _, acc := range accounts {
		if err := s.registry.Add(acc); err != nil {
			if errors.Is(err, account.ErrAccountExists) {
				continue
			}
			return err
		}
		if acc.NeedsMonitoring() {
			if err := s.sched.Schedule(acc.ID); err == nil {
				scheduled++
			}
		}
	}
	log.Printf("[Supervisor] Started: restored=%d scheduled=%d", len(accounts), scheduled)
	return nil
}

// Stop 停止所有账户任务和事件下游
//
// 正在执行的周期会跑完
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.sched.Stop()

		s.sinkMu.Lock()
		stops := s.sinkStops
		s.sinkStops = nil
		s.sinkMu.Unlock()
		for _, stop := range stops {
			stop()
		}
		s.sinkWG.Wait()

		log.Println("[Supervisor] Stopped")
	})
}

// =============================================================================
// 事件下游
// =============================================================================

// AddSink 把注册表事件转发到下游
//
// 下游失败只记录日志，不影响风控流程
func (s *Supervisor) AddSink(name string, sink EventSink) {
	events, unsubscribe := s.registry.Subscribe()

	s.sinkMu.Lock()
	s.sinkStops = append(s.sinkStops, unsubscribe)
	s.sinkMu.Unlock()

	s.sinkWG.Add(1)
	go func() {
		defer s.sinkWG.Done()
		for ev := range events {
			if err := sink.PublishEvent(ev); err != nil {
				log.Printf("[Supervisor] sink %s: publish %s for %s failed: %v", name, ev.Type, ev.AccountID, err)
			}
		}
	}()
}

// =============================================================================
// 持久化
// =============================================================================

// persist 保存账户快照，失败只记录日志 (下个周期会再次保存)
func (s *Supervisor) persist(acc *account.FundedAccount) {
	if s.repo == nil || acc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.repo.SaveAccount(ctx, acc); err != nil {
		log.Printf("[Supervisor] account=%s persist failed: %v", acc.ID, err)
	}
}

// persistResolution 只补写违规的处理标记；存储里还没有这条违规时保存整个快照
func (s *Supervisor) persistResolution(accountID string, violationID int64, actor string, at time.Time) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	err := s.repo.ResolveViolation(ctx, accountID, violationID, actor, at)
	if err == nil {
		return
	}
	if !errors.Is(err, account.ErrViolationNotFound) {
		log.Printf("[Supervisor] account=%s persist resolution of %d failed: %v", accountID, violationID, err)
	}
	s.persistID(accountID)
}

// persistID 保存注册表中的最新快照
func (s *Supervisor) persistID(id string) {
	if acc, ok := s.registry.Get(id); ok {
		s.persist(acc)
	}
}
