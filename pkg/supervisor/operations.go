package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"propguard.com/pkg/account"
	"propguard.com/pkg/liquidation"
	"propguard.com/pkg/scheduler"
)

// =============================================================================
// 查询
// =============================================================================

// ListAccounts 所有账户 (当前状态 / 指标 / 违规)
func (s *Supervisor) ListAccounts() []*account.FundedAccount {
	return s.registry.List()
}

// GetAccount 单个账户详情
func (s *Supervisor) GetAccount(id string) (*account.FundedAccount, error) {
	acc, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", account.ErrAccountNotFound, id)
	}
	return acc, nil
}

// AccountDetail 账户详情
//
// 注册表里没有的账户 (同库其它实例开户) 从存储读取，存储层带 Redis 缓存
func (s *Supervisor) AccountDetail(ctx context.Context, id string) (*account.FundedAccount, error) {
	if acc, ok := s.registry.Get(id); ok {
		return acc, nil
	}
	if s.repo == nil {
		return nil, fmt.Errorf("%w: %s", account.ErrAccountNotFound, id)
	}
	return s.repo.GetAccount(ctx, id)
}

// ViolationHistory 违规审计记录，按触发时间排序
//
// 有存储时以存储为准，否则返回内存中的违规
func (s *Supervisor) ViolationHistory(ctx context.Context, id string) ([]account.Violation, error) {
	if s.repo == nil {
		acc, err := s.GetAccount(id)
		if err != nil {
			return nil, err
		}
		return acc.Violations, nil
	}
	if _, err := s.AccountDetail(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListViolations(ctx, id)
}

// Subscribe 订阅账户状态 / 违规变更 (至少一次投递，按违规 ID 去重)
func (s *Supervisor) Subscribe() (<-chan account.Event, func()) {
	return s.registry.Subscribe()
}

// =============================================================================
// 账户生命周期
// =============================================================================

// Onboard 开户并开始监控
func (s *Supervisor) Onboard(ctx context.Context, acc *account.FundedAccount) error {
	if err := s.registry.Add(acc); err != nil {
		return err
	}
	if s.repo != nil {
		if err := s.repo.SaveAccount(ctx, acc); err != nil {
			log.Printf("[Supervisor] account=%s persist on onboard failed: %v", acc.ID, err)
		}
	}
	if acc.NeedsMonitoring() {
		if err := s.sched.Schedule(acc.ID); err != nil && !errors.Is(err, scheduler.ErrAlreadyScheduled) {
			return err
		}
	}
	log.Printf("[Supervisor] account=%s onboarded: platform=%s type=%s phase=%s size=%s",
		acc.ID, acc.Platform, acc.AccountType, acc.Phase, acc.Size.StringFixed(2))
	return nil
}

// ChangePhase 阶段切换: 规则整体替换，指标从新规模重新开始
//
// 平仓进行中时拒绝
func (s *Supervisor) ChangePhase(ctx context.Context, id string, phase account.Phase, size decimal.Decimal, rules account.RuleSet) error {
	if s.flattener.InFlight(id) {
		return liquidation.ErrFlattenInProgress
	}
	err := s.serialize(ctx, id, func(context.Context) error {
		if s.flattener.InFlight(id) {
			return liquidation.ErrFlattenInProgress
		}
		_, err := s.registry.Update(id, func(a *account.FundedAccount) error {
			return a.ReplaceRules(phase, size, rules)
		})
		return err
	})
	if err != nil {
		return err
	}
	s.persistID(id)
	s.ensureScheduled(id)
	log.Printf("[Supervisor] account=%s phase changed to %s, size=%s", id, phase, size.StringFixed(2))
	return nil
}

// Fail 合规判定失败 (任意状态)
func (s *Supervisor) Fail(ctx context.Context, id, reason string) error {
	err := s.serialize(ctx, id, func(context.Context) error {
		_, err := s.registry.Update(id, func(a *account.FundedAccount) error {
			if err := a.TransitionTo(account.StatusFailed); err != nil {
				return err
			}
			a.LastError = reason
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	s.persistID(id)
	if acc, ok := s.registry.Get(id); ok && !acc.NeedsMonitoring() {
		s.retire(acc)
	}
	log.Printf("[Supervisor] account=%s FAILED: %s", id, reason)
	return nil
}

// ResetAccount 外部重置: suspended → active
//
// 未处理的暂停类违规由操作人一并标记为已处理；平仓进行中时拒绝
func (s *Supervisor) ResetAccount(ctx context.Context, id, actor string) error {
	if s.flattener.InFlight(id) {
		return liquidation.ErrFlattenInProgress
	}
	err := s.serialize(ctx, id, func(context.Context) error {
		now := s.now()
		_, err := s.registry.Update(id, func(a *account.FundedAccount) error {
			for _, v := range a.Violations {
				if v.Resolved || !v.Kind.Suspends() {
					continue
				}
				if err := a.ResolveViolation(v.ID, actor, now); err != nil {
					return err
				}
			}
			return a.ResetSuspension()
		})
		return err
	})
	if err != nil {
		return err
	}
	s.persistID(id)
	s.ensureScheduled(id)
	log.Printf("[Supervisor] account=%s reset to active by %s", id, actor)
	return nil
}

// ResolveViolation 合规动作: 标记违规已处理
//
// 只改变 resolved 标记，不改变账户状态
func (s *Supervisor) ResolveViolation(ctx context.Context, accountID string, violationID int64, actor string) error {
	now := s.now()
	err := s.serialize(ctx, accountID, func(context.Context) error {
		_, err := s.registry.Update(accountID, func(a *account.FundedAccount) error {
			return a.ResolveViolation(violationID, actor, now)
		})
		return err
	})
	if err != nil {
		return err
	}
	s.persistResolution(accountID, violationID, actor, now)
	log.Printf("[Supervisor] account=%s violation %d resolved by %s", accountID, violationID, actor)
	return nil
}

// FlattenAccount 手动平仓
//
// 与自动平仓共用同一个平仓器: 已有平仓在进行时返回 ErrFlattenInProgress，不重复执行
func (s *Supervisor) FlattenAccount(ctx context.Context, id string) error {
	if _, ok := s.registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", account.ErrAccountNotFound, id)
	}
	if s.flattener.InFlight(id) {
		return liquidation.ErrFlattenInProgress
	}

	err := s.serialize(ctx, id, func(ctx context.Context) error {
		_, err := s.flattener.Flatten(ctx, id, liquidation.TriggerManual)
		return err
	})
	s.persistID(id)
	return err
}

// Focus 设置焦点账户 (5s 轮询)
func (s *Supervisor) Focus(id string, focused bool) error {
	if _, ok := s.registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", account.ErrAccountNotFound, id)
	}
	s.sched.SetFocused(id, focused)
	return nil
}

// OnFill 收到成交推送，立即执行一次周期
func (s *Supervisor) OnFill(id string) bool {
	return s.sched.Trigger(id)
}

// =============================================================================
// 辅助
// =============================================================================

// serialize 在账户任务内执行 (与周期互斥)；账户不在调度中时直接执行
func (s *Supervisor) serialize(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if _, ok := s.registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", account.ErrAccountNotFound, id)
	}
	err := s.sched.Do(ctx, id, fn)
	if errors.Is(err, scheduler.ErrNotScheduled) {
		return fn(ctx)
	}
	return err
}

// ensureScheduled 需要监控的账户重新进入调度
func (s *Supervisor) ensureScheduled(id string) {
	acc, ok := s.registry.Get(id)
	if !ok || !acc.NeedsMonitoring() {
		return
	}
	if err := s.sched.Schedule(id); err != nil && !errors.Is(err, scheduler.ErrAlreadyScheduled) {
		log.Printf("[Supervisor] account=%s schedule failed: %v", id, err)
	}
}
