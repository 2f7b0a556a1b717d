package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"slices"
	"time"

	"propguard.com/pkg/account"
	"propguard.com/pkg/alerting"
	"propguard.com/pkg/liquidation"
	"propguard.com/pkg/metrics"
	"propguard.com/pkg/risk"
)

// errSnapshotMoved 拉取期间账户被其它写入修改，本周期结果作废
var errSnapshotMoved = errors.New("account changed during metrics fetch")

// =============================================================================
// 单账户周期
// =============================================================================

// runCycle 一个账户的 拉取 → 重算 → 检测 → 执行 周期
//
// 由账户任务串行调用，同一账户的两个周期不会重叠
func (s *Supervisor) runCycle(ctx context.Context, id string) {
	acc, ok := s.registry.Get(id)
	if !ok {
		s.sched.Cancel(id)
		return
	}
	if !acc.NeedsMonitoring() {
		s.retire(acc)
		return
	}

	// 1. 拉取 + 重算 (唯一阻塞点)
	out, err := s.updater.Update(ctx, acc)
	switch {
	case err == nil:
	case errors.Is(err, metrics.ErrTransport):
		s.markDisconnected(acc, err)
		return
	case errors.Is(err, metrics.ErrStaleData):
		log.Printf("[Supervisor] account=%s cycle skipped: %v", id, err)
		return
	case errors.Is(err, account.ErrInvariant):
		s.invariant(ctx, acc, err)
		return
	default:
		log.Printf("[Supervisor] account=%s metrics update failed: %v", id, err)
		return
	}

	now := s.now()
	prevLevel := risk.Level(acc.Metrics.RiskLevel)
	level := risk.CalculateLevel(risk.Usage(acc.Rules, out.Metrics))
	out.Metrics.RiskLevel = int(level)

	// 2. 指标整体替换
	updated, err := s.registry.Update(id, func(a *account.FundedAccount) error {
		if a.Version != acc.Version {
			return errSnapshotMoved
		}
		a.Metrics = out.Metrics
		a.CurrentBalance = out.Balance
		a.Cursor = out.Cursor
		a.IsConnected = true
		if !a.FlattenFailed {
			a.LastError = ""
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, account.ErrInvariant) {
			s.invariant(ctx, acc, err)
			return
		}
		log.Printf("[Supervisor] account=%s metrics discarded: %v", id, err)
		return
	}

	s.warn(acc, updated, prevLevel, level)

	// 3. 违规检测 + 执行
	if vs := risk.Detect(updated.Rules, updated.Metrics, updated.Violations, now); len(vs) > 0 {
		if _, err := s.enforcer.Enforce(ctx, id, vs); err != nil {
			s.enforcementFailed(ctx, updated, err)
		}
	}

	// 4. 盈利目标 / 一致性
	s.checkTarget(ctx, id, now)

	// 5. 平仓确认
	s.confirmFlatten(ctx, id)

	final, ok := s.registry.Get(id)
	if !ok {
		return
	}
	s.persist(final)

	if !final.NeedsMonitoring() {
		s.retire(final)
	}
}

// markDisconnected 执行层不可达: 保留旧快照，只标记断连
func (s *Supervisor) markDisconnected(acc *account.FundedAccount, cause error) {
	log.Printf("[Supervisor] account=%s disconnected: %v", acc.ID, cause)
	updated, err := s.registry.Update(acc.ID, func(a *account.FundedAccount) error {
		a.IsConnected = false
		if !a.FlattenFailed {
			a.LastError = cause.Error()
		}
		return nil
	})
	if err != nil {
		log.Printf("[Supervisor] account=%s mark disconnected: %v", acc.ID, err)
		return
	}
	if acc.IsConnected {
		s.persist(updated)
	}
}

// warn 风险预警事件 (不产生违规)
func (s *Supervisor) warn(prev, cur *account.FundedAccount, prevLevel, level risk.Level) {
	if risk.Escalated(prevLevel, level) {
		usage := risk.Usage(cur.Rules, cur.Metrics)
		msg := fmt.Sprintf("risk usage %s%% (%s)", usage.Shift(2).StringFixed(1), level)
		log.Printf("[Supervisor] account=%s %s", cur.ID, msg)
		s.registry.Publish(account.NewEvent(account.EventRiskWarning, cur, msg))
	}

	before := risk.RestrictedExposure(prev)
	after := risk.RestrictedExposure(cur)
	if len(after) > 0 && !slices.Equal(before, after) {
		msg := fmt.Sprintf("open position in restricted symbols %v", after)
		log.Printf("[Supervisor] account=%s %s", cur.ID, msg)
		s.registry.Publish(account.NewEvent(account.EventRiskWarning, cur, msg))
	}
}

// checkTarget 考核期达到盈利目标: 一致性通过则 passed，否则记录一致性违规
func (s *Supervisor) checkTarget(ctx context.Context, id string, now time.Time) {
	acc, ok := s.registry.Get(id)
	if !ok || acc.Status != account.StatusActive || !risk.TargetReached(acc) {
		return
	}
	if acc.UnresolvedSuspending() {
		return
	}

	if _, breached := risk.ConsistencyBreached(acc); breached {
		if v := risk.CheckConsistency(acc, now); v != nil {
			if _, err := s.enforcer.Enforce(ctx, id, []account.Violation{*v}); err != nil {
				s.enforcementFailed(ctx, acc, err)
			}
		}
		return
	}

	_, err := s.registry.Update(id, func(a *account.FundedAccount) error {
		if a.Status != account.StatusActive {
			return nil
		}
		return a.TransitionTo(account.StatusPassed)
	})
	if err != nil {
		log.Printf("[Supervisor] account=%s pass transition failed: %v", id, err)
		return
	}
	log.Printf("[Supervisor] account=%s PASSED: totalPnL=%s target=%s",
		id, acc.Metrics.TotalPnL.StringFixed(2), acc.Rules.ProfitTarget.StringFixed(2))
}

// confirmFlatten 暂停后的平仓确认
//
// 平仓完成之后的一次轮询报告零持仓，才清除 FlattenPending；
// 平仓成功后轮询仍有持仓 = 残留敞口，告警
func (s *Supervisor) confirmFlatten(ctx context.Context, id string) {
	acc, ok := s.registry.Get(id)
	if !ok || acc.Status != account.StatusSuspended || s.flattener.InFlight(id) {
		return
	}
	m := acc.Metrics
	if !acc.IsConnected || !m.UpdatedAt.After(m.FlattenedAt) {
		return
	}

	if m.OpenPositions == 0 {
		if !acc.FlattenPending {
			return
		}
		_, err := s.registry.Update(id, func(a *account.FundedAccount) error {
			a.FlattenPending = false
			return nil
		})
		if err != nil {
			log.Printf("[Supervisor] account=%s flatten confirmation failed: %v", id, err)
			return
		}
		s.residual.Delete(id)
		log.Printf("[Supervisor] account=%s flatten confirmed, no open positions", id)
		return
	}

	if acc.FlattenFailed || m.FlattenedAt.IsZero() {
		return
	}
	if prev, ok := s.residual.Load(id); ok && prev.(time.Time).Equal(m.FlattenedAt) {
		return
	}
	s.residual.Store(id, m.FlattenedAt)

	msg := fmt.Sprintf("residual exposure after flatten at %s: positions=%d contracts=%d symbols=%v",
		m.FlattenedAt.Format(time.RFC3339), m.OpenPositions, m.TotalContracts, m.OpenSymbols)
	s.raise(ctx, alerting.New(alerting.KindResidualExposure, alerting.SeverityFatal, id, msg))
}

// enforcementFailed 执行失败的分类处理
func (s *Supervisor) enforcementFailed(ctx context.Context, acc *account.FundedAccount, err error) {
	switch {
	case errors.Is(err, liquidation.ErrFlattenFailed):
		// 平仓器已发出致命告警，账户保持 suspended
		log.Printf("[Supervisor] account=%s %v", acc.ID, err)
	case errors.Is(err, account.ErrInvariant):
		s.invariant(ctx, acc, err)
	default:
		log.Printf("[Supervisor] account=%s enforcement error: %v", acc.ID, err)
	}
}

// invariant 不变量被破坏: 程序 bug
//
// 大声失败: 完整上下文写日志 + 致命告警，停止该账户的自动处理，其它账户不受影响
func (s *Supervisor) invariant(ctx context.Context, acc *account.FundedAccount, err error) {
	snapshot, _ := json.Marshal(acc)
	log.Printf("[Supervisor] INVARIANT VIOLATION account=%s: %v\nsnapshot=%s\n%s",
		acc.ID, err, snapshot, debug.Stack())

	s.raise(ctx, alerting.New(alerting.KindInvariant, alerting.SeverityFatal, acc.ID, err.Error()))
	s.sched.Cancel(acc.ID)
}

// retire 账户离开监控集合
func (s *Supervisor) retire(acc *account.FundedAccount) {
	if !s.sched.IsScheduled(acc.ID) {
		return
	}
	s.sched.Cancel(acc.ID)
	s.residual.Delete(acc.ID)
	log.Printf("[Supervisor] account=%s retired from schedule (status=%s)", acc.ID, acc.Status)
	s.registry.Publish(account.NewEvent(account.EventAccountRetired, acc, string(acc.Status)))
}

// raise 发送告警，调用方 ctx 取消时仍然发送
func (s *Supervisor) raise(ctx context.Context, a alerting.Alert) {
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.alerter.Alert(alertCtx, a); err != nil {
		log.Printf("[Supervisor] FATAL alert NOT delivered: %v (%s)", err, a.Text())
	}
}
