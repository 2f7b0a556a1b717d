package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propguard.com/pkg/account"
	"propguard.com/pkg/alerting"
	"propguard.com/pkg/liquidation"
	"propguard.com/pkg/metrics"
	"propguard.com/pkg/scheduler"
	"propguard.com/pkg/simexec"
)

// =============================================================================
// Mock
// =============================================================================

// countingExec 统计执行层查询次数 (= 周期数)
type countingExec struct {
	metrics.ExecutionLayer
	fetches sync.Map // accountID -> *atomic.Int32
}

func (c *countingExec) FetchActivity(ctx context.Context, id string, since account.FillCursor) (metrics.Activity, error) {
	v, _ := c.fetches.LoadOrStore(id, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
	return c.ExecutionLayer.FetchActivity(ctx, id, since)
}

func (c *countingExec) Fetches(id string) int32 {
	v, ok := c.fetches.Load(id)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

// MockAlerter 记录告警
type MockAlerter struct {
	mu     sync.Mutex
	alerts []alerting.Alert
}

func (m *MockAlerter) Alert(_ context.Context, a alerting.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *MockAlerter) Count(kind alerting.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// recordingSink 记录转发的事件
type recordingSink struct {
	mu     sync.Mutex
	events []account.Event
}

func (s *recordingSink) PublishEvent(ev account.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Has(typ account.EventType, accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == typ && ev.AccountID == accountID {
			return true
		}
	}
	return false
}

// =============================================================================
// 辅助
// =============================================================================

type harness struct {
	sup      *Supervisor
	exchange *simexec.Exchange
	exec     *countingExec
	alerter  *MockAlerter
}

func testConfig() Config {
	return Config{
		Scheduler: scheduler.Config{
			FocusedInterval:    10 * time.Millisecond,
			BackgroundInterval: 10 * time.Millisecond,
			CycleTimeout:       time.Second,
		},
		Flattener: liquidation.FlattenerConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			AttemptTimeout: time.Second,
			AlertTimeout:   time.Second,
		},
		Updater: metrics.UpdaterConfig{
			Clock: metrics.SessionClock{Location: time.UTC},
		},
		PersistTimeout: time.Second,
	}
}

func newHarness(t *testing.T, repo *memRepo) *harness {
	t.Helper()
	exchange := simexec.New()
	exec := &countingExec{ExecutionLayer: exchange}
	alerter := &MockAlerter{}

	deps := Deps{Exec: exec, Broker: exchange, Alerter: alerter}
	if repo != nil {
		deps.Repo = repo
	}
	sup := New(testConfig(), deps)
	t.Cleanup(sup.Stop)
	return &harness{sup: sup, exchange: exchange, exec: exec, alerter: alerter}
}

func testRules() account.RuleSet {
	return account.RuleSet{
		MaxDailyLoss:     decimal.NewFromInt(1000),
		MaxContracts:     5,
		TrailingDrawdown: decimal.NewFromInt(2000),
		ProfitTarget:     decimal.NewFromInt(3000),
	}
}

func (h *harness) onboard(t *testing.T, id string, rules account.RuleSet) {
	t.Helper()
	acc, err := account.NewFundedAccount(id, "sim", "50K", account.PhaseEvaluation, decimal.NewFromInt(50000), rules)
	require.NoError(t, err)
	h.exchange.Open(id)
	require.NoError(t, h.sup.Onboard(context.Background(), acc))
}

func (h *harness) get(t *testing.T, id string) *account.FundedAccount {
	t.Helper()
	acc, err := h.sup.GetAccount(id)
	require.NoError(t, err)
	return acc
}

func (h *harness) waitFor(t *testing.T, id string, cond func(a *account.FundedAccount) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		acc, err := h.sup.GetAccount(id)
		return err == nil && cond(acc)
	}, 3*time.Second, 5*time.Millisecond, msg)
}

func connected(a *account.FundedAccount) bool { return a.IsConnected }

// =============================================================================
// 场景
// =============================================================================

func TestSupervisor_DailyLossSuspendsAndFlattensOnce(t *testing.T) {
	h := newHarness(t, nil)
	// 平仓回执成功但持仓仍在: 账户保持在监控中，周期持续运行
	h.exchange.KeepPositionsOnFlatten("A1", true)
	h.onboard(t, "A1", testRules())
	h.waitFor(t, "A1", connected, "first cycle")

	h.exchange.SetPosition("A1", "ES", metrics.SideBuy, 2, decimal.RequireFromString("-1000.01"))

	h.waitFor(t, "A1", func(a *account.FundedAccount) bool {
		return a.Status == account.StatusSuspended
	}, "suspended")

	// PnL 不变的情况下再跑至少三个周期
	start := h.exec.Fetches("A1")
	require.Eventually(t, func() bool { return h.exec.Fetches("A1") >= start+3 }, 3*time.Second, 5*time.Millisecond)

	acc := h.get(t, "A1")
	require.Len(t, acc.Violations, 1)
	v := acc.Violations[0]
	assert.Equal(t, account.KindDailyLossLimit, v.Kind)
	assert.True(t, v.ActualValue.Equal(decimal.RequireFromString("1000.01")), v.ActualValue.String())
	assert.True(t, v.RuleLimit.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, 1, h.exchange.FlattenCalls("A1"), "flatten invoked exactly once")

	// 残留敞口只告警一次
	h.waitFor(t, "A1", func(a *account.FundedAccount) bool { return a.Metrics.OpenPositions == 1 }, "residual positions observed")
	require.Eventually(t, func() bool { return h.alerter.Count(alerting.KindResidualExposure) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.alerter.Count(alerting.KindResidualExposure))
	assert.True(t, h.get(t, "A1").FlattenPending)
}

func TestSupervisor_FlattenConfirmedThenRetired(t *testing.T) {
	h := newHarness(t, nil)
	sink := &recordingSink{}
	h.sup.AddSink("test", sink)

	h.onboard(t, "A1", testRules())
	h.waitFor(t, "A1", connected, "first cycle")

	h.exchange.SetPosition("A1", "NQ", metrics.SideSell, 1, decimal.NewFromInt(-2100))

	h.waitFor(t, "A1", func(a *account.FundedAccount) bool {
		return a.Status == account.StatusSuspended && !a.FlattenPending
	}, "flatten confirmed")

	require.Eventually(t, func() bool { return !h.sup.Scheduler().IsScheduled("A1") }, time.Second, 5*time.Millisecond)

	acc := h.get(t, "A1")
	assert.Equal(t, int64(0), acc.Metrics.OpenPositions)
	assert.True(t, acc.Metrics.DailyPnL.Equal(decimal.NewFromInt(-2100)), "flatten realizes the loss")
	assert.Equal(t, 1, h.exchange.FlattenCalls("A1"))

	require.Eventually(t, func() bool {
		return sink.Has(account.EventViolationRecorded, "A1") &&
			sink.Has(account.EventFlattenCompleted, "A1") &&
			sink.Has(account.EventAccountRetired, "A1")
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_TransportFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.onboard(t, "A1", testRules())
	h.exchange.SetPosition("A1", "ES", metrics.SideBuy, 1, decimal.NewFromInt(-300))

	h.waitFor(t, "A1", func(a *account.FundedAccount) bool {
		return a.IsConnected && a.Metrics.DailyPnL.Equal(decimal.NewFromInt(-300))
	}, "metrics computed")

	h.exchange.FailFetch("A1", errors.New("gateway timeout"))
	h.waitFor(t, "A1", func(a *account.FundedAccount) bool { return !a.IsConnected }, "disconnected")

	before := h.get(t, "A1")
	assert.Equal(t, "disconnected", before.Health())
	assert.Contains(t, before.LastError, "gateway timeout")

	// 断连期间执行层的真实亏损已经越线，但没有可信数据就不产生违规
	h.exchange.SetPosition("A1", "ES", metrics.SideBuy, 1, decimal.NewFromInt(-5000))
	start := h.exec.Fetches("A1")
	require.Eventually(t, func() bool { return h.exec.Fetches("A1") >= start+3 }, 3*time.Second, 5*time.Millisecond)

	after := h.get(t, "A1")
	assert.False(t, after.IsConnected)
	assert.Equal(t, before.Metrics.UpdatedAt, after.Metrics.UpdatedAt)
	assert.True(t, after.Metrics.DailyPnL.Equal(decimal.NewFromInt(-300)))
	assert.Empty(t, after.Violations)
	assert.Equal(t, account.StatusActive, after.Status)

	// 恢复后立即按真实数据检测
	h.exchange.FailFetch("A1", nil)
	h.waitFor(t, "A1", func(a *account.FundedAccount) bool {
		return a.IsConnected && a.Status == account.StatusSuspended
	}, "reconnected and suspended")
}

func TestSupervisor_ConcurrentAutoAndManualFlatten(t *testing.T) {
	h := newHarness(t, nil)
	h.exchange.SetFlattenDelay(300 * time.Millisecond)
	h.onboard(t, "A1", testRules())
	h.waitFor(t, "A1", connected, "first cycle")

	h.exchange.SetPosition("A1", "ES", metrics.SideBuy, 3, decimal.NewFromInt(-1500))
	require.Eventually(t, func() bool { return h.sup.Flattener().InFlight("A1") }, 2*time.Second, time.Millisecond)

	err := h.sup.FlattenAccount(context.Background(), "A1")
	assert.ErrorIs(t, err, liquidation.ErrFlattenInProgress)

	h.waitFor(t, "A1", func(a *account.FundedAccount) bool {
		return a.Status == account.StatusSuspended && !a.FlattenPending
	}, "flatten confirmed")
	assert.Equal(t, 1, h.exchange.FlattenCalls("A1"))
}

func TestSupervisor_ManualFlatten(t *testing.T) {
	h := newHarness(t, nil)
	h.onboard(t, "A1", testRules())
	h.waitFor(t, "A1", connected, "first cycle")

	// 没有持仓
	err := h.sup.FlattenAccount(context.Background(), "A1")
	assert.ErrorIs(t, err, liquidation.ErrNothingToFlatten)

	h.exchange.SetPosition("A1", "ES", metrics.SideBuy, 1, decimal.NewFromInt(120))
	h.waitFor(t, "A1", func(a *account.FundedAccount) bool { return a.Metrics.OpenPositions == 1 }, "position seen")

	require.NoError(t, h.sup.FlattenAccount(context.Background(), "A1"))
	assert.Equal(t, 1, h.exchange.FlattenCalls("A1"))

	// 手动平仓不改变状态
	acc := h.get(t, "A1")
	assert.Equal(t, account.StatusActive, acc.Status)
	assert.Equal(t, int64(0), acc.Metrics.OpenPositions)

	err = h.sup.FlattenAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestSupervisor_PassesOnProfitTarget(t *testing.T) {
	h := newHarness(t, nil)
	h.onboard(t, "A1", testRules())
	h.waitFor(t, "A1", connected, "first cycle")

	h.exchange.AddFill("A1", metrics.Fill{
		Symbol:      "ES",
		Side:        metrics.SideSell,
		Qty:         1,
		Price:       decimal.NewFromInt(5061),
		RealizedPnL: decimal.NewFromInt(3050),
	})

	h.waitFor(t, "A1", func(a *account.FundedAccount) bool { return a.Status == account.StatusPassed }, "passed")
	require.Eventually(t, func() bool { return !h.sup.Scheduler().IsScheduled("A1") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.get(t, "A1").Violations)
}

func TestSupervisor_ConsistencyBlocksPass(t *testing.T) {
	h := newHarness(t, nil)
	rules := testRules()
	rules.ConsistencyPercent = decimal.NewFromInt(40)
	h.onboard(t, "A1", rules)
	h.waitFor(t, "A1", connected, "first cycle")

	// 一天赚到全部盈利: 单日占比 100% > 40%
	h.exchange.AddFill("A1", metrics.Fill{
		Symbol:      "NQ",
		Side:        metrics.SideSell,
		Qty:         1,
		Price:       decimal.NewFromInt(18100),
		RealizedPnL: decimal.NewFromInt(3200),
	})

	h.waitFor(t, "A1", func(a *account.FundedAccount) bool { return len(a.Violations) == 1 }, "consistency violation")

	start := h.exec.Fetches("A1")
	require.Eventually(t, func() bool { return h.exec.Fetches("A1") >= start+3 }, 3*time.Second, 5*time.Millisecond)

	acc := h.get(t, "A1")
	require.Len(t, acc.Violations, 1, "recorded once per trading day")
	assert.Equal(t, account.KindConsistency, acc.Violations[0].Kind)
	assert.Equal(t, account.StatusActive, acc.Status, "consistency does not suspend")
	assert.Equal(t, 0, h.exchange.FlattenCalls("A1"))
}

func TestSupervisor_ResetAccount(t *testing.T) {
	h := newHarness(t, nil)
	h.onboard(t, "A1", testRules())
	h.waitFor(t, "A1", connected, "first cycle")

	h.exchange.SetPosition("A1", "ES", metrics.SideBuy, 6, decimal.Zero)
	h.waitFor(t, "A1", func(a *account.FundedAccount) bool {
		return a.Status == account.StatusSuspended && !a.FlattenPending
	}, "suspended and flattened")

	acc := h.get(t, "A1")
	require.Len(t, acc.Violations, 1)
	assert.Equal(t, account.KindMaxContracts, acc.Violations[0].Kind)

	// 非 suspended 账户不能重置
	h.onboard(t, "B1", testRules())
	assert.ErrorIs(t, h.sup.ResetAccount(context.Background(), "B1", "ops"), account.ErrInvalidTransition)

	require.NoError(t, h.sup.ResetAccount(context.Background(), "A1", "ops"))
	acc = h.get(t, "A1")
	assert.Equal(t, account.StatusActive, acc.Status)
	assert.True(t, acc.Violations[0].Resolved)
	assert.Equal(t, "ops", acc.Violations[0].ResolvedBy)

	require.Eventually(t, func() bool { return h.sup.Scheduler().IsScheduled("A1") }, time.Second, 5*time.Millisecond)

	// 重置后继续正常监控，不会因为旧违规再次暂停
	start := h.exec.Fetches("A1")
	require.Eventually(t, func() bool { return h.exec.Fetches("A1") >= start+2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, account.StatusActive, h.get(t, "A1").Status)
}

func TestSupervisor_ResolveViolation(t *testing.T) {
	h := newHarness(t, nil)
	rules := testRules()
	rules.ConsistencyPercent = decimal.NewFromInt(40)
	h.onboard(t, "A1", rules)
	h.exchange.AddFill("A1", metrics.Fill{Symbol: "ES", Side: metrics.SideSell, Qty: 1, RealizedPnL: decimal.NewFromInt(3200)})
	h.waitFor(t, "A1", func(a *account.FundedAccount) bool { return len(a.Violations) == 1 }, "violation")

	id := h.get(t, "A1").Violations[0].ID
	require.NoError(t, h.sup.ResolveViolation(context.Background(), "A1", id, "compliance"))

	acc := h.get(t, "A1")
	assert.True(t, acc.Violations[0].Resolved)
	assert.Equal(t, "compliance", acc.Violations[0].ResolvedBy)

	err := h.sup.ResolveViolation(context.Background(), "A1", -1, "compliance")
	assert.ErrorIs(t, err, account.ErrViolationNotFound)
}

func TestSupervisor_FailAndChangePhase(t *testing.T) {
	h := newHarness(t, nil)
	h.onboard(t, "A1", testRules())
	h.onboard(t, "A2", testRules())
	h.waitFor(t, "A1", connected, "first cycle")

	require.NoError(t, h.sup.Fail(context.Background(), "A1", "copy trading"))
	acc := h.get(t, "A1")
	assert.Equal(t, account.StatusFailed, acc.Status)
	assert.Equal(t, "copy trading", acc.LastError)
	require.Eventually(t, func() bool { return !h.sup.Scheduler().IsScheduled("A1") }, time.Second, 5*time.Millisecond)

	funded := testRules()
	funded.ProfitTarget = decimal.Zero
	require.NoError(t, h.sup.ChangePhase(context.Background(), "A2", account.PhaseFunded, decimal.NewFromInt(100000), funded))
	acc = h.get(t, "A2")
	assert.Equal(t, account.PhaseFunded, acc.Phase)
	assert.True(t, acc.Size.Equal(decimal.NewFromInt(100000)))
	assert.True(t, h.sup.Scheduler().IsScheduled("A2"))

	err := h.sup.ChangePhase(context.Background(), "A2", account.Phase("bogus"), decimal.NewFromInt(1), funded)
	assert.ErrorIs(t, err, account.ErrInvalidPhase)
}

func TestSupervisor_PhaseChangeStartsFromZero(t *testing.T) {
	h := newHarness(t, nil)
	h.onboard(t, "A1", testRules())
	h.waitFor(t, "A1", connected, "first cycle")

	h.exchange.AddFill("A1", metrics.Fill{
		Symbol:      "ES",
		Side:        metrics.SideSell,
		Qty:         1,
		Price:       decimal.NewFromInt(4982),
		RealizedPnL: decimal.NewFromInt(-900),
	})
	h.waitFor(t, "A1", func(a *account.FundedAccount) bool {
		return a.Metrics.DailyPnL.Equal(decimal.NewFromInt(-900))
	}, "loss realized")

	funded := testRules()
	funded.ProfitTarget = decimal.Zero
	require.NoError(t, h.sup.ChangePhase(context.Background(), "A1", account.PhaseFunded, decimal.NewFromInt(100000), funded))

	// 新阶段再跑几个周期: 上一阶段的成交不会重新计入
	start := h.exec.Fetches("A1")
	require.Eventually(t, func() bool { return h.exec.Fetches("A1") >= start+3 }, 3*time.Second, 5*time.Millisecond)

	acc := h.get(t, "A1")
	assert.Equal(t, account.PhaseFunded, acc.Phase)
	assert.Equal(t, account.StatusActive, acc.Status)
	assert.True(t, acc.Metrics.DailyPnL.IsZero(), acc.Metrics.DailyPnL.String())
	assert.True(t, acc.Metrics.TotalPnL.IsZero(), acc.Metrics.TotalPnL.String())
	assert.True(t, acc.CurrentBalance.Equal(decimal.NewFromInt(100000)))
	assert.Empty(t, acc.Violations)
}

func TestSupervisor_ChangePhaseRejectedDuringFlatten(t *testing.T) {
	h := newHarness(t, nil)
	h.exchange.SetFlattenDelay(300 * time.Millisecond)
	h.onboard(t, "A1", testRules())
	h.waitFor(t, "A1", connected, "first cycle")

	h.exchange.SetPosition("A1", "ES", metrics.SideBuy, 3, decimal.NewFromInt(-1500))
	require.Eventually(t, func() bool { return h.sup.Flattener().InFlight("A1") }, 2*time.Second, time.Millisecond)

	funded := testRules()
	funded.ProfitTarget = decimal.Zero
	err := h.sup.ChangePhase(context.Background(), "A1", account.PhaseFunded, decimal.NewFromInt(100000), funded)
	assert.ErrorIs(t, err, liquidation.ErrFlattenInProgress)

	h.waitFor(t, "A1", func(a *account.FundedAccount) bool {
		return a.Status == account.StatusSuspended && !a.FlattenPending
	}, "flatten confirmed")
	acc := h.get(t, "A1")
	assert.Equal(t, account.PhaseEvaluation, acc.Phase, "phase unchanged")
	require.Len(t, acc.Violations, 1)
}

func TestSupervisor_SlowBrokerOutlivesCycleTimeout(t *testing.T) {
	cfg := testConfig()
	// 周期截止时间只够一次平仓请求
	cfg.Scheduler.CycleTimeout = 80 * time.Millisecond
	cfg.Flattener.MaxAttempts = 4

	exchange := simexec.New()
	alerter := &MockAlerter{}
	sup := New(cfg, Deps{Exec: exchange, Broker: exchange, Alerter: alerter})
	t.Cleanup(sup.Stop)
	h := &harness{sup: sup, exchange: exchange, alerter: alerter}

	h.exchange.SetFlattenDelay(50 * time.Millisecond)
	h.exchange.RejectFlatten("A1", 3, "MARKET_CLOSED")
	h.onboard(t, "A1", testRules())
	h.waitFor(t, "A1", connected, "first cycle")

	h.exchange.SetPosition("A1", "ES", metrics.SideBuy, 3, decimal.NewFromInt(-1500))

	h.waitFor(t, "A1", func(a *account.FundedAccount) bool {
		return a.Status == account.StatusSuspended && a.Metrics.OpenPositions == 0 && !a.FlattenPending
	}, "flattened on the fourth attempt")
	assert.Equal(t, 4, h.exchange.FlattenCalls("A1"))
	assert.False(t, h.get(t, "A1").FlattenFailed)
	assert.Zero(t, h.alerter.Count(alerting.KindFlattenFailed))
}

func TestSupervisor_ReadPathUsesStore(t *testing.T) {
	repo := newMemRepo()
	h := newHarness(t, repo)
	rules := testRules()
	rules.ConsistencyPercent = decimal.NewFromInt(40)
	h.onboard(t, "A1", rules)
	h.exchange.AddFill("A1", metrics.Fill{Symbol: "ES", Side: metrics.SideSell, Qty: 1, RealizedPnL: decimal.NewFromInt(3200)})
	h.waitFor(t, "A1", func(a *account.FundedAccount) bool { return len(a.Violations) == 1 }, "violation")
	require.Eventually(t, func() bool {
		vs, _ := repo.ListViolations(context.Background(), "A1")
		return len(vs) == 1
	}, time.Second, 5*time.Millisecond, "violation persisted")

	// 处理标记走存储的专用写入
	id := h.get(t, "A1").Violations[0].ID
	require.NoError(t, h.sup.ResolveViolation(context.Background(), "A1", id, "compliance"))
	assert.Equal(t, 1, repo.Resolves())

	history, err := h.sup.ViolationHistory(context.Background(), "A1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Resolved)
	assert.Equal(t, "compliance", history[0].ResolvedBy)

	// 同库其它实例开的账户: 注册表没有，从存储读取
	other, err := account.NewFundedAccount("OTHER", "sim", "50K", account.PhaseFunded, decimal.NewFromInt(50000), testRules())
	require.NoError(t, err)
	require.NoError(t, repo.SaveAccount(context.Background(), other))

	_, err = h.sup.GetAccount("OTHER")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
	acc, err := h.sup.AccountDetail(context.Background(), "OTHER")
	require.NoError(t, err)
	assert.Equal(t, account.PhaseFunded, acc.Phase)

	_, err = h.sup.AccountDetail(context.Background(), "missing")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
	_, err = h.sup.ViolationHistory(context.Background(), "missing")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestSupervisor_ReadPathWithoutStore(t *testing.T) {
	h := newHarness(t, nil)
	h.onboard(t, "A1", testRules())

	acc, err := h.sup.AccountDetail(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, "A1", acc.ID)

	vs, err := h.sup.ViolationHistory(context.Background(), "A1")
	require.NoError(t, err)
	assert.Empty(t, vs)

	_, err = h.sup.AccountDetail(context.Background(), "missing")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestSupervisor_InvariantIsolatedToAccount(t *testing.T) {
	h := newHarness(t, nil)

	// 非法状态: active 却带着未完成的平仓
	bad, err := account.NewFundedAccount("BAD", "sim", "50K", account.PhaseEvaluation, decimal.NewFromInt(50000), testRules())
	require.NoError(t, err)
	bad.FlattenPending = true
	h.exchange.Open("BAD")
	h.exchange.SetPosition("BAD", "ES", metrics.SideBuy, 1, decimal.NewFromInt(-1500))
	require.NoError(t, h.sup.Onboard(context.Background(), bad))

	h.onboard(t, "GOOD", testRules())

	require.Eventually(t, func() bool { return h.alerter.Count(alerting.KindInvariant) >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !h.sup.Scheduler().IsScheduled("BAD") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.get(t, "BAD").Violations)
	assert.Equal(t, 0, h.exchange.FlattenCalls("BAD"))

	// 其它账户不受影响
	start := h.exec.Fetches("GOOD")
	require.Eventually(t, func() bool { return h.exec.Fetches("GOOD") >= start+2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.sup.Scheduler().IsScheduled("GOOD"))
}

func TestSupervisor_RestoreFromStore(t *testing.T) {
	repo := newMemRepo()

	active, err := account.NewFundedAccount("ACTIVE", "sim", "50K", account.PhaseEvaluation, decimal.NewFromInt(50000), testRules())
	require.NoError(t, err)
	passed, err := account.NewFundedAccount("PASSED", "sim", "50K", account.PhaseEvaluation, decimal.NewFromInt(50000), testRules())
	require.NoError(t, err)
	require.NoError(t, passed.TransitionTo(account.StatusPassed))
	suspended, err := account.NewFundedAccount("SUSP", "sim", "50K", account.PhaseEvaluation, decimal.NewFromInt(50000), testRules())
	require.NoError(t, err)
	require.NoError(t, suspended.TransitionTo(account.StatusSuspended))
	suspended.FlattenPending = true

	for _, a := range []*account.FundedAccount{active, passed, suspended} {
		require.NoError(t, repo.SaveAccount(context.Background(), a))
	}

	h := newHarness(t, repo)
	require.NoError(t, h.sup.Start(context.Background()))

	assert.Len(t, h.sup.ListAccounts(), 3)
	assert.True(t, h.sup.Scheduler().IsScheduled("ACTIVE"))
	assert.False(t, h.sup.Scheduler().IsScheduled("PASSED"))

	// suspended + 平仓未确认: 继续轮询直到确认
	h.waitFor(t, "SUSP", func(a *account.FundedAccount) bool { return !a.FlattenPending }, "pending flatten confirmed")

	// 周期结果写回存储
	h.waitFor(t, "ACTIVE", connected, "first cycle")
	require.Eventually(t, func() bool {
		stored, err := repo.GetAccount(context.Background(), "ACTIVE")
		return err == nil && stored.IsConnected
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_OnboardDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	h.onboard(t, "A1", testRules())

	acc, err := account.NewFundedAccount("A1", "sim", "50K", account.PhaseEvaluation, decimal.NewFromInt(50000), testRules())
	require.NoError(t, err)
	assert.ErrorIs(t, h.sup.Onboard(context.Background(), acc), account.ErrAccountExists)
}

func TestSupervisor_FocusAndFill(t *testing.T) {
	h := newHarness(t, nil)
	h.onboard(t, "A1", testRules())

	require.NoError(t, h.sup.Focus("A1", true))
	assert.ErrorIs(t, h.sup.Focus("missing", true), account.ErrAccountNotFound)

	assert.True(t, h.sup.OnFill("A1"))
	assert.False(t, h.sup.OnFill("missing"))
}

func TestSupervisor_RiskWarning(t *testing.T) {
	h := newHarness(t, nil)
	events, cancel := h.sup.Subscribe()
	defer cancel()

	h.onboard(t, "A1", testRules())
	h.exchange.SetPosition("A1", "ES", metrics.SideBuy, 1, decimal.NewFromInt(-800))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == account.EventRiskWarning && ev.AccountID == "A1" {
				assert.Contains(t, ev.Message, "80.0%")
				assert.Empty(t, h.get(t, "A1").Violations, "warning is not a violation")
				return
			}
		case <-deadline:
			t.Fatal("no risk warning")
		}
	}
}
