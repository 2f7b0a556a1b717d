package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propguard.com/pkg/account"
)

// =============================================================================
// Mock ExecutionLayer
// =============================================================================

type mockExec struct {
	activity Activity
	err      error
	delay    time.Duration
	calls    atomic.Int32
}

func (m *mockExec) FetchActivity(ctx context.Context, _ string, _ account.FillCursor) (Activity, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return Activity{}, ctx.Err()
		}
	}
	return m.activity, m.err
}

func newAccount(t *testing.T) *account.FundedAccount {
	t.Helper()
	acc, err := account.NewFundedAccount("A1", "p", "50K", account.PhaseEvaluation, decimal.NewFromInt(50000), account.RuleSet{
		MaxDailyLoss:     d("1000"),
		MaxContracts:     5,
		TrailingDrawdown: d("2000"),
	})
	require.NoError(t, err)
	return acc
}

func TestSessionClock_Rollover(t *testing.T) {
	ct := time.FixedZone("CST", -6*3600)
	clock := SessionClock{Location: ct, RolloverHour: DefaultRolloverHour}

	before := time.Date(2026, 3, 2, 16, 59, 0, 0, ct)
	after := time.Date(2026, 3, 2, 17, 30, 0, 0, ct)
	assert.Equal(t, "2026-03-02", clock.TradingDay(before))
	assert.Equal(t, "2026-03-03", clock.TradingDay(after))

	// 时区换算: 23:30 UTC = 17:30 CST
	assert.Equal(t, "2026-03-03", clock.TradingDay(time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)))
}

func TestSessionClock_Midnight(t *testing.T) {
	clock := SessionClock{}
	assert.Equal(t, "2026-03-02", clock.TradingDay(time.Date(2026, 3, 2, 23, 59, 0, 0, time.UTC)))
}

func TestNewSessionClock(t *testing.T) {
	clock, err := NewSessionClock("UTC", 17)
	require.NoError(t, err)
	assert.Equal(t, 17, clock.RolloverHour)

	_, err = NewSessionClock("Not/AZone", 17)
	assert.Error(t, err)
}

func TestUpdater_Success(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	exec := &mockExec{activity: Activity{
		Fills:     []Fill{fill("F1", now.Add(-time.Minute), "-200")},
		Positions: []Position{{Symbol: "ES", Side: SideBuy, Qty: 1, UnrealizedPnL: d("-100")}},
		AsOf:      now,
	}}
	u := NewUpdater(exec, DefaultUpdaterConfig())
	u.SetNow(func() time.Time { return now })

	out, err := u.Update(context.Background(), newAccount(t))
	require.NoError(t, err)
	assert.True(t, out.Metrics.DailyPnL.Equal(d("-300")))
	assert.Equal(t, "2026-03-02", out.Metrics.TradingDay)
	assert.Equal(t, 1, out.NewFills)
	assert.False(t, u.InFlight("A1"))
}

func TestUpdater_TransportError(t *testing.T) {
	exec := &mockExec{err: errors.New("connection refused")}
	u := NewUpdater(exec, DefaultUpdaterConfig())

	_, err := u.Update(context.Background(), newAccount(t))
	assert.ErrorIs(t, err, ErrTransport)
}

func TestUpdater_Timeout(t *testing.T) {
	exec := &mockExec{delay: time.Second}
	u := NewUpdater(exec, DefaultUpdaterConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := u.Update(ctx, newAccount(t))
	assert.ErrorIs(t, err, ErrTransport)
}

func TestUpdater_StaleData(t *testing.T) {
	exec := &mockExec{activity: Activity{
		Positions: []Position{{Symbol: "ES", Qty: -3}},
	}}
	u := NewUpdater(exec, DefaultUpdaterConfig())

	_, err := u.Update(context.Background(), newAccount(t))
	assert.ErrorIs(t, err, ErrStaleData)
}

func TestUpdater_ConcurrentSameAccount(t *testing.T) {
	exec := &mockExec{delay: 200 * time.Millisecond}
	u := NewUpdater(exec, DefaultUpdaterConfig())
	acc := newAccount(t)

	done := make(chan error, 1)
	go func() {
		_, err := u.Update(context.Background(), acc)
		done <- err
	}()

	require.Eventually(t, func() bool { return u.InFlight("A1") }, time.Second, time.Millisecond)

	_, err := u.Update(context.Background(), acc)
	assert.ErrorIs(t, err, account.ErrInvariant)

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), exec.calls.Load())
}
