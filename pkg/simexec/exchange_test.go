package simexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propguard.com/pkg/account"
	"propguard.com/pkg/metrics"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// steppingClock 每次调用前进 1 秒
func steppingClock() func() time.Time {
	t := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newExchange() *Exchange {
	e := New()
	e.SetNow(steppingClock())
	e.SetPointValue("ES", d("50"))
	return e
}

func TestExchange_TradeRealizesPnL(t *testing.T) {
	e := newExchange()

	open := e.Trade("A1", "ES", metrics.SideBuy, 2, d("5000"))
	assert.True(t, open.RealizedPnL.IsZero())
	assert.NotEmpty(t, open.ID)

	// 加仓, 均价 5002
	e.Trade("A1", "ES", metrics.SideBuy, 2, d("5004"))

	// 平 3 张 @4998: (4998-5002)*3*50 = -600
	closeFill := e.Trade("A1", "ES", metrics.SideSell, 3, d("4998"))
	assert.True(t, closeFill.RealizedPnL.Equal(d("-600")), closeFill.RealizedPnL.String())

	act, err := e.FetchActivity(context.Background(), "A1", account.FillCursor{})
	require.NoError(t, err)
	assert.Len(t, act.Fills, 3)
	require.Len(t, act.Positions, 1)
	p := act.Positions[0]
	assert.Equal(t, int64(1), p.Qty)
	assert.Equal(t, metrics.SideBuy, p.Side)
	assert.True(t, p.AvgPrice.Equal(d("5002")))
	// 标记价 4998: (4998-5002)*1*50
	assert.True(t, p.UnrealizedPnL.Equal(d("-200")), p.UnrealizedPnL.String())
}

func TestExchange_ReverseOpensOtherSide(t *testing.T) {
	e := newExchange()
	e.Trade("A1", "ES", metrics.SideBuy, 1, d("5000"))
	f := e.Trade("A1", "ES", metrics.SideSell, 3, d("5010"))
	assert.True(t, f.RealizedPnL.Equal(d("500")))

	e.Mark("ES", d("5000"))
	act, err := e.FetchActivity(context.Background(), "A1", account.FillCursor{})
	require.NoError(t, err)
	require.Len(t, act.Positions, 1)
	assert.Equal(t, metrics.SideSell, act.Positions[0].Side)
	assert.Equal(t, int64(2), act.Positions[0].Qty)
	// 空头 2 张, 5010 -> 5000: +1000
	assert.True(t, act.Positions[0].UnrealizedPnL.Equal(d("1000")))
}

func TestExchange_FetchActivityCursor(t *testing.T) {
	e := newExchange()
	f1 := e.Trade("A1", "ES", metrics.SideBuy, 1, d("5000"))
	f2 := e.Trade("A1", "ES", metrics.SideBuy, 1, d("5001"))

	act, err := e.FetchActivity(context.Background(), "A1", account.FillCursor{At: f1.ExecutedAt, IDs: []string{f1.ID}})
	require.NoError(t, err)
	require.Len(t, act.Fills, 1)
	assert.Equal(t, f2.ID, act.Fills[0].ID)

	act, err = e.FetchActivity(context.Background(), "A1", account.FillCursor{At: f2.ExecutedAt, IDs: []string{f2.ID}})
	require.NoError(t, err)
	assert.Empty(t, act.Fills)
	assert.False(t, act.AsOf.IsZero())

	// 未知账户视为空账户
	act, err = e.FetchActivity(context.Background(), "nobody", account.FillCursor{})
	require.NoError(t, err)
	assert.Empty(t, act.Fills)
	assert.Empty(t, act.Positions)
}

func TestExchange_FailFetch(t *testing.T) {
	e := newExchange()
	boom := errors.New("gateway down")
	e.FailFetch("A1", boom)

	_, err := e.FetchActivity(context.Background(), "A1", account.FillCursor{})
	assert.ErrorIs(t, err, boom)

	e.FailFetch("A1", nil)
	_, err = e.FetchActivity(context.Background(), "A1", account.FillCursor{})
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.FetchActivity(ctx, "A1", account.FillCursor{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExchange_FlattenAll(t *testing.T) {
	e := newExchange()
	e.Trade("A1", "ES", metrics.SideBuy, 2, d("5000"))
	e.SetPosition("A1", "NQ", metrics.SideSell, 1, d("-150"))
	e.Mark("ES", d("4990"))

	r, err := e.FlattenAll(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, 2, r.ClosedPositions)
	assert.Equal(t, 1, e.FlattenCalls("A1"))

	act, err := e.FetchActivity(context.Background(), "A1", account.FillCursor{})
	require.NoError(t, err)
	assert.Empty(t, act.Positions)

	// 平仓成交把浮动盈亏转为已实现: ES -1000, NQ -150
	realized := decimal.Zero
	for _, f := range act.Fills {
		realized = realized.Add(f.RealizedPnL)
	}
	assert.True(t, realized.Equal(d("-1150")), realized.String())
}

func TestExchange_RejectAndKeep(t *testing.T) {
	e := newExchange()
	e.Trade("A1", "ES", metrics.SideBuy, 1, d("5000"))
	e.RejectFlatten("A1", 1, "MARKET_CLOSED")

	r, err := e.FlattenAll(context.Background(), "A1")
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, "MARKET_CLOSED", r.ReasonCode)

	e.KeepPositionsOnFlatten("A1", true)
	r, err = e.FlattenAll(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, r.Success)

	act, _ := e.FetchActivity(context.Background(), "A1", account.FillCursor{})
	assert.Len(t, act.Positions, 1, "positions survive a no-op flatten")
	assert.Equal(t, 2, e.FlattenCalls("A1"))

	r, err = e.FlattenAll(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, "UNKNOWN_ACCOUNT", r.ReasonCode)
	assert.Zero(t, e.FlattenCalls("nobody"))
}

func TestExchange_FlattenDelayHonoursContext(t *testing.T) {
	e := newExchange()
	e.Open("A1")
	e.SetFlattenDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.FlattenAll(ctx, "A1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExchange_AddFill(t *testing.T) {
	e := newExchange()
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f := e.AddFill("A1", metrics.Fill{ID: "X1", Symbol: "ES", RealizedPnL: d("25"), ExecutedAt: at})
	assert.Equal(t, "X1", f.ID)
	assert.Equal(t, at, f.ExecutedAt)

	g := e.AddFill("A1", metrics.Fill{Symbol: "ES"})
	assert.NotEmpty(t, g.ID)
	assert.False(t, g.ExecutedAt.IsZero())
}
