// 文件: pkg/metrics/compute.go
// 指标重算 - 纯函数
//
// 【公式】
// 权益         = 交易日开始余额 + 日内盈亏
// 日内盈亏     = 日内已实现 (扣手续费) + 持仓浮动盈亏
// 高水位       = max(上次高水位, 权益)
// 回撤         = max(0, 高水位 - 权益)        ← 永远相对高水位，而非初始资金
// 总盈亏       = 权益 - 初始资金
//
// 【交易日切换】
// 上一交易日的已实现盈亏并入余额，日内已实现清零。
// 高水位跨交易日保留 (移动回撤针对账户历史最高权益)。

package metrics

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"propguard.com/pkg/account"
)

// Input 重算输入
type Input struct {
	Prev       account.MetricsSnapshot
	Balance    decimal.Decimal // 交易日开始时的余额
	Size       decimal.Decimal // 初始资金
	Cursor     account.FillCursor
	Activity   Activity
	TradingDay string
	Clock      SessionClock
	Now        time.Time
}

// Output 重算结果
type Output struct {
	Metrics   account.MetricsSnapshot
	Balance   decimal.Decimal
	Cursor    account.FillCursor
	NewFills  int
	Rollover  bool
	LateFills int // 属于之前交易日的迟到成交，直接并入余额
}

// Validate 数据合理性检查
//
// 不通过时整个周期跳过，保留上一次快照
func Validate(act Activity, cursor account.FillCursor) error {
	seen := make(map[string]struct{}, len(act.Positions))
	for _, p := range act.Positions {
		if p.Symbol == "" {
			return fmt.Errorf("%w: position without symbol", ErrStaleData)
		}
		if p.Qty < 0 {
			return fmt.Errorf("%w: negative contract count %d for %s", ErrStaleData, p.Qty, p.Symbol)
		}
		if _, dup := seen[p.Symbol]; dup {
			return fmt.Errorf("%w: duplicate position for %s", ErrStaleData, p.Symbol)
		}
		seen[p.Symbol] = struct{}{}
	}
	for _, f := range act.Fills {
		if f.ID == "" {
			return fmt.Errorf("%w: fill without id", ErrStaleData)
		}
		if f.Qty <= 0 {
			return fmt.Errorf("%w: fill %s has qty %d", ErrStaleData, f.ID, f.Qty)
		}
		if f.ExecutedAt.IsZero() {
			return fmt.Errorf("%w: fill %s has no timestamp", ErrStaleData, f.ID)
		}
	}
	if !act.AsOf.IsZero() && act.AsOf.Before(cursor.At) {
		return fmt.Errorf("%w: snapshot as of %s is older than cursor %s",
			ErrStaleData, act.AsOf.Format(time.RFC3339), cursor.At.Format(time.RFC3339))
	}
	return nil
}

// Recompute 根据上一次快照和本次增量计算新快照
func Recompute(in Input) Output {
	prev := in.Prev
	out := Output{Balance: in.Balance}

	next := account.MetricsSnapshot{
		MaxPeakEquity: prev.MaxPeakEquity,
		DailyRealized: prev.DailyRealized,
		BestDayPnL:    prev.BestDayPnL,
		GrossProfit:   prev.GrossProfit,
		GrossLoss:     prev.GrossLoss,
		WinningTrades: prev.WinningTrades,
		LosingTrades:  prev.LosingTrades,
		TotalTrades:   prev.TotalTrades,
		TradingDays:   prev.TradingDays,
		LastActiveDay: prev.LastActiveDay,
		RiskLevel:     prev.RiskLevel,
		FlattenedAt:   prev.FlattenedAt,
		TradingDay:    in.TradingDay,
		UpdatedAt:     in.Now,
	}
	if next.MaxPeakEquity.IsZero() {
		next.MaxPeakEquity = in.Size
	}

	// 1. 交易日切换
	if prev.TradingDay != "" && prev.TradingDay != in.TradingDay {
		out.Balance = out.Balance.Add(prev.DailyRealized)
		next.DailyRealized = decimal.Zero
		out.Rollover = true
	}

	// 2. 增量成交
	fills := newFills(in.Activity.Fills, in.Cursor)
	out.Cursor = advanceCursor(in.Cursor, fills)
	out.NewFills = len(fills)

	for _, f := range fills {
		day := in.Clock.TradingDay(f.ExecutedAt)
		net := f.Net()

		if day < in.TradingDay {
			// 迟到成交: 所属交易日已结算
			out.Balance = out.Balance.Add(net)
			out.LateFills++
		} else {
			next.DailyRealized = next.DailyRealized.Add(net)
		}

		if day > next.LastActiveDay {
			next.LastActiveDay = day
			next.TradingDays++
		}

		if f.Closing() {
			next.TotalTrades++
			if net.IsPositive() {
				next.WinningTrades++
				next.GrossProfit = next.GrossProfit.Add(net)
			} else {
				next.LosingTrades++
				next.GrossLoss = next.GrossLoss.Add(net.Abs())
			}
		}
	}

	// 3. 持仓
	unrealized := decimal.Zero
	for _, p := range in.Activity.Positions {
		if p.Qty == 0 {
			continue
		}
		next.OpenPositions++
		next.TotalContracts += p.Qty
		next.OpenSymbols = append(next.OpenSymbols, p.Symbol)
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}
	slices.Sort(next.OpenSymbols)

	// 4. 权益 / 高水位 / 回撤
	next.DailyPnL = next.DailyRealized.Add(unrealized)
	next.CurrentEquity = out.Balance.Add(next.DailyPnL)
	next.MaxPeakEquity = decimal.Max(next.MaxPeakEquity, next.CurrentEquity)
	next.CurrentDrawdown = decimal.Max(decimal.Zero, next.MaxPeakEquity.Sub(next.CurrentEquity))
	next.TotalPnL = next.CurrentEquity.Sub(in.Size)

	// 5. 单日最佳 (一致性规则使用)
	if next.DailyRealized.GreaterThan(next.BestDayPnL) {
		next.BestDayPnL = next.DailyRealized
	}

	// 6. 展示指标
	if closed := next.WinningTrades + next.LosingTrades; closed > 0 {
		next.WinRate = float64(next.WinningTrades) / float64(closed) * 100
	}
	if next.GrossLoss.IsPositive() {
		next.ProfitFactor = next.GrossProfit.Div(next.GrossLoss).InexactFloat64()
	}

	out.Metrics = next
	return out
}

// newFills 过滤掉游标之前已处理的成交，按时间排序
func newFills(all []Fill, cursor account.FillCursor) []Fill {
	fills := make([]Fill, 0, len(all))
	for _, f := range all {
		if cursor.Seen(f.ID, f.ExecutedAt) {
			continue
		}
		fills = append(fills, f)
	}
	slices.SortFunc(fills, func(a, b Fill) int {
		if c := a.ExecutedAt.Compare(b.ExecutedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	// 同一批次内重复的成交只算一次
	return slices.CompactFunc(fills, func(a, b Fill) bool { return a.ID == b.ID })
}

// advanceCursor 推进游标
func advanceCursor(cursor account.FillCursor, fills []Fill) account.FillCursor {
	next := account.FillCursor{At: cursor.At, IDs: slices.Clone(cursor.IDs)}
	for _, f := range fills {
		switch {
		case f.ExecutedAt.After(next.At):
			next.At = f.ExecutedAt
			next.IDs = []string{f.ID}
		case f.ExecutedAt.Equal(next.At):
			next.IDs = append(next.IDs, f.ID)
		}
	}
	return next
}
