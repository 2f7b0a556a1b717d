// 文件: pkg/risk/detector.go
// 违规检测器 - 纯函数
//
// 输入: RuleSet + MetricsSnapshot + 已有违规
// 输出: 本周期新产生的违规
//
// 【规则】固定顺序，全部检查，不短路
// 1. dailyPnL <= -maxDailyLoss          → daily_loss_limit
// 2. currentDrawdown >= trailingDrawdown → trailing_drawdown
// 3. totalContracts > maxContracts       → max_contracts
//
// 【去重】同一交易日内已存在未处理的同类违规时，不再产生新违规。
// 突破持续期间每个轮询周期都会命中规则，没有去重会刷屏。

package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"propguard.com/pkg/account"
)

// Detect 检测新违规
//
// 返回的违规没有 ID 和 AccountID，由执行器在落账时分配
func Detect(rules account.RuleSet, m account.MetricsSnapshot, existing []account.Violation, now time.Time) []account.Violation {
	var out []account.Violation

	emit := func(kind account.ViolationKind, limit, actual decimal.Decimal) {
		if hasOpen(existing, kind, m.TradingDay) {
			return
		}
		out = append(out, account.Violation{
			Kind:        kind,
			TriggeredAt: now,
			TradingDay:  m.TradingDay,
			RuleLimit:   limit,
			ActualValue: actual,
		})
	}

	// 1. 日内亏损
	if m.DailyPnL.LessThanOrEqual(rules.MaxDailyLoss.Neg()) {
		emit(account.KindDailyLossLimit, rules.MaxDailyLoss, m.DailyPnL.Abs())
	}

	// 2. 移动回撤 (相对高水位)
	if m.CurrentDrawdown.GreaterThanOrEqual(rules.TrailingDrawdown) {
		emit(account.KindTrailingDrawdown, rules.TrailingDrawdown, m.CurrentDrawdown)
	}

	// 3. 持仓合约数
	if m.TotalContracts > rules.MaxContracts {
		emit(account.KindMaxContracts,
			decimal.NewFromInt(rules.MaxContracts), decimal.NewFromInt(m.TotalContracts))
	}

	return out
}

// hasOpen 当前交易日是否已存在未处理的同类违规
func hasOpen(existing []account.Violation, kind account.ViolationKind, day string) bool {
	for _, v := range existing {
		if v.Kind == kind && !v.Resolved && v.TradingDay == day {
			return true
		}
	}
	return false
}
