package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"propguard.com/pkg/account"
)

var hundred = decimal.NewFromInt(100)

// TargetReached 考核期是否达到盈利目标
func TargetReached(a *account.FundedAccount) bool {
	return a.Phase == account.PhaseEvaluation &&
		a.Rules.HasProfitTarget() &&
		a.Metrics.TotalPnL.GreaterThanOrEqual(a.Rules.ProfitTarget)
}

// CheckConsistency 一致性规则
//
// 单日最大盈利不得超过总盈利的 ConsistencyPercent%。
// 只在达到盈利目标时检查: 违规会阻止通过考核，但不暂停账户。
// 返回 nil 表示通过 (或规则未启用 / 当日已记录)
func CheckConsistency(a *account.FundedAccount, now time.Time) *account.Violation {
	limit, breached := ConsistencyBreached(a)
	if !breached {
		return nil
	}
	if hasOpen(a.Violations, account.KindConsistency, a.Metrics.TradingDay) {
		return nil
	}

	return &account.Violation{
		Kind:        account.KindConsistency,
		TriggeredAt: now,
		TradingDay:  a.Metrics.TradingDay,
		RuleLimit:   limit,
		ActualValue: a.Metrics.BestDayPnL,
	}
}

// ConsistencyBreached 单日最大盈利是否超过上限，同时返回上限值
func ConsistencyBreached(a *account.FundedAccount) (decimal.Decimal, bool) {
	pct := a.Rules.ConsistencyPercent
	if !pct.IsPositive() || !a.Metrics.TotalPnL.IsPositive() {
		return decimal.Zero, false
	}
	limit := a.Metrics.TotalPnL.Mul(pct).Div(hundred)
	return limit, a.Metrics.BestDayPnL.GreaterThan(limit)
}

// RestrictedExposure 持有的受限交易对
func RestrictedExposure(a *account.FundedAccount) []string {
	var out []string
	for _, sym := range a.Metrics.OpenSymbols {
		if a.Rules.IsRestricted(sym) {
			out = append(out, sym)
		}
	}
	return out
}
