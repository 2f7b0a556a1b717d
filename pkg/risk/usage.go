package risk

import (
	"github.com/shopspring/decimal"

	"propguard.com/pkg/account"
)

// =============================================================================
// 风险使用等级
// =============================================================================

// Level 风险使用等级
//
// 使用率 = 已消耗额度 / 规则额度，取日内亏损和移动回撤中较大者:
// - 安全区:   < 70%
// - 预警区:   70% ~ 80%
// - 危险区:   80% ~ 90%  (推送 "80% 额度" 预警)
// - 临界区:   90% ~ 100%
// - 突破区:   >= 100%    (由 Detect 产生违规)
type Level int

const (
	LevelSafe Level = iota
	LevelWarning
	LevelDanger
	LevelCritical
	LevelBreach
)

// String 返回等级的字符串表示（用于日志打印）
func (l Level) String() string {
	switch l {
	case LevelSafe:
		return "SAFE"
	case LevelWarning:
		return "WARNING"
	case LevelDanger:
		return "DANGER"
	case LevelCritical:
		return "CRITICAL"
	case LevelBreach:
		return "BREACH"
	default:
		return "UNKNOWN"
	}
}

var (
	ThresholdWarning  = decimal.NewFromFloat(0.70)
	ThresholdDanger   = decimal.NewFromFloat(0.80)
	ThresholdCritical = decimal.NewFromFloat(0.90)
	ThresholdBreach   = decimal.NewFromInt(1)
)

// Usage 计算额度使用率
func Usage(rules account.RuleSet, m account.MetricsSnapshot) decimal.Decimal {
	usage := decimal.Zero

	if m.DailyPnL.IsNegative() && rules.MaxDailyLoss.IsPositive() {
		usage = m.DailyPnL.Abs().Div(rules.MaxDailyLoss)
	}
	if rules.TrailingDrawdown.IsPositive() {
		usage = decimal.Max(usage, m.CurrentDrawdown.Div(rules.TrailingDrawdown))
	}
	return usage
}

// CalculateLevel 根据使用率计算等级
func CalculateLevel(usage decimal.Decimal) Level {
	switch {
	case usage.GreaterThanOrEqual(ThresholdBreach):
		return LevelBreach
	case usage.GreaterThanOrEqual(ThresholdCritical):
		return LevelCritical
	case usage.GreaterThanOrEqual(ThresholdDanger):
		return LevelDanger
	case usage.GreaterThanOrEqual(ThresholdWarning):
		return LevelWarning
	default:
		return LevelSafe
	}
}

// Escalated 等级是否上升到需要预警的区间
func Escalated(prev, next Level) bool {
	return next > prev && next >= LevelWarning && next < LevelBreach
}
