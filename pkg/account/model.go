// 文件: pkg/account/model.go
// 资金账户领域模型
//
// 【聚合根】FundedAccount
// - 一个 RuleSet (合约规则，阶段内不可变)
// - 一个 MetricsSnapshot (每个周期整体替换)
// - 一个只追加的 Violation 列表
//
// 注意: Registry 中保存的 *FundedAccount 是不可变快照，
// 任何修改都必须走 Registry.Update (写时复制)

package account

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// 枚举定义
// =============================================================================

// Phase 资金账户所处的阶段
type Phase string

const (
	PhaseEvaluation Phase = "evaluation" // 考核期: 必须达到盈利目标
	PhaseFunded     Phase = "funded"     // 实盘: 无盈利目标
	PhaseScaling    Phase = "scaling"    // 扩容: 实盘 + 逐步放大规模
)

// Valid 是否是合法阶段
func (p Phase) Valid() bool {
	switch p {
	case PhaseEvaluation, PhaseFunded, PhaseScaling:
		return true
	}
	return false
}

// Status 账户状态
//
// 状态机:
//
//	active ──违规──▶ suspended ──(外部重置)──▶ active
//	active ──达标──▶ passed
//	任意   ──合规──▶ failed
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
)

// ViolationKind 违规类型
type ViolationKind string

const (
	KindDailyLossLimit   ViolationKind = "daily_loss_limit"
	KindTrailingDrawdown ViolationKind = "trailing_drawdown"
	KindMaxContracts     ViolationKind = "max_contracts"
	KindConsistency      ViolationKind = "consistency_violation"
)

// Suspends 该类违规是否触发暂停 + 平仓
// 一致性违规只阻止通过考核，不暂停账户
func (k ViolationKind) Suspends() bool {
	return k != KindConsistency
}

// =============================================================================
// RuleSet 合约规则
// =============================================================================

// RuleSet 账户的合约风控规则
//
// 在开户/阶段切换时整体设置，阶段内不可变
type RuleSet struct {
	MaxDailyLoss            decimal.Decimal `json:"max_daily_loss"`
	MaxContracts            int64           `json:"max_contracts"`
	TrailingDrawdown        decimal.Decimal `json:"trailing_drawdown"`
	ProfitTarget            decimal.Decimal `json:"profit_target"` // 0 = 无目标
	AllowOvernightPositions bool            `json:"allow_overnight_positions"`
	AllowNewsTrading        bool            `json:"allow_news_trading"`
	RestrictedSymbols       []string        `json:"restricted_symbols"`

	// ConsistencyPercent 单日最大盈利占总盈利的上限 (百分比)，0 = 不检查
	ConsistencyPercent decimal.Decimal `json:"consistency_percent"`
}

// Validate 校验规则
func (r RuleSet) Validate() error {
	switch {
	case !r.MaxDailyLoss.IsPositive():
		return ruleErr("max_daily_loss must be > 0")
	case r.MaxContracts <= 0:
		return ruleErr("max_contracts must be > 0")
	case !r.TrailingDrawdown.IsPositive():
		return ruleErr("trailing_drawdown must be > 0")
	case r.ProfitTarget.IsNegative():
		return ruleErr("profit_target must be >= 0")
	case r.ConsistencyPercent.IsNegative() || r.ConsistencyPercent.GreaterThan(decimal.NewFromInt(100)):
		return ruleErr("consistency_percent must be within [0, 100]")
	}
	return nil
}

// HasProfitTarget 是否设置了盈利目标
func (r RuleSet) HasProfitTarget() bool {
	return r.ProfitTarget.IsPositive()
}

// IsRestricted 交易对是否被禁止
func (r RuleSet) IsRestricted(symbol string) bool {
	return slices.Contains(r.RestrictedSymbols, symbol)
}

// normalize 受限交易对按集合语义去重排序
func (r RuleSet) normalize() RuleSet {
	syms := slices.Clone(r.RestrictedSymbols)
	slices.Sort(syms)
	r.RestrictedSymbols = slices.Compact(syms)
	return r
}

// =============================================================================
// MetricsSnapshot 指标快照
// =============================================================================

// MetricsSnapshot 账户指标快照
//
// 每个周期整体重算后替换，不允许部分写入
type MetricsSnapshot struct {
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	CurrentEquity   decimal.Decimal `json:"current_equity"`
	CurrentDrawdown decimal.Decimal `json:"current_drawdown"` // 距离高水位的回撤, >= 0
	MaxPeakEquity   decimal.Decimal `json:"max_peak_equity"`  // 高水位, 单调不减

	OpenPositions  int64    `json:"open_positions"`
	TotalContracts int64    `json:"total_contracts"`
	OpenSymbols    []string `json:"open_symbols"`

	// 以下仅用于展示，不参与风控判断
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`
	TotalTrades  int64   `json:"total_trades"`
	TradingDays  int64   `json:"trading_days"`

	// ========== 累计量 (用于增量重算) ==========
	DailyRealized decimal.Decimal `json:"daily_realized"`
	BestDayPnL    decimal.Decimal `json:"best_day_pnl"`
	GrossProfit   decimal.Decimal `json:"gross_profit"`
	GrossLoss     decimal.Decimal `json:"gross_loss"`
	WinningTrades int64           `json:"winning_trades"`
	LosingTrades  int64           `json:"losing_trades"`

	// TradingDay 快照所属交易日 (YYYY-MM-DD)
	TradingDay string `json:"trading_day"`
	// LastActiveDay 最近一个有成交的交易日
	LastActiveDay string `json:"last_active_day"`

	// RiskLevel 最近一次计算的风险使用等级
	RiskLevel int `json:"risk_level"`

	UpdatedAt   time.Time `json:"updated_at"`
	FlattenedAt time.Time `json:"flattened_at"`
}

// clone 深拷贝
func (m MetricsSnapshot) clone() MetricsSnapshot {
	m.OpenSymbols = slices.Clone(m.OpenSymbols)
	return m
}

// InitialMetrics 新账户 / 新阶段的初始快照: 高水位从初始资金开始
func InitialMetrics(size decimal.Decimal) MetricsSnapshot {
	return MetricsSnapshot{
		CurrentEquity: size,
		MaxPeakEquity: size,
	}
}

// =============================================================================
// Violation 违规记录
// =============================================================================

// Violation 违规记录 (审计记录)
//
// 创建后除 Resolved 外不可修改，永不删除
type Violation struct {
	ID          int64           `json:"id"`
	AccountID   string          `json:"account_id"`
	Kind        ViolationKind   `json:"kind"`
	TriggeredAt time.Time       `json:"triggered_at"`
	TradingDay  string          `json:"trading_day"`
	RuleLimit   decimal.Decimal `json:"rule_limit"`
	ActualValue decimal.Decimal `json:"actual_value"`

	Resolved   bool      `json:"resolved"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
}

// FillCursor 成交增量游标
//
// At: 已处理的最新成交时间
// IDs: 与 At 同一时刻已处理的成交 ID (防止同时间戳成交重复计算)
type FillCursor struct {
	At  time.Time `json:"at"`
	IDs []string  `json:"ids"`
}

// Seen 该成交是否已经被处理过
func (c FillCursor) Seen(id string, at time.Time) bool {
	if at.Before(c.At) {
		return true
	}
	return at.Equal(c.At) && slices.Contains(c.IDs, id)
}

// =============================================================================
// FundedAccount 聚合根
// =============================================================================

// FundedAccount 资金账户
type FundedAccount struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`     // 考核公司/平台标识
	AccountType string `json:"account_type"` // 如 "50K", "150K"
	Phase       Phase  `json:"phase"`
	Status      Status `json:"status"`

	Size           decimal.Decimal `json:"size"`            // 初始资金
	CurrentBalance decimal.Decimal `json:"current_balance"` // 交易日开始时的已结算余额

	Rules      RuleSet         `json:"rules"`
	Metrics    MetricsSnapshot `json:"metrics"`
	Violations []Violation     `json:"violations"`

	// IsConnected 最近一次指标拉取是否成功 (链路健康度，不是风险状态)
	IsConnected bool `json:"is_connected"`

	// FlattenPending 已暂停，等待轮询确认仓位已清空
	FlattenPending bool `json:"flatten_pending"`
	// FlattenFailed 平仓重试耗尽，需要人工介入
	FlattenFailed bool   `json:"flatten_failed"`
	LastError     string `json:"last_error,omitempty"`

	Cursor FillCursor `json:"cursor"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewFundedAccount 创建新账户 (开户)
func NewFundedAccount(id, platform, accountType string, phase Phase, size decimal.Decimal, rules RuleSet) (*FundedAccount, error) {
	if id == "" {
		return nil, ErrInvalidAccount
	}
	if !phase.Valid() {
		return nil, ErrInvalidPhase
	}
	if !size.IsPositive() {
		return nil, ErrInvalidAccount
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	return &FundedAccount{
		ID:             id,
		Platform:       platform,
		AccountType:    accountType,
		Phase:          phase,
		Status:         StatusActive,
		Size:           size,
		CurrentBalance: size,
		Rules:          rules.normalize(),
		Metrics:        InitialMetrics(size),
		Violations:     make([]Violation, 0),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Clone 深拷贝 (写时复制的基础)
func (a *FundedAccount) Clone() *FundedAccount {
	if a == nil {
		return nil
	}
	c := *a
	c.Rules.RestrictedSymbols = slices.Clone(a.Rules.RestrictedSymbols)
	c.Metrics = a.Metrics.clone()
	c.Violations = slices.Clone(a.Violations)
	c.Cursor.IDs = slices.Clone(a.Cursor.IDs)
	return &c
}

// =============================================================================
// 状态机
// =============================================================================

// TransitionTo 引擎发起的状态变更
//
// suspended → active 不在此处: 只能走 ResetSuspension (外部动作)
func (a *FundedAccount) TransitionTo(next Status) error {
	if a.Status == next {
		return nil
	}
	switch next {
	case StatusSuspended, StatusPassed:
		if a.Status != StatusActive {
			return transitionErr(a.Status, next)
		}
	case StatusFailed:
		// 任意状态都可以被判定失败
	default:
		return transitionErr(a.Status, next)
	}
	a.Status = next
	return nil
}

// ResetSuspension 外部重置: suspended → active
func (a *FundedAccount) ResetSuspension() error {
	if a.Status != StatusSuspended {
		return transitionErr(a.Status, StatusActive)
	}
	a.Status = StatusActive
	a.FlattenPending = false
	a.FlattenFailed = false
	a.LastError = ""
	return nil
}

// ReplaceRules 阶段切换: 规则整体替换，指标从新规模重新开始
//
// 成交游标保持不变: 上一阶段的成交不会计入新阶段
func (a *FundedAccount) ReplaceRules(phase Phase, size decimal.Decimal, rules RuleSet) error {
	if !phase.Valid() {
		return ErrInvalidPhase
	}
	if !size.IsPositive() {
		return ErrInvalidAccount
	}
	if err := rules.Validate(); err != nil {
		return err
	}
	if a.Status == StatusFailed {
		return transitionErr(a.Status, StatusActive)
	}
	a.Phase = phase
	a.Size = size
	a.CurrentBalance = size
	a.Rules = rules.normalize()
	a.Metrics = InitialMetrics(size)
	a.Status = StatusActive
	a.FlattenPending = false
	a.FlattenFailed = false
	return nil
}

// AppendViolations 追加违规记录 (只追加)
func (a *FundedAccount) AppendViolations(vs ...Violation) {
	a.Violations = append(a.Violations, vs...)
}

// ResolveViolation 合规动作: 标记违规已处理，这是违规记录唯一可变的字段
func (a *FundedAccount) ResolveViolation(id int64, actor string, at time.Time) error {
	for i := range a.Violations {
		if a.Violations[i].ID != id {
			continue
		}
		if a.Violations[i].Resolved {
			return nil
		}
		a.Violations[i].Resolved = true
		a.Violations[i].ResolvedBy = actor
		a.Violations[i].ResolvedAt = at
		return nil
	}
	return ErrViolationNotFound
}

// UnresolvedSuspending 是否存在未处理的暂停类违规
func (a *FundedAccount) UnresolvedSuspending() bool {
	for _, v := range a.Violations {
		if !v.Resolved && v.Kind.Suspends() {
			return true
		}
	}
	return false
}

// NeedsMonitoring 是否仍需要被调度器轮询
//
// 轮询: active，以及 suspended 但平仓未确认的账户
func (a *FundedAccount) NeedsMonitoring() bool {
	switch a.Status {
	case StatusActive:
		return true
	case StatusSuspended:
		return a.FlattenPending || a.FlattenFailed || a.Metrics.OpenPositions > 0
	}
	return false
}

// Health 给展示层使用的状态
//
// 暂停 (需要人工) / 断连 / 正常 三者必须可区分
func (a *FundedAccount) Health() string {
	switch {
	case a.FlattenFailed:
		return "flatten_failed"
	case a.Status == StatusSuspended:
		return "suspended"
	case a.Status == StatusPassed || a.Status == StatusFailed:
		return string(a.Status)
	case !a.IsConnected:
		return "disconnected"
	default:
		return "healthy"
	}
}
