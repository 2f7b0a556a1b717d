// 文件: pkg/store/model.go
// 持久化模型
//
// 【表结构】
// - funded_accounts: 账户当前状态，RuleSet / 指标 / 游标以 JSON 文本保存
// - risk_violations: 违规审计记录，只插入，除 resolved 相关字段外不更新，永不删除
//
// 时间统一保存为 UnixNano (纳秒精度)，读出时为 UTC

package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"propguard.com/pkg/account"
)

// AccountRecord 账户表
type AccountRecord struct {
	ID             string          `gorm:"primaryKey;size:64"`
	Platform       string          `gorm:"size:64"`
	AccountType    string          `gorm:"size:32"`
	Phase          string          `gorm:"size:16;index"`
	Status         string          `gorm:"size:16;index"`
	Size           decimal.Decimal `gorm:"type:decimal(20,4)"`
	CurrentBalance decimal.Decimal `gorm:"type:decimal(20,4)"`
	Rules          string          `gorm:"type:text"`
	Metrics        string          `gorm:"type:text"`
	Cursor         string          `gorm:"type:text"`
	IsConnected    bool
	FlattenPending bool
	FlattenFailed  bool
	LastError      string `gorm:"size:512"`
	Version        uint64
	CreatedAt      int64 `gorm:"autoCreateTime:false"`
	UpdatedAt      int64 `gorm:"autoUpdateTime:false"`
}

// TableName GORM 表名
func (AccountRecord) TableName() string {
	return "funded_accounts"
}

// ViolationRecord 违规表
type ViolationRecord struct {
	ID          int64           `gorm:"primaryKey;autoIncrement:false"`
	AccountID   string          `gorm:"size:64;index"`
	Kind        string          `gorm:"size:32"`
	TriggeredAt int64           `gorm:"index"`
	TradingDay  string          `gorm:"size:10"`
	RuleLimit   decimal.Decimal `gorm:"type:decimal(20,4)"`
	ActualValue decimal.Decimal `gorm:"type:decimal(20,4)"`
	Resolved    bool
	ResolvedBy  string `gorm:"size:64"`
	ResolvedAt  int64
}

// TableName GORM 表名
func (ViolationRecord) TableName() string {
	return "risk_violations"
}

// BeforeDelete 违规记录是审计数据，拒绝任何删除
func (ViolationRecord) BeforeDelete(*gorm.DB) error {
	return ErrViolationImmutable
}

// =============================================================================
// 领域模型 <-> 持久化模型
// =============================================================================

func toAccountRecord(a *account.FundedAccount) (*AccountRecord, error) {
	rules, err := json.Marshal(a.Rules)
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}
	metrics, err := json.Marshal(a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("encode metrics: %w", err)
	}
	cursor, err := json.Marshal(a.Cursor)
	if err != nil {
		return nil, fmt.Errorf("encode cursor: %w", err)
	}
	return &AccountRecord{
		ID:             a.ID,
		Platform:       a.Platform,
		AccountType:    a.AccountType,
		Phase:          string(a.Phase),
		Status:         string(a.Status),
		Size:           a.Size,
		CurrentBalance: a.CurrentBalance,
		Rules:          string(rules),
		Metrics:        string(metrics),
		Cursor:         string(cursor),
		IsConnected:    a.IsConnected,
		FlattenPending: a.FlattenPending,
		FlattenFailed:  a.FlattenFailed,
		LastError:      a.LastError,
		Version:        a.Version,
		CreatedAt:      toNanos(a.CreatedAt),
		UpdatedAt:      toNanos(a.UpdatedAt),
	}, nil
}

func (r *AccountRecord) toDomain(violations []ViolationRecord) (*account.FundedAccount, error) {
	a := &account.FundedAccount{
		ID:             r.ID,
		Platform:       r.Platform,
		AccountType:    r.AccountType,
		Phase:          account.Phase(r.Phase),
		Status:         account.Status(r.Status),
		Size:           r.Size,
		CurrentBalance: r.CurrentBalance,
		IsConnected:    r.IsConnected,
		FlattenPending: r.FlattenPending,
		FlattenFailed:  r.FlattenFailed,
		LastError:      r.LastError,
		Version:        r.Version,
		CreatedAt:      fromNanos(r.CreatedAt),
		UpdatedAt:      fromNanos(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Rules), &a.Rules); err != nil {
		return nil, fmt.Errorf("decode rules of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Metrics), &a.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics of %s: %w", r.ID, err)
	}
	if r.Cursor != "" {
		if err := json.Unmarshal([]byte(r.Cursor), &a.Cursor); err != nil {
			return nil, fmt.Errorf("decode cursor of %s: %w", r.ID, err)
		}
	}
	a.Violations = make([]account.Violation, 0, len(violations))
	for _, v := range violations {
		a.Violations = append(a.Violations, v.toDomain())
	}
	return a, nil
}

func toViolationRecord(v account.Violation) ViolationRecord {
	return ViolationRecord{
		ID:          v.ID,
		AccountID:   v.AccountID,
		Kind:        string(v.Kind),
		TriggeredAt: toNanos(v.TriggeredAt),
		TradingDay:  v.TradingDay,
		RuleLimit:   v.RuleLimit,
		ActualValue: v.ActualValue,
		Resolved:    v.Resolved,
		ResolvedBy:  v.ResolvedBy,
		ResolvedAt:  toNanos(v.ResolvedAt),
	}
}

func (v ViolationRecord) toDomain() account.Violation {
	return account.Violation{
		ID:          v.ID,
		AccountID:   v.AccountID,
		Kind:        account.ViolationKind(v.Kind),
		TriggeredAt: fromNanos(v.TriggeredAt),
		TradingDay:  v.TradingDay,
		RuleLimit:   v.RuleLimit,
		ActualValue: v.ActualValue,
		Resolved:    v.Resolved,
		ResolvedBy:  v.ResolvedBy,
		ResolvedAt:  fromNanos(v.ResolvedAt),
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
