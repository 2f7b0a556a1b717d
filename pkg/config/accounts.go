package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"propguard.com/pkg/account"
)

// AccountsFile 开户文件
//
//	accounts:
//	  - id: TOPSTEP-50K-001
//	    platform: topstepx
//	    type: 50K
//	    phase: evaluation
//	    size: 50000
//	    rules:
//	      max_daily_loss: 1000
//	      max_contracts: 5
//	      trailing_drawdown: 2000
//	      profit_target: 3000
type AccountsFile struct {
	Accounts []AccountSpec `yaml:"accounts"`
}

// AccountSpec 单个账户
type AccountSpec struct {
	ID       string    `yaml:"id"`
	Platform string    `yaml:"platform"`
	Type     string    `yaml:"type"`
	Phase    string    `yaml:"phase"`
	Size     float64   `yaml:"size"`
	Rules    RulesSpec `yaml:"rules"`
}

// RulesSpec 规则
type RulesSpec struct {
	MaxDailyLoss       float64  `yaml:"max_daily_loss"`
	MaxContracts       int64    `yaml:"max_contracts"`
	TrailingDrawdown   float64  `yaml:"trailing_drawdown"`
	ProfitTarget       float64  `yaml:"profit_target"`
	AllowOvernight     bool     `yaml:"allow_overnight_positions"`
	AllowNewsTrading   bool     `yaml:"allow_news_trading"`
	RestrictedSymbols  []string `yaml:"restricted_symbols"`
	ConsistencyPercent float64  `yaml:"consistency_percent"`
}

// RuleSet 转换为领域规则
func (r RulesSpec) RuleSet() account.RuleSet {
	return account.RuleSet{
		MaxDailyLoss:            decimal.NewFromFloat(r.MaxDailyLoss),
		MaxContracts:            r.MaxContracts,
		TrailingDrawdown:        decimal.NewFromFloat(r.TrailingDrawdown),
		ProfitTarget:            decimal.NewFromFloat(r.ProfitTarget),
		AllowOvernightPositions: r.AllowOvernight,
		AllowNewsTrading:        r.AllowNewsTrading,
		RestrictedSymbols:       r.RestrictedSymbols,
		ConsistencyPercent:      decimal.NewFromFloat(r.ConsistencyPercent),
	}
}

// LoadAccounts 读取并校验开户文件
func LoadAccounts(path string) ([]*account.FundedAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return ParseAccounts(data)
}

// ParseAccounts 解析开户文件，所有错误一次性返回
func ParseAccounts(data []byte) ([]*account.FundedAccount, error) {
	var file AccountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}

	var (
		out  = make([]*account.FundedAccount, 0, len(file.Accounts))
		seen = make(map[string]struct{}, len(file.Accounts))
		errs []error
	)
	for i, spec := range file.Accounts {
		if _, dup := seen[spec.ID]; dup && spec.ID != "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate id %q", i, spec.ID))
			continue
		}
		seen[spec.ID] = struct{}{}

		acc, err := account.NewFundedAccount(spec.ID, spec.Platform, spec.Type,
			account.Phase(spec.Phase), decimal.NewFromFloat(spec.Size), spec.Rules.RuleSet())
		if err != nil {
			errs = append(errs, fmt.Errorf("accounts[%d] %q: %w", i, spec.ID, err))
			continue
		}
		out = append(out, acc)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
