// 文件: pkg/store/repository.go
// 账户存储接口
//
// 业务层只依赖接口: GORM 实现负责落库，Redis 装饰器负责读缓存

package store

import (
	"context"
	"errors"
	"time"

	"propguard.com/pkg/account"
)

var (
	ErrViolationImmutable = errors.New("violation records cannot be deleted")
)

// Repository 账户存储
type Repository interface {
	// LoadAccounts 加载全部账户 (含违规记录)，用于启动恢复
	LoadAccounts(ctx context.Context) ([]*account.FundedAccount, error)

	// GetAccount 查询单个账户，不存在返回 account.ErrAccountNotFound
	GetAccount(ctx context.Context, id string) (*account.FundedAccount, error)

	// SaveAccount 保存账户快照
	// 账户行覆盖写；新违规插入；已处理的违规只更新 resolved 字段
	SaveAccount(ctx context.Context, acc *account.FundedAccount) error

	// ResolveViolation 标记违规已处理
	ResolveViolation(ctx context.Context, accountID string, violationID int64, actor string, at time.Time) error

	// ListViolations 账户的违规记录，按触发时间排序
	ListViolations(ctx context.Context, accountID string) ([]account.Violation, error)
}
