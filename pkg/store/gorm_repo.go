// 文件: pkg/store/gorm_repo.go
// GORM 存储实现 (MySQL / SQLite)

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"propguard.com/pkg/account"
)

// 确保实现了接口
var _ Repository = (*GormRepository)(nil)

// GormRepository GORM 实现
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository 创建存储
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate 建表
func (r *GormRepository) Migrate() error {
	return r.db.AutoMigrate(&AccountRecord{}, &ViolationRecord{})
}

// =============================================================================
// 读操作
// =============================================================================

// LoadAccounts 加载全部账户
func (r *GormRepository) LoadAccounts(ctx context.Context) ([]*account.FundedAccount, error) {
	var rows []AccountRecord
	if err := r.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}

	var vrows []ViolationRecord
	if err := r.db.WithContext(ctx).Order("triggered_at, id").Find(&vrows).Error; err != nil {
		return nil, err
	}
	byAccount := make(map[string][]ViolationRecord, len(rows))
	for _, v := range vrows {
		byAccount[v.AccountID] = append(byAccount[v.AccountID], v)
	}

	out := make([]*account.FundedAccount, 0, len(rows))
	for i := range rows {
		acc, err := rows[i].toDomain(byAccount[rows[i].ID])
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, nil
}

// GetAccount 查询单个账户
func (r *GormRepository) GetAccount(ctx context.Context, id string) (*account.FundedAccount, error) {
	var row AccountRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", account.ErrAccountNotFound, id)
		}
		return nil, err
	}

	var vrows []ViolationRecord
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", id).
		Order("triggered_at, id").
		Find(&vrows).Error; err != nil {
		return nil, err
	}
	return row.toDomain(vrows)
}

// ListViolations 账户违规记录
func (r *GormRepository) ListViolations(ctx context.Context, accountID string) ([]account.Violation, error) {
	var vrows []ViolationRecord
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("triggered_at, id").
		Find(&vrows).Error; err != nil {
		return nil, err
	}
	out := make([]account.Violation, 0, len(vrows))
	for _, v := range vrows {
		out = append(out, v.toDomain())
	}
	return out, nil
}

// =============================================================================
// 写操作
// =============================================================================

// SaveAccount 保存账户快照 (单事务)
func (r *GormRepository) SaveAccount(ctx context.Context, acc *account.FundedAccount) error {
	row, err := toAccountRecord(acc)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. 账户行: 存在则覆盖
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(row).Error; err != nil {
			return fmt.Errorf("upsert account %s: %w", acc.ID, err)
		}

		if len(acc.Violations) == 0 {
			return nil
		}

		// 2. 违规: 已存在的行保持不变
		vrows := make([]ViolationRecord, 0, len(acc.Violations))
		for _, v := range acc.Violations {
			vrows = append(vrows, toViolationRecord(v))
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(vrows, 100).Error; err != nil {
			return fmt.Errorf("insert violations of %s: %w", acc.ID, err)
		}

		// 3. 已处理的违规: 只补写 resolved 字段
		for _, v := range acc.Violations {
			if !v.Resolved {
				continue
			}
			if err := markResolved(tx, v.ID, v.ResolvedBy, v.ResolvedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResolveViolation 标记违规已处理
func (r *GormRepository) ResolveViolation(ctx context.Context, accountID string, violationID int64, actor string, at time.Time) error {
	var row ViolationRecord
	err := r.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", violationID, accountID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", account.ErrViolationNotFound, violationID)
		}
		return err
	}
	return markResolved(r.db.WithContext(ctx), violationID, actor, at)
}

// markResolved 只更新未处理的记录，已处理的保持第一次的处理人和时间
func markResolved(tx *gorm.DB, id int64, actor string, at time.Time) error {
	return tx.Model(&ViolationRecord{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{
			"resolved":    true,
			"resolved_by": actor,
			"resolved_at": toNanos(at),
		}).Error
}
