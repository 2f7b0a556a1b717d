// 文件: pkg/store/cache_repo.go
// 账户 Redis 缓存层
//
// 【缓存策略】
// - 读: 先查 Redis，miss 则查 DB 并回填
// - 写: 先写 DB，成功后删除缓存 (Cache Aside)
//
// 只缓存单个账户的读取 (API 查询)；启动恢复和违规列表直接查 DB

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"propguard.com/pkg/account"
)

// 确保实现了接口
var _ Repository = (*CachedRepository)(nil)

const (
	// 单个账户: propguard:account:{id}
	cacheKeyAccount = "propguard:account:%s"

	cacheTTL = 10 * time.Minute
)

// CachedRepository Redis 缓存装饰器
type CachedRepository struct {
	repo  Repository
	redis *redis.Client
}

// NewCachedRepository 创建带缓存的存储
func NewCachedRepository(repo Repository, rds *redis.Client) *CachedRepository {
	return &CachedRepository{repo: repo, redis: rds}
}

// GetAccount 查询账户 (带缓存)
func (r *CachedRepository) GetAccount(ctx context.Context, id string) (*account.FundedAccount, error) {
	key := fmt.Sprintf(cacheKeyAccount, id)

	// 1. 查缓存
	data, err := r.redis.Get(ctx, key).Bytes()
	if err == nil {
		var acc account.FundedAccount
		if json.Unmarshal(data, &acc) == nil {
			return &acc, nil
		}
	}

	// 2. Cache miss, 查底层
	acc, err := r.repo.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	// 3. 回填
	r.setCache(ctx, key, acc)
	return acc, nil
}

// LoadAccounts 启动恢复，不走缓存
func (r *CachedRepository) LoadAccounts(ctx context.Context) ([]*account.FundedAccount, error) {
	return r.repo.LoadAccounts(ctx)
}

// ListViolations 不走缓存
func (r *CachedRepository) ListViolations(ctx context.Context, accountID string) ([]account.Violation, error) {
	return r.repo.ListViolations(ctx, accountID)
}

// SaveAccount 写 DB 后删除缓存
func (r *CachedRepository) SaveAccount(ctx context.Context, acc *account.FundedAccount) error {
	if err := r.repo.SaveAccount(ctx, acc); err != nil {
		return err
	}
	r.invalidate(ctx, acc.ID)
	return nil
}

// ResolveViolation 写 DB 后删除缓存
func (r *CachedRepository) ResolveViolation(ctx context.Context, accountID string, violationID int64, actor string, at time.Time) error {
	if err := r.repo.ResolveViolation(ctx, accountID, violationID, actor, at); err != nil {
		return err
	}
	r.invalidate(ctx, accountID)
	return nil
}

// =============================================================================
// 缓存操作
// =============================================================================

func (r *CachedRepository) setCache(ctx context.Context, key string, acc *account.FundedAccount) {
	data, err := json.Marshal(acc)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, key, data, cacheTTL).Err(); err != nil {
		log.Printf("[Store] cache set %s failed: %v", key, err)
	}
}

func (r *CachedRepository) invalidate(ctx context.Context, id string) {
	if err := r.redis.Del(ctx, fmt.Sprintf(cacheKeyAccount, id)).Err(); err != nil {
		log.Printf("[Store] cache invalidate %s failed: %v", id, err)
	}
}
