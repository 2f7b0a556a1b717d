// 文件: pkg/metrics/updater.go
// 指标更新器
//
// 【职责】
// 1. 从执行层拉取成交/持仓 (唯一会阻塞的步骤)
// 2. 数据合理性检查
// 3. 重算 MetricsSnapshot
//
// 【错误分类】
// - ErrTransport: 执行层不可达，账户标记断连，保留旧快照，下周期重试
// - ErrStaleData: 数据不合理，跳过本周期，保留旧快照
// - account.ErrInvariant: 同一账户出现并发更新，程序 bug

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"propguard.com/pkg/account"
)

var (
	ErrTransport = errors.New("execution layer unreachable")
	ErrStaleData = errors.New("stale or inconsistent execution data")
)

// UpdaterConfig 更新器配置
type UpdaterConfig struct {
	// RateLimit 所有账户共享的执行层查询速率 (次/秒)，<= 0 表示不限
	RateLimit float64
	RateBurst int
	Clock     SessionClock
}

// DefaultUpdaterConfig 默认配置
func DefaultUpdaterConfig() UpdaterConfig {
	return UpdaterConfig{
		RateLimit: 20,
		RateBurst: 10,
		Clock:     SessionClock{Location: time.UTC},
	}
}

// Updater 指标更新器
type Updater struct {
	exec    ExecutionLayer
	limiter *rate.Limiter
	clock   SessionClock
	now     func() time.Time

	// inflight: 正在更新的账户，同一账户同一时刻只允许一个
	inflight sync.Map
}

// NewUpdater 创建更新器
func NewUpdater(exec ExecutionLayer, cfg UpdaterConfig) *Updater {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Updater{
		exec:    exec,
		limiter: rate.NewLimiter(limit, burst),
		clock:   cfg.Clock,
		now:     time.Now,
	}
}

// SetNow 替换时钟 (测试用)
func (u *Updater) SetNow(now func() time.Time) {
	u.now = now
}

// Clock 交易日时钟
func (u *Updater) Clock() SessionClock {
	return u.clock
}

// Update 为一个账户计算新快照
//
// 不写注册表: 结果由调用方整体替换到账户上
func (u *Updater) Update(ctx context.Context, acc *account.FundedAccount) (Output, error) {
	if _, busy := u.inflight.LoadOrStore(acc.ID, struct{}{}); busy {
		return Output{}, fmt.Errorf("%w: metrics update already in flight for %s", account.ErrInvariant, acc.ID)
	}
	defer u.inflight.Delete(acc.ID)

	if err := u.limiter.Wait(ctx); err != nil {
		return Output{}, fmt.Errorf("%w: rate limiter: %v", ErrTransport, err)
	}

	act, err := u.exec.FetchActivity(ctx, acc.ID, acc.Cursor)
	if err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if err := Validate(act, acc.Cursor); err != nil {
		return Output{}, err
	}

	now := u.now()
	asOf := act.AsOf
	if asOf.IsZero() {
		asOf = now
	}

	out := Recompute(Input{
		Prev:       acc.Metrics,
		Balance:    acc.CurrentBalance,
		Size:       acc.Size,
		Cursor:     acc.Cursor,
		Activity:   act,
		TradingDay: u.clock.TradingDay(asOf),
		Clock:      u.clock,
		Now:        now,
	})

	if out.Rollover {
		log.Printf("[Updater] account=%s trading day rollover %s -> %s, balance=%s",
			acc.ID, acc.Metrics.TradingDay, out.Metrics.TradingDay, out.Balance.StringFixed(2))
	}
	return out, nil
}

// InFlight 账户是否正在更新
func (u *Updater) InFlight(accountID string) bool {
	_, ok := u.inflight.Load(accountID)
	return ok
}
