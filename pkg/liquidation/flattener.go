// 文件: pkg/liquidation/flattener.go
// 平仓器 - 连接风控执行器和券商连接器
//
// 【职责】
// 1. 同一账户同一时刻只允许一个平仓请求 (自动 + 手动共用)
// 2. 向券商发送平仓命令，失败按有界指数退避重试
// 3. 成功: 持仓数 / 合约数清零，记录完成时间
// 4. 重试耗尽: 账户保持 suspended，持仓不变，发出致命告警
//
// 【平仓流程】
// Enforcer / 手动请求 → Flattener → BrokerConnector → Registry 更新 → 告警 (失败时)

package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/go-resiliency/retrier"

	"propguard.com/pkg/account"
	"propguard.com/pkg/alerting"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrFlattenInProgress = errors.New("flatten already in progress")
	ErrFlattenFailed     = errors.New("flatten failed")
	ErrBrokerRejected    = errors.New("broker rejected flatten")
	ErrNothingToFlatten  = errors.New("no open positions to flatten")
)

// =============================================================================
// 配置
// =============================================================================

// FlattenerConfig 平仓器配置
type FlattenerConfig struct {
	MaxAttempts    int           // 最多尝试次数 (含首次)
	BaseDelay      time.Duration // 首次重试等待
	MaxDelay       time.Duration // 单次等待上限
	AttemptTimeout time.Duration // 单次请求超时
	AlertTimeout   time.Duration // 告警发送超时
}

// DefaultFlattenerConfig 默认配置
func DefaultFlattenerConfig() FlattenerConfig {
	return FlattenerConfig{
		MaxAttempts:    5,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       8 * time.Second,
		AttemptTimeout: 15 * time.Second,
		AlertTimeout:   10 * time.Second,
	}
}

// =============================================================================
// Flattener
// =============================================================================

// Flattener 平仓器
type Flattener struct {
	broker   BrokerConnector
	registry *account.Registry
	alerter  alerting.Alerter
	cfg      FlattenerConfig
	now      func() time.Time

	// inflight: accountID -> Trigger
	inflight sync.Map

	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewFlattener 创建平仓器
func NewFlattener(broker BrokerConnector, registry *account.Registry, alerter alerting.Alerter, cfg FlattenerConfig) *Flattener {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if alerter == nil {
		alerter = alerting.LogAlerter{}
	}
	return &Flattener{
		broker:   broker,
		registry: registry,
		alerter:  alerter,
		cfg:      cfg,
		now:      time.Now,
	}
}

// InFlight 账户是否有进行中的平仓
func (f *Flattener) InFlight(accountID string) bool {
	_, ok := f.inflight.Load(accountID)
	return ok
}

// Flatten 平掉账户所有持仓
//
// 已有平仓在进行时立即返回 ErrFlattenInProgress，不发送第二个请求
func (f *Flattener) Flatten(ctx context.Context, accountID string, trigger Trigger) (FlattenResult, error) {
	result := FlattenResult{AccountID: accountID, Trigger: trigger}

	if prev, busy := f.inflight.LoadOrStore(accountID, trigger); busy {
		log.Printf("[Flattener] account=%s %s flatten ignored: %s flatten in progress", accountID, trigger, prev)
		return result, ErrFlattenInProgress
	}
	defer f.inflight.Delete(accountID)

	acc, ok := f.registry.Get(accountID)
	if !ok {
		return result, fmt.Errorf("%w: %s", account.ErrAccountNotFound, accountID)
	}

	// 快照可信且没有持仓: 无需请求券商
	if acc.Metrics.OpenPositions == 0 && acc.IsConnected {
		if trigger == TriggerManual {
			return result, ErrNothingToFlatten
		}
		result.Skipped = true
		result.CompletedAt = f.now()
		log.Printf("[Flattener] account=%s no open positions, %s flatten skipped", accountID, trigger)
		return result, nil
	}

	log.Printf("[Flattener] account=%s %s flatten: positions=%d contracts=%d",
		accountID, trigger, acc.Metrics.OpenPositions, acc.Metrics.TotalContracts)

	// 平仓一旦开始就要跑完全部重试: 不受调用方 (周期 / API 请求) 的截止时间约束
	execCtx := context.WithoutCancel(ctx)
	if budget := f.Budget(); budget > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, budget)
		defer cancel()
	}

	receipt, attempts, err := f.execute(execCtx, accountID)
	result.Attempts = attempts
	result.Receipt = receipt

	if err != nil {
		f.failed.Add(1)
		f.onFailure(ctx, acc, attempts, err)
		return result, fmt.Errorf("%w: account %s after %d attempt(s): %v", ErrFlattenFailed, accountID, attempts, err)
	}

	result.CompletedAt = f.now()
	if err := f.onSuccess(accountID, result.CompletedAt); err != nil {
		return result, err
	}
	f.succeeded.Add(1)

	log.Printf("[Flattener] account=%s flatten completed: closed=%d attempts=%d",
		accountID, receipt.ClosedPositions, attempts)
	return result, nil
}

// Budget 一次平仓 (全部尝试 + 退避等待) 的时间上限
//
// AttemptTimeout 为 0 时不设上限
func (f *Flattener) Budget() time.Duration {
	if f.cfg.AttemptTimeout <= 0 {
		return 0
	}
	total := time.Duration(f.cfg.MaxAttempts) * f.cfg.AttemptTimeout
	for _, d := range f.backoff() {
		total += d
	}
	return total
}

func (f *Flattener) backoff() []time.Duration {
	return retrier.LimitedExponentialBackoff(f.cfg.MaxAttempts-1, f.cfg.BaseDelay, f.cfg.MaxDelay)
}

// execute 带退避重试地调用券商
func (f *Flattener) execute(ctx context.Context, accountID string) (FlattenReceipt, int, error) {
	var (
		receipt  FlattenReceipt
		attempts int
	)

	r := retrier.New(f.backoff(), nil)

	err := r.RunCtx(ctx, func(ctx context.Context) error {
		attempts++

		callCtx := ctx
		if f.cfg.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, f.cfg.AttemptTimeout)
			defer cancel()
		}

		rc, err := f.broker.FlattenAll(callCtx, accountID)
		if err != nil {
			log.Printf("[Flattener] account=%s attempt %d failed: %v", accountID, attempts, err)
			return err
		}
		if !rc.Success {
			log.Printf("[Flattener] account=%s attempt %d rejected: reason=%s", accountID, attempts, rc.ReasonCode)
			return fmt.Errorf("%w: %s", ErrBrokerRejected, rc.ReasonCode)
		}
		receipt = rc
		return nil
	})
	return receipt, attempts, err
}

// onSuccess 持仓清零
func (f *Flattener) onSuccess(accountID string, at time.Time) error {
	acc, err := f.registry.Update(accountID, func(a *account.FundedAccount) error {
		a.Metrics.OpenPositions = 0
		a.Metrics.TotalContracts = 0
		a.Metrics.OpenSymbols = nil
		a.Metrics.FlattenedAt = at
		a.FlattenFailed = false
		a.LastError = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("record flatten: %w", err)
	}
	f.registry.Publish(account.NewEvent(account.EventFlattenCompleted, acc, ""))
	return nil
}

// onFailure 重试耗尽: 标记失败 + 致命告警
//
// 持仓保持原样，账户保持原状态，等待人工处理
func (f *Flattener) onFailure(ctx context.Context, acc *account.FundedAccount, attempts int, cause error) {
	msg := fmt.Sprintf("flatten failed after %d attempt(s): %v; open positions=%d contracts=%d",
		attempts, cause, acc.Metrics.OpenPositions, acc.Metrics.TotalContracts)

	updated, err := f.registry.Update(acc.ID, func(a *account.FundedAccount) error {
		a.FlattenFailed = true
		a.LastError = cause.Error()
		return nil
	})
	if err != nil {
		log.Printf("[Flattener] account=%s failed to record flatten failure: %v", acc.ID, err)
		updated = acc
	}
	f.registry.Publish(account.NewEvent(account.EventFlattenFailed, updated, msg))

	// 调用方的 ctx 可能已取消，告警必须发出
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.AlertTimeout)
	defer cancel()

	alert := alerting.New(alerting.KindFlattenFailed, alerting.SeverityFatal, acc.ID, msg)
	alert.Attempts = attempts
	if err := f.alerter.Alert(alertCtx, alert); err != nil {
		log.Printf("[Flattener] FATAL account=%s flatten-failed alert NOT delivered: %v (%s)", acc.ID, err, msg)
		return
	}
	log.Printf("[Flattener] FATAL account=%s %s", acc.ID, msg)
}

// FlattenerStats 统计
type FlattenerStats struct {
	Succeeded int64
	Failed    int64
}

// Stats 获取统计
func (f *Flattener) Stats() FlattenerStats {
	return FlattenerStats{Succeeded: f.succeeded.Load(), Failed: f.failed.Load()}
}
