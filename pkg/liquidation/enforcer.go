// 文件: pkg/liquidation/enforcer.go
// 风控执行器
//
// 【核心逻辑】
// 1. 给新违规分配 ID，追加到账户违规列表
// 2. 账户 active 且存在暂停类违规 → suspended，并且只在这条边上触发一次平仓
// 3. 账户已经 suspended → 只记录违规，不重复平仓
//
// 状态变更在 Registry.Update 内同步完成，不会被挂起；
// 只有平仓这一步会进行网络调用。

package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"propguard.com/pkg/account"
	"propguard.com/pkg/idgen"
)

// Outcome 执行结果
type Outcome struct {
	Recorded  []account.Violation
	Suspended bool // 本次执行发生了 active → suspended
	Flatten   *FlattenResult
}

// Enforcer 风控执行器
type Enforcer struct {
	registry  *account.Registry
	flattener *Flattener
}

// NewEnforcer 创建风控执行器
func NewEnforcer(registry *account.Registry, flattener *Flattener) *Enforcer {
	return &Enforcer{registry: registry, flattener: flattener}
}

// Enforce 处理一个账户的新违规
func (e *Enforcer) Enforce(ctx context.Context, accountID string, violations []account.Violation) (Outcome, error) {
	var out Outcome
	if len(violations) == 0 {
		return out, nil
	}

	recorded := make([]account.Violation, len(violations))
	suspending := false
	for i, v := range violations {
		v.ID = idgen.ViolationID()
		v.AccountID = accountID
		v.Resolved = false
		recorded[i] = v
		if v.Kind.Suspends() {
			suspending = true
		}
	}

	_, err := e.registry.Update(accountID, func(a *account.FundedAccount) error {
		a.AppendViolations(recorded...)

		if !suspending || a.Status != account.StatusActive {
			return nil
		}
		if a.FlattenPending {
			return fmt.Errorf("%w: active account %s already has a pending flatten", account.ErrInvariant, a.ID)
		}
		if err := a.TransitionTo(account.StatusSuspended); err != nil {
			return err
		}
		a.FlattenPending = true
		out.Suspended = true
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("record violations: %w", err)
	}
	out.Recorded = recorded

	for _, v := range recorded {
		log.Printf("[Enforcer] account=%s violation %s id=%d limit=%s actual=%s",
			accountID, v.Kind, v.ID, v.RuleLimit.String(), v.ActualValue.String())
	}

	if !out.Suspended {
		return out, nil
	}

	log.Printf("[Enforcer] account=%s suspended, flattening", accountID)
	res, err := e.flattener.Flatten(ctx, accountID, TriggerViolation)
	if errors.Is(err, ErrFlattenInProgress) {
		// 手动平仓已在进行，本次为空操作
		return out, nil
	}
	out.Flatten = &res
	if err != nil {
		return out, err
	}
	return out, nil
}
