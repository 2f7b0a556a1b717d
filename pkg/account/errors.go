package account

import (
	"errors"
	"fmt"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrInvalidAccount    = errors.New("invalid account")
	ErrInvalidPhase      = errors.New("invalid phase")
	ErrInvalidRules      = errors.New("invalid rule set")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrViolationNotFound = errors.New("violation not found")

	// ErrInvariant 程序级错误: 并发控制出现 bug，必须大声失败
	ErrInvariant = errors.New("invariant violation")
)

func ruleErr(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRules, msg)
}

func transitionErr(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
