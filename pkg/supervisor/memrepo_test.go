package supervisor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"propguard.com/pkg/account"
	"propguard.com/pkg/store"
)

var _ store.Repository = (*memRepo)(nil)

// memRepo 内存存储 (测试用)
type memRepo struct {
	mu       sync.Mutex
	accounts map[string]*account.FundedAccount
	saves    int
	resolves int
}

func newMemRepo() *memRepo {
	return &memRepo{accounts: make(map[string]*account.FundedAccount)}
}

func (r *memRepo) LoadAccounts(context.Context) ([]*account.FundedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*account.FundedAccount, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a.Clone())
	}
	slices.SortFunc(out, func(a, b *account.FundedAccount) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *memRepo) GetAccount(_ context.Context, id string) (*account.FundedAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", account.ErrAccountNotFound, id)
	}
	return a.Clone(), nil
}

func (r *memRepo) SaveAccount(_ context.Context, acc *account.FundedAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[acc.ID] = acc.Clone()
	r.saves++
	return nil
}

func (r *memRepo) ResolveViolation(_ context.Context, accountID string, violationID int64, actor string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %s", account.ErrAccountNotFound, accountID)
	}
	if err := a.ResolveViolation(violationID, actor, at); err != nil {
		return err
	}
	r.resolves++
	return nil
}

func (r *memRepo) Resolves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolves
}

func (r *memRepo) ListViolations(_ context.Context, accountID string) ([]account.Violation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(a.Violations), nil
}
