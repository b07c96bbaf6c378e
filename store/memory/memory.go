// Package memory provides an in-memory settlement store. It backs tests
// and single-node deployments without Postgres; the conditional-update
// semantics are identical to the durable implementation.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/store"
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu          sync.Mutex
	transfers   map[string]*paycore.PendingTransfer
	bySignature map[string]string
	sessions    map[string]*paycore.Session
	deductions  map[string][]*paycore.DeductionEntry
	credits     map[creditKey]*paycore.CreditAccount
	redeemed    map[string]struct{}
}

type creditKey struct {
	owner string
	scope string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		transfers:   make(map[string]*paycore.PendingTransfer),
		bySignature: make(map[string]string),
		sessions:    make(map[string]*paycore.Session),
		deductions:  make(map[string][]*paycore.DeductionEntry),
		credits:     make(map[creditKey]*paycore.CreditAccount),
		redeemed:    make(map[string]struct{}),
	}
}

func copyTransfer(t *paycore.PendingTransfer) *paycore.PendingTransfer {
	c := *t
	if t.ConfirmedAt != nil {
		at := *t.ConfirmedAt
		c.ConfirmedAt = &at
	}
	return &c
}

func copySession(s *paycore.Session) *paycore.Session {
	c := *s
	return &c
}

func copyAccount(a *paycore.CreditAccount) *paycore.CreditAccount {
	c := *a
	return &c
}

// CreateTransfer implements store.Store.
func (m *Store) CreateTransfer(_ context.Context, t *paycore.PendingTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transfers[t.ID]; ok {
		return store.ErrDuplicate
	}
	m.transfers[t.ID] = copyTransfer(t)
	if t.Signature != "" {
		m.bySignature[t.Signature] = t.ID
	}
	return nil
}

// GetTransfer implements store.Store.
func (m *Store) GetTransfer(_ context.Context, id string) (*paycore.PendingTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTransfer(t), nil
}

// GetTransferBySignature implements store.Store.
func (m *Store) GetTransferBySignature(_ context.Context, signature string) (*paycore.PendingTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.bySignature[signature]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTransfer(m.transfers[id]), nil
}

// FinalizeTransfer implements store.Store.
func (m *Store) FinalizeTransfer(_ context.Context, id string, status paycore.TransferStatus, errorReason string, confirmedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if t.Status.Terminal() {
		return false, nil
	}

	t.Status = status
	t.ErrorReason = errorReason
	if status == paycore.TransferConfirmed {
		at := confirmedAt
		t.ConfirmedAt = &at
	}
	return true, nil
}

// ListStaleSubmitted implements store.Store.
func (m *Store) ListStaleSubmitted(_ context.Context, olderThan time.Time, limit int) ([]*paycore.PendingTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*paycore.PendingTransfer
	for _, t := range m.transfers {
		if t.Status == paycore.TransferSubmitted && t.CreatedAt.Before(olderThan) {
			out = append(out, copyTransfer(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateSession implements store.Store.
func (m *Store) CreateSession(_ context.Context, s *paycore.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.Token]; ok {
		return store.ErrDuplicate
	}
	m.sessions[s.Token] = copySession(s)
	return nil
}

// GetSession implements store.Store.
func (m *Store) GetSession(_ context.Context, token string) (*paycore.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySession(s), nil
}

// DeductSession implements store.Store. The guard and the increment run
// under one lock, mirroring the single conditional UPDATE used by the
// durable store.
func (m *Store) DeductSession(_ context.Context, token string, cents int64, now time.Time) (*paycore.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	if s.Status != paycore.SessionActive ||
		!now.Before(s.ExpiresAt) ||
		s.SpentCents+cents > s.AuthorizedCents {
		return nil, store.ErrConditionFailed
	}

	s.SpentCents += cents
	s.LastUsedAt = now
	if s.SpentCents == s.AuthorizedCents {
		s.Status = paycore.SessionDepleted
	}
	return copySession(s), nil
}

// TransitionSession implements store.Store.
func (m *Store) TransitionSession(_ context.Context, token string, from, to paycore.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[token]
	if !ok {
		return false, store.ErrNotFound
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	return true, nil
}

// AppendDeduction implements store.Store.
func (m *Store) AppendDeduction(_ context.Context, e *paycore.DeductionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *e
	m.deductions[e.SessionToken] = append(m.deductions[e.SessionToken], &c)
	return nil
}

// ListDeductions implements store.Store.
func (m *Store) ListDeductions(_ context.Context, token string, limit int) ([]*paycore.DeductionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.deductions[token]
	out := make([]*paycore.DeductionEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		c := *entries[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetCreditAccount implements store.Store.
func (m *Store) GetCreditAccount(_ context.Context, owner, scope string) (*paycore.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.credits[creditKey{owner, scope}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyAccount(a), nil
}

// SpendCredits implements store.Store.
func (m *Store) SpendCredits(_ context.Context, owner, scope string, cents int64) (*paycore.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.credits[creditKey{owner, scope}]
	if !ok {
		return nil, store.ErrNotFound
	}
	if a.Balance < cents {
		return nil, store.ErrConditionFailed
	}

	a.Balance -= cents
	a.TotalSpent += cents
	a.UpdatedAt = time.Now()
	return copyAccount(a), nil
}

// CreditTopUp implements store.Store.
func (m *Store) CreditTopUp(_ context.Context, owner, scope string, cents int64, txSignature string) (*paycore.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := creditKey{owner, scope}
	a, ok := m.credits[key]
	if !ok {
		a = &paycore.CreditAccount{OwnerAddress: owner, ServiceScope: scope}
		m.credits[key] = a
	}

	a.Balance += cents
	a.TotalPurchased += cents
	a.LastTopupTx = txSignature
	a.UpdatedAt = time.Now()
	return copyAccount(a), nil
}

// SetAutoTopup implements store.Store.
func (m *Store) SetAutoTopup(_ context.Context, owner, scope string, enabled bool, thresholdCents, topupCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := creditKey{owner, scope}
	a, ok := m.credits[key]
	if !ok {
		a = &paycore.CreditAccount{OwnerAddress: owner, ServiceScope: scope}
		m.credits[key] = a
	}

	a.AutoTopupEnabled = enabled
	a.AutoTopupThreshold = thresholdCents
	a.AutoTopupCents = topupCents
	a.UpdatedAt = time.Now()
	return nil
}

// RedeemProof implements store.Store.
func (m *Store) RedeemProof(_ context.Context, signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.redeemed[signature]; ok {
		return store.ErrAlreadyRedeemed
	}
	m.redeemed[signature] = struct{}{}
	return nil
}
