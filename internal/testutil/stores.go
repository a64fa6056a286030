// stores.go
//
// In-memory account store shared by tests across packages.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/ticketera/auth/internal/store"
)

// MemoryStore implements auth.Store in memory.
//
// InTx holds a single mutex for the whole unit of work and works on cloned
// accounts; writes become visible only when fn returns nil, like a real
// transaction. Use the *Err fields to inject failures.
type MemoryStore struct {
	InTxErr error // returned by InTx before fn runs
	SaveErr error // returned by every Save

	mu       sync.Mutex
	accounts map[string]*store.Account // keyed by email
	pending  map[string]*store.PendingVerification
}

// NewMemoryStore returns a MemoryStore seeded with the given accounts.
func NewMemoryStore(accounts ...*store.Account) *MemoryStore {
	m := &MemoryStore{
		accounts: make(map[string]*store.Account),
		pending:  make(map[string]*store.PendingVerification),
	}
	for _, a := range accounts {
		m.accounts[a.Email] = a.Clone()
	}
	return m
}

func (m *MemoryStore) InTx(ctx context.Context, fn store.TxFunc) error {
	if m.InTxErr != nil {
		return m.InTxErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		saveErr:  m.SaveErr,
		accounts: make(map[string]*store.Account, len(m.accounts)),
		pending:  make(map[string]*store.PendingVerification, len(m.pending)),
	}
	for k, a := range m.accounts {
		tx.accounts[k] = a.Clone()
	}
	for k, p := range m.pending {
		cp := *p
		tx.pending[k] = &cp
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.accounts, m.pending = tx.accounts, tx.pending
	return nil
}

func (m *MemoryStore) CheckHealth(context.Context) error { return nil }

// Seed stores a copy of a, replacing any account with the same email.
func (m *MemoryStore) Seed(a *store.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.Email] = a.Clone()
}

// Account returns a copy of the committed account for email, or nil.
func (m *MemoryStore) Account(email string) *store.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[email]; ok {
		return a.Clone()
	}
	return nil
}

// Pending returns a copy of the committed pending verification for email, or nil.
func (m *MemoryStore) Pending(email string) *store.PendingVerification {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[email]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// memTx is the working copy handed to a TxFunc. Returned accounts are
// clones; callers persist changes with Save.
type memTx struct {
	saveErr  error
	accounts map[string]*store.Account
	pending  map[string]*store.PendingVerification
}

func (t *memTx) FindByEmail(_ context.Context, email string) (*store.Account, error) {
	if a, ok := t.accounts[email]; ok {
		return a.Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (t *memTx) ExistsByEmail(_ context.Context, email string) (bool, error) {
	_, ok := t.accounts[email]
	return ok, nil
}

func (t *memTx) FindByRefreshToken(_ context.Context, token uuid.UUID) (*store.Account, error) {
	for _, a := range t.accounts {
		if _, ok := a.RefreshToken(token); ok {
			return a.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) FindByPasswordResetToken(_ context.Context, token uuid.UUID) (*store.Account, error) {
	for _, a := range t.accounts {
		if a.PasswordResetToken != nil && *a.PasswordResetToken == token {
			return a.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) Save(_ context.Context, a *store.Account) error {
	if t.saveErr != nil {
		return t.saveErr
	}
	for email, existing := range t.accounts {
		if email == a.Email && existing.ID != a.ID {
			return store.ErrConflict
		}
		if existing.ID == a.ID && email != a.Email {
			delete(t.accounts, email)
		}
	}
	t.accounts[a.Email] = a.Clone()
	return nil
}

func (t *memTx) Delete(_ context.Context, a *store.Account) error {
	existing, ok := t.accounts[a.Email]
	if !ok || existing.ID != a.ID {
		return store.ErrNotFound
	}
	delete(t.accounts, a.Email)
	return nil
}

func (t *memTx) UpsertPendingVerification(_ context.Context, email string, expiry time.Time) (*store.PendingVerification, error) {
	p, ok := t.pending[email]
	if !ok {
		tok, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		p = &store.PendingVerification{Token: tok, Email: email}
		t.pending[email] = p
	}
	p.Expiry = expiry
	cp := *p
	return &cp, nil
}

func (t *memTx) FindPendingVerification(_ context.Context, token uuid.UUID) (*store.PendingVerification, error) {
	for _, p := range t.pending {
		if p.Token == token {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) DeletePendingVerification(_ context.Context, email string) error {
	if _, ok := t.pending[email]; !ok {
		return store.ErrNotFound
	}
	delete(t.pending, email)
	return nil
}
