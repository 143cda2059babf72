package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for local runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	txByKey  map[string]Transaction
	txs      []Transaction

	now         func() time.Time
	maxAttempts int

	// afterLoad runs between the read and the commit of each attempt; tests use it
	// to interleave a competing writer.
	afterLoad func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: map[string]Account{},
		txByKey:  map[string]Transaction{},
		now:      time.Now,
	}
}

// WithClock overrides the store clock.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) GetActiveAccount(_ context.Context, userID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct Account) (Account, error) {
	if err := validateNewAccount(acct); err != nil {
		return Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acct.UserID]; ok {
		return Account{}, ErrAccountExists
	}
	ts := s.now().UTC()
	acct.ID = uuid.NewString()
	acct.IsActive = true
	acct.Version = 1
	acct.CreatedAt = ts
	acct.UpdatedAt = ts
	s.accounts[acct.UserID] = acct
	return acct, nil
}

func (s *MemoryStore) Mutate(ctx context.Context, userID string, fn MutateFunc) (Result, error) {
	return mutate(ctx, memoryBackend{s}, s.now, s.maxAttempts, userID, fn)
}

func (s *MemoryStore) FindTransaction(_ context.Context, externalOperationID string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txByKey[externalOperationID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, from, to time.Time) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, 0)
	for _, tx := range s.txs {
		if tx.UserID != userID {
			continue
		}
		if !from.IsZero() && tx.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !tx.CreatedAt.Before(to) {
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memoryBackend struct{ s *MemoryStore }

func (b memoryBackend) load(ctx context.Context, userID string) (Account, error) {
	a, err := b.s.GetActiveAccount(ctx, userID)
	if err == nil && b.s.afterLoad != nil {
		b.s.afterLoad()
	}
	return a, err
}

func (b memoryBackend) hasTransaction(_ context.Context, key string) (bool, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	_, ok := b.s.txByKey[key]
	return ok, nil
}

func (b memoryBackend) commit(_ context.Context, before, after Account, rec *Transaction) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	cur, ok := b.s.accounts[before.UserID]
	if !ok || cur.Version != before.Version {
		return errVersionConflict
	}
	if rec != nil {
		if _, dup := b.s.txByKey[rec.ExternalOperationID]; dup {
			return errDuplicateOperation
		}
		b.s.txByKey[rec.ExternalOperationID] = *rec
		b.s.txs = append(b.s.txs, *rec)
	}
	b.s.accounts[before.UserID] = after
	return nil
}
