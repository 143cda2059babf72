package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-core/internal/fault"
)

var errBroke = errors.New("insufficient credit")

func seed(t *testing.T, s *MemoryStore, balance int64) Account {
	t.Helper()
	a, err := s.CreateAccount(context.Background(), Account{
		UserID:        "u1",
		PlanKind:      PlanPayAsYouGo,
		CreditBalance: decimal.NewFromInt(balance),
	})
	require.NoError(t, err)
	return a
}

func topup(key string, amount int64) MutateFunc {
	return func(Account) (Mutation, error) {
		return Mutation{
			Delta:  Delta{Credit: decimal.NewFromInt(amount)},
			Record: &Transaction{Kind: TxTopup, Amount: decimal.NewFromInt(amount), ExternalOperationID: key},
		}, nil
	}
}

func TestMemoryStore_CreateAccountOnePerUser(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s, 0)

	_, err := s.CreateAccount(context.Background(), Account{UserID: "u1", PlanKind: PlanNone})
	require.ErrorIs(t, err, ErrAccountExists)

	_, err = s.CreateAccount(context.Background(), Account{UserID: "u2", PlanKind: "gold"})
	require.ErrorIs(t, err, fault.ErrValidation)
}

func TestMemoryStore_MutateAppendsRecordOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, 10)

	res, err := s.Mutate(ctx, "u1", topup("order-1", 25))
	require.NoError(t, err)
	require.False(t, res.AlreadyProcessed)
	require.NotNil(t, res.Transaction)
	assert.True(t, res.Account.CreditBalance.Equal(decimal.NewFromInt(35)))
	assert.True(t, res.Transaction.BalanceBefore.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "u1", res.Transaction.UserID)

	res, err = s.Mutate(ctx, "u1", topup("order-1", 25))
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)

	acct, err := s.GetActiveAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.CreditBalance.Equal(decimal.NewFromInt(35)))

	txs, err := s.ListTransactions(ctx, "u1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestMemoryStore_MutateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, 10)

	calls := 0
	s.afterLoad = func() {
		s.afterLoad = nil
		_, err := s.Mutate(ctx, "u1", topup("competing", 5))
		require.NoError(t, err)
	}

	res, err := s.Mutate(ctx, "u1", func(a Account) (Mutation, error) {
		calls++
		return Mutation{Delta: Delta{Credit: decimal.NewFromInt(-8)}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, res.Account.CreditBalance.Equal(decimal.NewFromInt(7)))
}

func TestMemoryStore_MutateGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, 10)
	s.maxAttempts = 2

	var competing func()
	competing = func() {
		s.afterLoad = nil
		_, err := s.Mutate(ctx, "u1", func(Account) (Mutation, error) {
			return Mutation{Delta: Delta{Credit: decimal.NewFromInt(1)}}, nil
		})
		require.NoError(t, err)
		s.afterLoad = competing
	}
	s.afterLoad = competing

	_, err := s.Mutate(ctx, "u1", func(Account) (Mutation, error) {
		return Mutation{Delta: Delta{Credit: decimal.NewFromInt(1)}}, nil
	})
	require.ErrorIs(t, err, ErrConcurrentUpdate)
	require.ErrorIs(t, err, fault.ErrConflict)
}

func TestMemoryStore_InvariantViolationLeavesAccountUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, 3)

	_, err := s.Mutate(ctx, "u1", func(Account) (Mutation, error) {
		return Mutation{
			Delta:  Delta{Credit: decimal.NewFromInt(-4)},
			Record: &Transaction{Kind: TxCallDebit, Amount: decimal.NewFromInt(-4), ExternalOperationID: "call:1"},
		}, nil
	})
	require.ErrorIs(t, err, fault.ErrInvariant)

	acct, _ := s.GetActiveAccount(ctx, "u1")
	assert.True(t, acct.CreditBalance.Equal(decimal.NewFromInt(3)))
	_, err = s.FindTransaction(ctx, "call:1")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestMemoryStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seed(t, s, 10)
	s.maxAttempts = 1000

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(ctx, "u1", func(a Account) (Mutation, error) {
				if a.CreditBalance.LessThan(decimal.NewFromInt(1)) {
					return Mutation{}, errBroke
				}
				return Mutation{Delta: Delta{Credit: decimal.NewFromInt(-1)}}, nil
			})
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, errBroke)
		}()
	}
	wg.Wait()

	acct, _ := s.GetActiveAccount(ctx, "u1")
	assert.Equal(t, 10, granted)
	assert.True(t, acct.CreditBalance.IsZero())
}

func TestMemoryStore_MutatePersistsRollover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	_, err := s.CreateAccount(ctx, Account{
		UserID: "u1", PlanKind: PlanQuota, QuotaMinutesTotal: 100, QuotaMinutesUsed: 90,
		BillingPeriodStart: now.AddDate(0, -1, -1), BillingPeriodEnd: now.AddDate(0, 0, -1),
	})
	require.NoError(t, err)

	res, err := s.Mutate(ctx, "u1", func(a Account) (Mutation, error) {
		assert.Equal(t, 0, a.QuotaMinutesUsed)
		return Mutation{Delta: Delta{MinutesUsed: 5}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Account.QuotaMinutesUsed)
	assert.True(t, res.Account.BillingPeriodEnd.After(now))
}

func TestMemoryStore_MutateUnknownUser(t *testing.T) {
	_, err := NewMemoryStore().Mutate(context.Background(), "ghost", topup("k", 1))
	require.ErrorIs(t, err, ErrAccountNotFound)

	_, err = NewMemoryStore().Mutate(context.Background(), " ", topup("k", 1))
	require.ErrorIs(t, err, fault.ErrValidation)
}
