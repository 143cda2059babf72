package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds optimistic retries of one Mutate call.
const DefaultMaxAttempts = 8

// Mutation is what a MutateFunc asks the store to commit.
// Record, when set, is appended in the same commit as Delta; if a transaction with
// the same ExternalOperationID already exists nothing is committed.
type Mutation struct {
	Delta  Delta
	Record *Transaction
}

// MutateFunc computes a Mutation from the current account. It may run more than
// once when a concurrent writer wins, so it must not have side effects.
type MutateFunc func(acct Account) (Mutation, error)

// Result is the outcome of Mutate.
type Result struct {
	Account          Account
	Transaction      *Transaction
	AlreadyProcessed bool
}

// Store is the single access path to ledger accounts and their transaction log.
type Store interface {
	GetActiveAccount(ctx context.Context, userID string) (Account, error)
	CreateAccount(ctx context.Context, acct Account) (Account, error)
	// Mutate applies fn's mutation to the user's active account under optimistic
	// concurrency, retrying on version conflicts.
	Mutate(ctx context.Context, userID string, fn MutateFunc) (Result, error)

	FindTransaction(ctx context.Context, externalOperationID string) (Transaction, error)
	ListTransactions(ctx context.Context, userID string, from, to time.Time) ([]Transaction, error)
}

var errVersionConflict = errors.New("version conflict")

// backend is one optimistic attempt's worth of storage access.
type backend interface {
	load(ctx context.Context, userID string) (Account, error)
	hasTransaction(ctx context.Context, externalOperationID string) (bool, error)
	// commit writes after if the stored version still equals before.Version, together
	// with rec. It returns errVersionConflict or errDuplicateOperation.
	commit(ctx context.Context, before, after Account, rec *Transaction) error
}

func mutate(ctx context.Context, b backend, now func() time.Time, maxAttempts int, userID string, fn MutateFunc) (Result, error) {
	if strings.TrimSpace(userID) == "" {
		return Result{}, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		before, err := b.load(ctx, userID)
		if err != nil {
			return Result{}, err
		}
		ts := now().UTC()
		current, rolled := before.rolled(ts)

		m, err := fn(current)
		if err != nil {
			return Result{}, err
		}

		var rec *Transaction
		if m.Record != nil {
			if strings.TrimSpace(m.Record.ExternalOperationID) == "" {
				return Result{}, fmt.Errorf("%w: external operation id is required", ErrInvalidArgument)
			}
			exists, err := b.hasTransaction(ctx, m.Record.ExternalOperationID)
			if err != nil {
				return Result{}, err
			}
			if exists {
				return Result{Account: current, AlreadyProcessed: true}, nil
			}
			r := *m.Record
			r.ID = uuid.NewString()
			r.UserID = userID
			r.BalanceBefore = current.CreditBalance
			r.CreatedAt = ts
			rec = &r
		}

		if m.Delta.IsZero() && rec == nil && !rolled {
			return Result{Account: current}, nil
		}

		after, err := Apply(current, m.Delta)
		if err != nil {
			return Result{}, err
		}
		after.Version = before.Version + 1
		after.UpdatedAt = ts

		switch err := b.commit(ctx, before, after, rec); {
		case err == nil:
			return Result{Account: after, Transaction: rec}, nil
		case errors.Is(err, errDuplicateOperation):
			return Result{Account: current, AlreadyProcessed: true}, nil
		case errors.Is(err, errVersionConflict):
			continue
		default:
			return Result{}, err
		}
	}
	return Result{}, fmt.Errorf("%w: user %s after %d attempts", ErrConcurrentUpdate, userID, maxAttempts)
}

func validateNewAccount(acct Account) error {
	if strings.TrimSpace(acct.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if !acct.PlanKind.Valid() {
		return fmt.Errorf("%w: plan kind %q", ErrInvalidArgument, acct.PlanKind)
	}
	if acct.CreditBalance.IsNegative() {
		return fmt.Errorf("%w: negative opening balance", ErrInvalidArgument)
	}
	if acct.QuotaMinutesTotal < Unlimited || acct.QuotaAssistantsTotal < Unlimited {
		return fmt.Errorf("%w: quota totals must be >= -1", ErrInvalidArgument)
	}
	if acct.ExtraMinutes < 0 || acct.ExtraAssistants < 0 || acct.QuotaMinutesUsed < 0 || acct.QuotaAssistantsUsed < 0 {
		return fmt.Errorf("%w: counters must be >= 0", ErrInvalidArgument)
	}
	return nil
}
