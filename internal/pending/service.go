package pending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"billing-core/internal/ledger"
	"billing-core/pkg/logger"
)

// TransactionFinder reports whether the transaction log already holds an operation.
type TransactionFinder interface {
	FindTransaction(ctx context.Context, externalOperationID string) (ledger.Transaction, error)
}

// Tracker owns the lifecycle of pending operations.
type Tracker struct {
	repo  Repository
	log   *zap.Logger
	clock func() time.Time
}

func NewTracker(repo Repository, log *zap.Logger) *Tracker {
	return &Tracker{repo: repo, log: logger.OrNop(log).Named("pending"), clock: time.Now}
}

// Register records op as pending. It must be called before the user is redirected
// to the payment provider.
func (t *Tracker) Register(ctx context.Context, op Operation) (Operation, error) {
	switch {
	case strings.TrimSpace(op.ExternalOperationID) == "":
		return Operation{}, fmt.Errorf("%w: external operation id is required", ErrInvalidArgument)
	case strings.TrimSpace(op.UserID) == "":
		return Operation{}, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	case !op.Kind.Valid():
		return Operation{}, fmt.Errorf("%w: kind %q", ErrInvalidArgument, op.Kind)
	case !op.Amount.IsPositive():
		return Operation{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidArgument)
	case op.Kind != KindTopup && op.Quantity <= 0:
		return Operation{}, fmt.Errorf("%w: add-on quantity must be > 0", ErrInvalidArgument)
	}

	op.Status = StatusPending
	op.CreatedAt = t.clock().UTC()
	op.CompletedAt = nil
	if err := t.repo.Create(ctx, op); err != nil {
		return Operation{}, err
	}
	t.log.Info("pending operation registered",
		zap.String("external_operation_id", op.ExternalOperationID),
		zap.String("user_id", op.UserID),
		zap.String("kind", string(op.Kind)),
		zap.String("amount", op.Amount.String()))
	return op, nil
}

func (t *Tracker) Get(ctx context.Context, externalOperationID string) (Operation, error) {
	return t.repo.Get(ctx, externalOperationID)
}

// Complete finalizes an operation. Completing an already completed operation is a no-op.
func (t *Tracker) Complete(ctx context.Context, externalOperationID string) error {
	changed, err := t.repo.MarkCompleted(ctx, externalOperationID, t.clock().UTC())
	if err != nil {
		return err
	}
	if changed {
		t.log.Debug("pending operation completed", zap.String("external_operation_id", externalOperationID))
	}
	return nil
}

// SweepAbandoned deletes operations still pending after ttl that never produced a
// transaction. Operations with a transaction are completed instead.
func (t *Tracker) SweepAbandoned(ctx context.Context, ttl time.Duration, txs TransactionFinder) (deleted, completed int, err error) {
	cutoff := t.clock().UTC().Add(-ttl)
	ops, err := t.repo.ListPendingBefore(ctx, cutoff, 0)
	if err != nil {
		return 0, 0, err
	}
	for _, op := range ops {
		_, err := txs.FindTransaction(ctx, op.ExternalOperationID)
		switch {
		case err == nil:
			if err := t.Complete(ctx, op.ExternalOperationID); err != nil {
				return deleted, completed, err
			}
			completed++
		case errors.Is(err, ledger.ErrTransactionNotFound):
			ok, err := t.repo.DeletePending(ctx, op.ExternalOperationID)
			if err != nil {
				return deleted, completed, err
			}
			if ok {
				deleted++
			}
		default:
			return deleted, completed, err
		}
	}
	if deleted > 0 || completed > 0 {
		t.log.Info("abandoned pending operations swept", zap.Int("deleted", deleted), zap.Int("completed", completed))
	}
	return deleted, completed, nil
}
