package pending

import (
	"context"
	"fmt"
	"time"

	"billing-core/internal/fault"
)

var (
	ErrNotFound        = fmt.Errorf("pending operation: %w", fault.ErrNotFound)
	ErrExists          = fmt.Errorf("pending operation: %w", fault.ErrDuplicate)
	ErrInvalidArgument = fmt.Errorf("pending operation: %w", fault.ErrValidation)
)

type Repository interface {
	Create(ctx context.Context, op Operation) error
	Get(ctx context.Context, externalOperationID string) (Operation, error)
	// MarkCompleted moves a pending operation to completed. It returns false when
	// the operation was already completed.
	MarkCompleted(ctx context.Context, externalOperationID string, at time.Time) (bool, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Operation, error)
	// DeletePending removes the operation only while it is still pending.
	DeletePending(ctx context.Context, externalOperationID string) (bool, error)
}
