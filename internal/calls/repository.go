package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billing-core/internal/fault"
)

var (
	ErrCallNotFound     = fmt.Errorf("call: %w", fault.ErrNotFound)
	ErrCallExists       = fmt.Errorf("call: %w", fault.ErrDuplicate)
	ErrInvalidArgument  = fmt.Errorf("call: %w", fault.ErrValidation)
	ErrConcurrentUpdate = fmt.Errorf("call: %w", fault.ErrConflict)
	ErrTooManyCalls     = fmt.Errorf("too many concurrent calls: %w", fault.ErrDenied)

	errVersionConflict = errors.New("call version conflict")
)

// Repository persists CallRecords. ExternalCallID is unique once set.
type Repository interface {
	Create(ctx context.Context, c CallRecord) error
	Get(ctx context.Context, id string) (CallRecord, error)
	GetByExternalID(ctx context.Context, externalCallID string) (CallRecord, error)
	// Update stores c if the stored version still equals c.Version and returns
	// the stored record with its new version. A stale c yields errVersionConflict.
	Update(ctx context.Context, c CallRecord) (CallRecord, error)
	// ListUnbilled returns settled calls whose debit has not been recorded.
	ListUnbilled(ctx context.Context, limit int) ([]CallRecord, error)
	// ListUnsettledBefore returns calls not settled and last touched before cutoff.
	ListUnsettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]CallRecord, error)
	ListByUser(ctx context.Context, userID string, from, to time.Time) ([]CallRecord, error)
}
