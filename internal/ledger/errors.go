package ledger

import (
	"errors"
	"fmt"

	"billing-core/internal/fault"
)

var (
	ErrAccountNotFound     = fmt.Errorf("ledger account: %w", fault.ErrNotFound)
	ErrTransactionNotFound = fmt.Errorf("transaction: %w", fault.ErrNotFound)
	ErrAccountExists       = fmt.Errorf("active ledger account already exists: %w", fault.ErrDuplicate)
	ErrConcurrentUpdate    = fmt.Errorf("ledger account: %w", fault.ErrConflict)
	ErrInvalidArgument     = fmt.Errorf("ledger: %w", fault.ErrValidation)

	// errDuplicateOperation aborts a store transaction whose record key already exists.
	errDuplicateOperation = errors.New("duplicate external operation id")
)

func invariant(userID, format string, args ...any) error {
	return fault.Wrap("ledger.apply", userID, fault.ErrInvariant, fmt.Errorf(format, args...))
}
