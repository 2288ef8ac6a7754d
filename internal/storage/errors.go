package storage

import (
	"errors"
	"fmt"

	"threshold-federation/internal/types"
)

var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("storage: record not found")
	// ErrClosed indicates the store has been closed
	ErrClosed = errors.New("storage: store is closed")
	// ErrLockHeld indicates another holder owns the lock and its TTL has not lapsed
	ErrLockHeld = errors.New("storage: lock is held by another holder")
	// ErrNotLockHolder indicates a release attempt with a stale or foreign token
	ErrNotLockHolder = errors.New("storage: caller does not hold the lock")
)

// StateConflictError indicates a compare-and-swap transaction update found
// the record in a different state than the caller expected.
type StateConflictError struct {
	TxID     types.TxID
	Expected types.TransactionState
	Actual   types.TransactionState
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("storage: transaction %s is %s, expected %s",
		e.TxID, e.Actual, e.Expected)
}

// IsStateConflict reports whether err is a CAS state conflict.
func IsStateConflict(err error) bool {
	var conflict *StateConflictError
	return errors.As(err, &conflict)
}
