// Package storage persists the node's durable state: ceremony records,
// signing material, the presignature pool, transactions, votes and
// distributed locks. All multi-step updates go through compare-and-swap
// primitives so concurrent drivers never clobber each other.
package storage

import (
	"context"

	"threshold-federation/internal/types"
)

// Store is the durable state contract. Implementations must make every
// method safe for concurrent use and must apply UpdateTransaction and the
// lock primitives atomically.
type Store interface {
	CeremonyStore
	MaterialStore
	PresignatureStore
	TransactionStore
	VoteStore
	LockStore

	// Close flushes and releases the underlying store.
	Close() error
}

// CeremonyStore persists ceremony lifecycle records.
type CeremonyStore interface {
	// PutCeremony inserts or replaces a ceremony record.
	PutCeremony(ctx context.Context, ceremony *types.Ceremony) error
	// GetCeremony returns the ceremony with the given session id, or ErrNotFound.
	GetCeremony(ctx context.Context, sessionID types.SessionID) (*types.Ceremony, error)
	// ListCeremonies returns all ceremony records.
	ListCeremonies(ctx context.Context) ([]*types.Ceremony, error)
}

// MaterialStore persists key and auxiliary material. Records are
// append-only; readers always want the most recently completed record.
type MaterialStore interface {
	PutKeyMaterial(ctx context.Context, material *types.KeyMaterial) error
	// LatestKeyMaterial returns the key material with the newest completion
	// timestamp, or ErrNotFound when key generation never completed.
	LatestKeyMaterial(ctx context.Context) (*types.KeyMaterial, error)

	PutAuxMaterial(ctx context.Context, material *types.AuxMaterial) error
	// LatestAuxMaterial returns the newest auxiliary material, or ErrNotFound.
	LatestAuxMaterial(ctx context.Context) (*types.AuxMaterial, error)
}

// PresignatureStore persists single-use presignature units.
type PresignatureStore interface {
	// PutPresignature inserts or replaces a unit.
	PutPresignature(ctx context.Context, unit *types.PresignatureUnit) error
	// ListPresignatures returns every stored unit, consumed or not.
	ListPresignatures(ctx context.Context) ([]*types.PresignatureUnit, error)
	// DeletePresignature removes a unit. Deleting a missing unit is not an error.
	DeletePresignature(ctx context.Context, id string) error
}

// TransactionStore persists the transaction lifecycle.
type TransactionStore interface {
	// PutTransaction inserts or replaces a transaction record.
	PutTransaction(ctx context.Context, tx *types.Transaction) error
	// GetTransaction returns the transaction with the given id, or ErrNotFound.
	GetTransaction(ctx context.Context, txID types.TxID) (*types.Transaction, error)
	// ListTransactionsByState returns all transactions currently in the given state.
	ListTransactionsByState(ctx context.Context, state types.TransactionState) ([]*types.Transaction, error)
	// UpdateTransaction atomically applies mutate to the transaction if and
	// only if its current state equals expected. On a state mismatch it
	// returns a StateConflictError and leaves the record untouched. The
	// updated record is returned on success.
	UpdateTransaction(ctx context.Context, txID types.TxID, expected types.TransactionState,
		mutate func(*types.Transaction)) (*types.Transaction, error)
}

// VoteStore persists append-only votes keyed by (transaction, voter).
type VoteStore interface {
	// PutVote stores a vote. An existing vote for the same (tx, node) pair
	// is never overwritten; callers detect duplicates via GetVote first.
	PutVote(ctx context.Context, vote *types.Vote) error
	// GetVote returns the vote cast by node for the transaction, or ErrNotFound.
	GetVote(ctx context.Context, txID types.TxID, node types.NodeID) (*types.Vote, error)
	// ListVotes returns every vote recorded for the transaction.
	ListVotes(ctx context.Context, txID types.TxID) ([]*types.Vote, error)
}

// LockStore implements distributed mutual exclusion with TTLs. Acquire
// and release are atomic compare-and-swap operations on the lock record.
type LockStore interface {
	// AcquireLock installs the record if the key is free, expired, or
	// already held with the same token (reentrant refresh). It returns
	// ErrLockHeld when a live lock with a different token exists.
	AcquireLock(ctx context.Context, record *types.LockRecord) error
	// ReleaseLock removes the lock if the token matches the current
	// holder. A missing lock releases cleanly; a token mismatch returns
	// ErrNotLockHolder.
	ReleaseLock(ctx context.Context, key, token string) error
	// GetLock returns the current lock record for the key, or ErrNotFound.
	GetLock(ctx context.Context, key string) (*types.LockRecord, error)
	// ListLocks returns all lock records, live and expired.
	ListLocks(ctx context.Context) ([]*types.LockRecord, error)
}
