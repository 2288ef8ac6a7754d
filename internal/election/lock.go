package election

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"threshold-federation/internal/logger"
	"threshold-federation/internal/storage"
	"threshold-federation/internal/types"
)

// Locker acquires TTL-fenced distributed locks through the store's
// compare-and-swap primitives. Each acquisition carries a fresh holder
// token so a crashed holder's lock can be distinguished from a live one.
type Locker struct {
	store storage.LockStore
	node  types.NodeID
	ttl   time.Duration
	log   zerolog.Logger
}

// NewLocker creates a locker for this node with the given lease TTL.
func NewLocker(store storage.LockStore, node types.NodeID, ttl time.Duration) *Locker {
	return &Locker{
		store: store,
		node:  node,
		ttl:   ttl,
		log:   logger.Component("locker"),
	}
}

// Lease is a held lock. Release it on every path; WithLock does this
// automatically.
type Lease struct {
	key    string
	token  string
	locker *Locker
}

// Key returns the lock key the lease covers.
func (l *Lease) Key() string {
	return l.key
}

// Acquire attempts to take the lock. It returns storage.ErrLockHeld when
// another live holder owns it.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	record := &types.LockRecord{
		Key:         key,
		HolderToken: token,
		HolderNode:  l.node,
		ExpiresAt:   time.Now().Add(l.ttl),
	}
	if err := l.store.AcquireLock(ctx, record); err != nil {
		return nil, err
	}
	return &Lease{key: key, token: token, locker: l}, nil
}

// Release returns the lock. Releasing a lease that has already expired
// and been reclaimed yields storage.ErrNotLockHolder, which callers may
// treat as informational.
func (l *Lease) Release(ctx context.Context) error {
	return l.locker.store.ReleaseLock(ctx, l.key, l.token)
}

// Refresh extends the lease TTL while keeping the same token.
func (l *Lease) Refresh(ctx context.Context) error {
	record := &types.LockRecord{
		Key:         l.key,
		HolderToken: l.token,
		HolderNode:  l.locker.node,
		ExpiresAt:   time.Now().Add(l.locker.ttl),
	}
	return l.locker.store.AcquireLock(ctx, record)
}

// WithLock runs fn while holding the lock and releases it on every exit
// path, including panics.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil && err != storage.ErrNotLockHolder {
			l.log.Warn().Err(err).Str("key", key).Msg("lock release failed")
		}
	}()

	return fn(ctx)
}

// ReclaimStale releases locks left behind by a previous run of this
// node. It is called once at startup, before any background driver
// starts competing for locks.
func (l *Locker) ReclaimStale(ctx context.Context) error {
	locks, err := l.store.ListLocks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}

	for _, record := range locks {
		if record.HolderNode != l.node {
			continue
		}
		if err := l.store.ReleaseLock(ctx, record.Key, record.HolderToken); err != nil {
			return fmt.Errorf("failed to reclaim lock %s: %w", record.Key, err)
		}
		l.log.Info().Str("key", record.Key).Msg("reclaimed stale lock from previous run")
	}
	return nil
}
