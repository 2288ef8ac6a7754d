package election

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threshold-federation/internal/storage"
)

func TestWithLockReleasesOnSuccessAndError(t *testing.T) {
	store := storage.NewMemoryStore()
	locker := NewLocker(store, 1, time.Minute)
	ctx := context.Background()

	require.NoError(t, locker.WithLock(ctx, "maintenance", func(ctx context.Context) error {
		// The lock is visible while held.
		_, err := store.GetLock(ctx, "maintenance")
		return err
	}))
	_, err := store.GetLock(ctx, "maintenance")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	wantErr := errors.New("boom")
	err = locker.WithLock(ctx, "maintenance", func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// Released despite the error.
	_, err = store.GetLock(ctx, "maintenance")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWithLockContention(t *testing.T) {
	store := storage.NewMemoryStore()
	a := NewLocker(store, 1, time.Minute)
	b := NewLocker(store, 2, time.Minute)
	ctx := context.Background()

	lease, err := a.Acquire(ctx, "maintenance")
	require.NoError(t, err)

	err = b.WithLock(ctx, "maintenance", func(ctx context.Context) error {
		t.Fatal("critical section entered while lock held elsewhere")
		return nil
	})
	assert.ErrorIs(t, err, storage.ErrLockHeld)

	require.NoError(t, lease.Release(ctx))
	assert.NoError(t, b.WithLock(ctx, "maintenance", func(ctx context.Context) error {
		return nil
	}))
}

func TestLeaseRefreshKeepsToken(t *testing.T) {
	store := storage.NewMemoryStore()
	locker := NewLocker(store, 1, 50*time.Millisecond)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "maintenance")
	require.NoError(t, err)

	first, err := store.GetLock(ctx, "maintenance")
	require.NoError(t, err)

	require.NoError(t, lease.Refresh(ctx))
	second, err := store.GetLock(ctx, "maintenance")
	require.NoError(t, err)

	assert.Equal(t, first.HolderToken, second.HolderToken)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt) || second.ExpiresAt.Equal(first.ExpiresAt))
}

func TestReclaimStaleReleasesOwnLocksOnly(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	// Locks left behind by a previous run of node 1 and a live lock of node 2.
	prev := NewLocker(store, 1, time.Minute)
	_, err := prev.Acquire(ctx, "maintenance")
	require.NoError(t, err)
	_, err = prev.Acquire(ctx, "signing/tx-1")
	require.NoError(t, err)

	other := NewLocker(store, 2, time.Minute)
	_, err = other.Acquire(ctx, "voting")
	require.NoError(t, err)

	restarted := NewLocker(store, 1, time.Minute)
	require.NoError(t, restarted.ReclaimStale(ctx))

	_, err = store.GetLock(ctx, "maintenance")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetLock(ctx, "signing/tx-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Node 2's lock is untouched.
	lock, err := store.GetLock(ctx, "voting")
	require.NoError(t, err)
	assert.Equal(t, "voting", lock.Key)
}
