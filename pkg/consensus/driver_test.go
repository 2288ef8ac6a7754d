package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threshold-federation/internal/election"
	"threshold-federation/internal/keys"
	"threshold-federation/internal/metrics"
	"threshold-federation/internal/storage"
	"threshold-federation/internal/types"
)

// fakeSigner returns a canned signature or error.
type fakeSigner struct {
	signature []byte
	err       error
	calls     int
}

func (f *fakeSigner) Sign(ctx context.Context, txID types.TxID, payload []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.signature, nil
}

type driverFixture struct {
	store   *storage.MemoryStore
	driver  *Driver
	signers map[types.NodeID]*keys.Signer
	signer  *fakeSigner
}

func newDriverFixture(t *testing.T, cfg types.ConsensusConfig) *driverFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	federation, signers := testFederation(t, 3, 2)
	m := metrics.New()
	processor := NewVoteProcessor(store, federation, m)
	signer := &fakeSigner{signature: []byte("combined-signature")}
	locker := election.NewLocker(store, 1, time.Minute)

	driver := NewDriver(cfg, federation.Threshold, store, processor, signer,
		AutoApprover{Signer: signers[1]}, locker, m)
	return &driverFixture{store: store, driver: driver, signers: signers, signer: signer}
}

func driverConfig() types.ConsensusConfig {
	return types.ConsensusConfig{
		VoteDeadline:   time.Minute,
		RetryCap:       3,
		StuckThreshold: 5 * time.Minute,
		PollInterval:   10 * time.Millisecond,
	}
}

func TestObserveRegistersPending(t *testing.T) {
	f := newDriverFixture(t, driverConfig())
	ctx := context.Background()

	require.NoError(t, f.driver.Observe(ctx, "tx-1", []byte("raw")))
	assert.ErrorIs(t, f.driver.Observe(ctx, "tx-1", []byte("raw")), ErrTransactionExists)

	tx, err := f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxPending, tx.State)
	assert.Equal(t, 2, tx.Threshold)
}

func TestLifecycleToSigned(t *testing.T) {
	f := newDriverFixture(t, driverConfig())
	ctx := context.Background()

	require.NoError(t, f.driver.Observe(ctx, "tx-1", []byte("raw")))

	// First tick opens voting and casts the local approval.
	f.driver.Tick(ctx)
	tx, err := f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxVoting, tx.State)
	assert.Equal(t, 1, tx.VotesReceived)

	// A second member's approval meets the threshold.
	vote, err := f.signers[2].SignVote("tx-1", true)
	require.NoError(t, err)
	require.NoError(t, f.driver.SubmitVote(ctx, vote))

	tx, err = f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxApproved, tx.State)

	// The next tick signs it.
	f.driver.Tick(ctx)
	tx, err = f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxSigned, tx.State)
	assert.Equal(t, []byte("combined-signature"), tx.SignedArtifact)
	assert.Equal(t, 1, f.signer.calls)

	// Terminal states stay put.
	f.driver.Tick(ctx)
	tx, err = f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxSigned, tx.State)
	assert.Equal(t, 1, f.signer.calls)
}

func TestSigningFailureRollsBackAndRetries(t *testing.T) {
	cfg := driverConfig()
	cfg.RetryCap = 1
	f := newDriverFixture(t, cfg)
	f.signer.err = errors.New("ceremony failed")
	ctx := context.Background()

	require.NoError(t, f.store.PutTransaction(ctx, &types.Transaction{
		TxID:      "tx-1",
		State:     types.TxApproved,
		Payload:   []byte("raw"),
		Threshold: 2,
		UpdatedAt: time.Now(),
	}))

	// First failure: back to Approved with one retry on the clock.
	f.driver.Tick(ctx)
	tx, err := f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxApproved, tx.State)
	assert.Equal(t, 1, tx.RetryCount)

	// Second failure exceeds the cap: rejected.
	f.driver.Tick(ctx)
	tx, err = f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxRejected, tx.State)
	assert.Equal(t, 2, tx.RetryCount)

	// No further attempts on a terminal transaction.
	calls := f.signer.calls
	f.driver.Tick(ctx)
	assert.Equal(t, calls, f.signer.calls)
}

func TestVoteDeadlineExpiry(t *testing.T) {
	cfg := driverConfig()
	cfg.VoteDeadline = 50 * time.Millisecond
	f := newDriverFixture(t, cfg)
	ctx := context.Background()

	// A vote round opened long ago with no quorum.
	require.NoError(t, f.store.PutTransaction(ctx, &types.Transaction{
		TxID:           "tx-1",
		State:          types.TxVoting,
		Threshold:      2,
		VotingOpenedAt: time.Now().Add(-time.Second),
		UpdatedAt:      time.Now().Add(-time.Second),
	}))

	f.driver.Tick(ctx)
	tx, err := f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxRejected, tx.State)
}

func TestVoteDeadlineNotExtendedByTallies(t *testing.T) {
	cfg := driverConfig()
	cfg.VoteDeadline = 50 * time.Millisecond
	f := newDriverFixture(t, cfg)
	ctx := context.Background()

	// The round opened long ago; a tally write bumped UpdatedAt just now.
	// The deadline counts from the round opening, so the round is over.
	require.NoError(t, f.store.PutTransaction(ctx, &types.Transaction{
		TxID:           "tx-1",
		State:          types.TxVoting,
		Threshold:      2,
		VotesReceived:  1,
		VotingOpenedAt: time.Now().Add(-time.Second),
		UpdatedAt:      time.Now(),
	}))

	f.driver.Tick(ctx)
	tx, err := f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxRejected, tx.State)
}

func TestVotesBeforeRoundOpensAreCounted(t *testing.T) {
	store := storage.NewMemoryStore()
	federation, signers := testFederation(t, 3, 2)
	m := metrics.New()
	processor := NewVoteProcessor(store, federation, m)
	locker := election.NewLocker(store, 1, time.Minute)
	// No local voter: this node only tallies externally submitted votes.
	driver := NewDriver(driverConfig(), federation.Threshold, store, processor,
		&fakeSigner{signature: []byte("combined-signature")}, nil, locker, m)

	ctx := context.Background()
	require.NoError(t, driver.Observe(ctx, "tx-1", []byte("raw")))

	// A quorum arrives before the first poll opens the round.
	for _, id := range []types.NodeID{1, 2} {
		vote, err := signers[id].SignVote("tx-1", true)
		require.NoError(t, err)
		require.NoError(t, driver.SubmitVote(ctx, vote))
	}

	// One tick opens the round, counts the stored votes and carries the
	// approved transaction through signing.
	driver.Tick(ctx)
	tx, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxSigned, tx.State)
	assert.Equal(t, 2, tx.VotesReceived)
}

func TestStuckSigningSweep(t *testing.T) {
	cfg := driverConfig()
	cfg.StuckThreshold = 50 * time.Millisecond
	f := newDriverFixture(t, cfg)
	ctx := context.Background()

	// A signing run that died mid-ceremony.
	require.NoError(t, f.store.PutTransaction(ctx, &types.Transaction{
		TxID:      "tx-1",
		State:     types.TxSigning,
		Payload:   []byte("raw"),
		Threshold: 2,
		UpdatedAt: time.Now().Add(-time.Second),
	}))

	f.driver.Tick(ctx)
	tx, err := f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxApproved, tx.State)
	assert.Equal(t, 1, tx.RetryCount)
}

func TestFreshSigningIsNotSwept(t *testing.T) {
	f := newDriverFixture(t, driverConfig())
	ctx := context.Background()

	require.NoError(t, f.store.PutTransaction(ctx, &types.Transaction{
		TxID:      "tx-1",
		State:     types.TxSigning,
		Threshold: 2,
		UpdatedAt: time.Now(),
	}))

	f.driver.Tick(ctx)
	tx, err := f.store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxSigning, tx.State)
	assert.Zero(t, tx.RetryCount)
}
