package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threshold-federation/internal/keys"
	"threshold-federation/internal/metrics"
	"threshold-federation/internal/storage"
	"threshold-federation/internal/types"
)

// testFederation builds a membership with real vote keys and a signer
// per member.
func testFederation(t *testing.T, size, threshold int) (types.FederationConfig, map[types.NodeID]*keys.Signer) {
	t.Helper()
	km := keys.NewKeyManager()
	federation := types.FederationConfig{Threshold: threshold}
	signers := make(map[types.NodeID]*keys.Signer, size)

	for i := 1; i <= size; i++ {
		id := types.NodeID(i)
		priv, err := km.GeneratePrivateKey()
		require.NoError(t, err)
		pub, err := km.GetPublicKey(priv)
		require.NoError(t, err)

		federation.Members = append(federation.Members, types.FederationMember{
			ID:        id,
			PublicKey: pub,
		})
		signer, err := keys.NewSigner(id, priv)
		require.NoError(t, err)
		signers[id] = signer
	}
	return federation, signers
}

func putVotingTx(t *testing.T, store storage.Store, txID types.TxID, threshold int) {
	t.Helper()
	require.NoError(t, store.PutTransaction(context.Background(), &types.Transaction{
		TxID:      txID,
		State:     types.TxVoting,
		Threshold: threshold,
		UpdatedAt: time.Now(),
	}))
}

func TestThresholdApproval(t *testing.T) {
	store := storage.NewMemoryStore()
	federation, signers := testFederation(t, 5, 3)
	processor := NewVoteProcessor(store, federation, metrics.New())
	ctx := context.Background()

	putVotingTx(t, store, "tx-1", 3)

	for _, id := range []types.NodeID{1, 2} {
		vote, err := signers[id].SignVote("tx-1", true)
		require.NoError(t, err)
		require.NoError(t, processor.Process(ctx, vote))
	}

	tx, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxVoting, tx.State)
	assert.Equal(t, 2, tx.VotesReceived)

	vote, err := signers[3].SignVote("tx-1", true)
	require.NoError(t, err)
	require.NoError(t, processor.Process(ctx, vote))

	tx, err = store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxApproved, tx.State)
	assert.Equal(t, 3, tx.VotesReceived)
}

func TestRejectionsDoNotCount(t *testing.T) {
	store := storage.NewMemoryStore()
	federation, signers := testFederation(t, 3, 2)
	processor := NewVoteProcessor(store, federation, metrics.New())
	ctx := context.Background()

	putVotingTx(t, store, "tx-1", 2)

	approve, err := signers[1].SignVote("tx-1", true)
	require.NoError(t, err)
	require.NoError(t, processor.Process(ctx, approve))

	reject, err := signers[2].SignVote("tx-1", false)
	require.NoError(t, err)
	require.NoError(t, processor.Process(ctx, reject))

	tx, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, types.TxVoting, tx.State)
	assert.Equal(t, 1, tx.VotesReceived)
}

func TestDuplicateVoteIsIdempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	federation, signers := testFederation(t, 3, 2)
	processor := NewVoteProcessor(store, federation, metrics.New())
	ctx := context.Background()

	putVotingTx(t, store, "tx-1", 2)

	vote, err := signers[1].SignVote("tx-1", true)
	require.NoError(t, err)
	require.NoError(t, processor.Process(ctx, vote))
	require.NoError(t, processor.Process(ctx, vote))

	tx, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tx.VotesReceived)
}

func TestConflictingVoteIsByzantine(t *testing.T) {
	store := storage.NewMemoryStore()
	federation, signers := testFederation(t, 3, 2)
	processor := NewVoteProcessor(store, federation, metrics.New())
	ctx := context.Background()

	putVotingTx(t, store, "tx-1", 2)

	approve, err := signers[1].SignVote("tx-1", true)
	require.NoError(t, err)
	require.NoError(t, processor.Process(ctx, approve))

	flip, err := signers[1].SignVote("tx-1", false)
	require.NoError(t, err)
	err = processor.Process(ctx, flip)
	var byzantine *ByzantineVoteError
	require.ErrorAs(t, err, &byzantine)
	assert.Equal(t, types.NodeID(1), byzantine.NodeID)

	// The original vote stands; the flip changed nothing.
	tx, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tx.VotesReceived)
	stored, err := store.GetVote(ctx, "tx-1", 1)
	require.NoError(t, err)
	assert.True(t, stored.Approve)
}

func TestNonMemberVoteRejected(t *testing.T) {
	store := storage.NewMemoryStore()
	federation, _ := testFederation(t, 3, 2)
	processor := NewVoteProcessor(store, federation, metrics.New())

	km := keys.NewKeyManager()
	priv, err := km.GeneratePrivateKey()
	require.NoError(t, err)
	outsider, err := keys.NewSigner(9, priv)
	require.NoError(t, err)

	vote, err := outsider.SignVote("tx-1", true)
	require.NoError(t, err)
	assert.ErrorIs(t, processor.Process(context.Background(), vote), ErrNotMember)
}

func TestForgedSignatureRejected(t *testing.T) {
	store := storage.NewMemoryStore()
	federation, signers := testFederation(t, 3, 2)
	processor := NewVoteProcessor(store, federation, metrics.New())
	ctx := context.Background()

	putVotingTx(t, store, "tx-1", 2)

	vote, err := signers[1].SignVote("tx-1", true)
	require.NoError(t, err)
	// Claim the vote came from node 2.
	vote.NodeID = 2

	err = processor.Process(ctx, vote)
	require.Error(t, err)

	tx, err := store.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Zero(t, tx.VotesReceived)
}
