package ceremony

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threshold-federation/internal/metrics"
	"threshold-federation/internal/network"
	"threshold-federation/internal/storage"
	"threshold-federation/internal/types"
)

type testNode struct {
	cfg   *types.Config
	store *storage.MemoryStore
	coord *Coordinator
}

func testConfig(id types.NodeID, size, threshold int) *types.Config {
	cfg := types.DefaultConfig()
	cfg.Node.ID = id
	cfg.Federation.Threshold = threshold
	cfg.Federation.Members = nil
	for i := 1; i <= size; i++ {
		cfg.Federation.Members = append(cfg.Federation.Members,
			types.FederationMember{ID: types.NodeID(i)})
	}
	cfg.Ceremonies = types.CeremonyConfig{
		JoinTimeout:    2 * time.Second,
		RoundTimeout:   2 * time.Second,
		CollectTimeout: 5 * time.Second,
	}
	return cfg
}

// newTestFederation wires size nodes over one in-memory hub.
func newTestFederation(t *testing.T, size, threshold int) map[types.NodeID]*testNode {
	t.Helper()
	hub := network.NewMemoryHub()
	nodes := make(map[types.NodeID]*testNode, size)

	for i := 1; i <= size; i++ {
		id := types.NodeID(i)
		cfg := testConfig(id, size, threshold)
		store := storage.NewMemoryStore()
		transport := hub.Transport(id)
		m := metrics.New()

		router := NewRouter(id, transport, cfg.Ceremonies.RoundTimeout, m)
		router.Start()
		t.Cleanup(router.Stop)

		coord := NewCoordinator(cfg, store, transport, transport, router, NewDevEngine(), m)
		coord.Start()
		t.Cleanup(coord.Stop)

		nodes[id] = &testNode{cfg: cfg, store: store, coord: coord}
	}
	return nodes
}

func waitForKeyMaterial(t *testing.T, nodes map[types.NodeID]*testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if _, err := n.store.LatestKeyMaterial(context.Background()); err != nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func waitForAuxMaterial(t *testing.T, nodes map[types.NodeID]*testNode) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if _, err := n.store.LatestAuxMaterial(context.Background()); err != nil {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestKeyGenCeremony(t *testing.T) {
	nodes := newTestFederation(t, 3, 2)
	ctx := context.Background()

	result, err := nodes[1].coord.Initiate(ctx, types.CeremonyKeyGen, InitiateOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, result.KeyMaterial)

	waitForKeyMaterial(t, nodes)

	// Every participant derived the same material from the shared round.
	for id, n := range nodes {
		mat, err := n.store.LatestKeyMaterial(ctx)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(result.KeyMaterial, mat.Blob), "node %s has divergent material", id)
		assert.Equal(t, 3, mat.PartyCount)
	}
}

func TestCeremonyRecordLifecycle(t *testing.T) {
	nodes := newTestFederation(t, 3, 2)
	ctx := context.Background()

	_, err := nodes[1].coord.Initiate(ctx, types.CeremonyKeyGen, InitiateOptions{})
	require.NoError(t, err)

	ceremonies, err := nodes[1].store.ListCeremonies(ctx)
	require.NoError(t, err)
	require.Len(t, ceremonies, 1)
	assert.Equal(t, types.CeremonyCompleted, ceremonies[0].State)
	assert.Equal(t, 3, ceremonies[0].JoinedCount())

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			list, err := n.store.ListCeremonies(ctx)
			if err != nil || len(list) != 1 || list[0].State != types.CeremonyCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestJoinTimeoutAbandonsCeremony(t *testing.T) {
	// A lone node on the hub: nobody answers the announcement.
	hub := network.NewMemoryHub()
	cfg := testConfig(1, 3, 2)
	cfg.Ceremonies.JoinTimeout = 100 * time.Millisecond

	store := storage.NewMemoryStore()
	transport := hub.Transport(1)
	m := metrics.New()
	router := NewRouter(1, transport, time.Second, m)
	router.Start()
	t.Cleanup(router.Stop)

	coord := NewCoordinator(cfg, store, transport, transport, router, NewDevEngine(), m)
	coord.Start()
	t.Cleanup(coord.Stop)

	_, err := coord.Initiate(context.Background(), types.CeremonyKeyGen, InitiateOptions{})
	require.Error(t, err)
	var timeout *JoinTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 1, timeout.Joined)
	assert.Equal(t, 3, timeout.Expected)

	ceremonies, err := store.ListCeremonies(context.Background())
	require.NoError(t, err)
	require.Len(t, ceremonies, 1)
	assert.Equal(t, types.CeremonyAbandoned, ceremonies[0].State)
}

func TestAuxSetupRequiresKeyMaterial(t *testing.T) {
	nodes := newTestFederation(t, 3, 2)

	_, err := nodes[1].coord.Initiate(context.Background(), types.CeremonyAuxSetup, InitiateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key material unavailable")
}

func TestPresignCeremonyStoresUnits(t *testing.T) {
	nodes := newTestFederation(t, 3, 2)
	ctx := context.Background()

	_, err := nodes[1].coord.Initiate(ctx, types.CeremonyKeyGen, InitiateOptions{})
	require.NoError(t, err)
	waitForKeyMaterial(t, nodes)

	_, err = nodes[1].coord.Initiate(ctx, types.CeremonyAuxSetup, InitiateOptions{})
	require.NoError(t, err)
	waitForAuxMaterial(t, nodes)

	result, err := nodes[1].coord.Initiate(ctx, types.CeremonyPresign, InitiateOptions{BatchSize: 5})
	require.NoError(t, err)
	assert.Len(t, result.Presignatures, 5)

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			units, err := n.store.ListPresignatures(ctx)
			if err != nil || len(units) != 5 {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	units, err := nodes[1].store.ListPresignatures(ctx)
	require.NoError(t, err)
	for _, unit := range units {
		assert.False(t, unit.Consumed)
		assert.False(t, unit.Expired(time.Now()))
	}
}

// oneShotEngine emits a single broadcast message and finishes without
// ever blocking on inbound traffic.
type oneShotEngine struct {
	result *Result
}

func (e *oneShotEngine) Run(ctx context.Context, params Params,
	out chan<- *types.ProtocolMessage, in <-chan *types.ProtocolMessage) (*Result, error) {
	select {
	case out <- &types.ProtocolMessage{SessionID: params.SessionID, Payload: []byte("final-share")}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.result, nil
}

func TestFinalRoundMessageDelivered(t *testing.T) {
	hub := network.NewMemoryHub()
	cfg := testConfig(1, 2, 2)
	store := storage.NewMemoryStore()
	transport := hub.Transport(1)
	peer := hub.Transport(2)
	m := metrics.New()

	router := NewRouter(1, transport, time.Second, m)
	router.Start()
	t.Cleanup(router.Stop)

	engine := &oneShotEngine{result: &Result{KeyMaterial: []byte("material")}}
	coord := NewCoordinator(cfg, store, transport, transport, router, engine, m)
	coord.Start()
	t.Cleanup(coord.Stop)

	// Ack every announcement on the peer's behalf so the ceremony starts
	// the moment it is announced.
	go func() {
		for join := range peer.Joins() {
			ack := &network.JoinAnnouncement{
				SessionID:    join.SessionID,
				Kind:         join.Kind,
				From:         2,
				Participants: join.Participants,
				Threshold:    join.Threshold,
				SentAt:       time.Now(),
			}
			_ = peer.SendJoin(context.Background(), join.From, ack)
		}
	}()

	// The engine never waits on a peer, so the run completes the instant
	// it starts. Its only message must still reach the wire every time.
	for i := 0; i < 10; i++ {
		_, err := coord.Initiate(context.Background(), types.CeremonyKeyGen, InitiateOptions{})
		require.NoError(t, err)

		select {
		case env := <-peer.Receive():
			assert.Equal(t, []byte("final-share"), env.Payload)
			assert.True(t, env.Broadcast)
		case <-time.After(time.Second):
			t.Fatalf("outbound message dropped on run %d", i)
		}
	}
}

func TestSigningCeremonyProducesVerifiableSignature(t *testing.T) {
	nodes := newTestFederation(t, 3, 2)
	ctx := context.Background()

	keyResult, err := nodes[1].coord.Initiate(ctx, types.CeremonyKeyGen, InitiateOptions{})
	require.NoError(t, err)
	waitForKeyMaterial(t, nodes)

	_, err = nodes[1].coord.Initiate(ctx, types.CeremonyAuxSetup, InitiateOptions{})
	require.NoError(t, err)
	waitForAuxMaterial(t, nodes)

	message := []byte("spend 42 to bc1q...")
	result, err := nodes[1].coord.Initiate(ctx, types.CeremonySign, InitiateOptions{
		TxID:    "tx-1",
		Message: message,
	})
	require.NoError(t, err)
	require.Len(t, result.Signature, 64)

	sig, err := schnorr.ParseSignature(result.Signature)
	require.NoError(t, err)

	seed := sha256.Sum256(keyResult.KeyMaterial)
	_, pub := btcec.PrivKeyFromBytes(seed[:])
	digest := sha256.Sum256(message)
	assert.True(t, sig.Verify(digest[:], pub))
}
