package ceremony

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threshold-federation/internal/metrics"
	"threshold-federation/internal/network"
	"threshold-federation/internal/types"
)

func newTestRouter(t *testing.T, hub *network.MemoryHub, local types.NodeID) *Router {
	t.Helper()
	transport := hub.Transport(local)
	router := NewRouter(local, transport, 2*time.Second, metrics.New())
	router.Start()
	t.Cleanup(router.Stop)
	return router
}

func TestRouterDeliversRegisteredSession(t *testing.T) {
	hub := network.NewMemoryHub()
	router := newTestRouter(t, hub, 1)
	sender := hub.Transport(2)

	sessionID := types.NewSessionID()
	in, _, err := router.Register(sessionID)
	require.NoError(t, err)

	env := &network.Envelope{SessionID: sessionID, From: 2, Seq: 1, Payload: []byte("round1")}
	require.NoError(t, sender.Send(context.Background(), 1, env))

	select {
	case msg := <-in:
		assert.Equal(t, types.NodeID(2), msg.From)
		assert.Equal(t, []byte("round1"), msg.Payload)
		// Direct envelopes address the local node.
		require.NotNil(t, msg.To)
		assert.Equal(t, types.NodeID(1), *msg.To)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRouterBroadcastFlagMapsToNilTo(t *testing.T) {
	hub := network.NewMemoryHub()
	router := newTestRouter(t, hub, 1)
	sender := hub.Transport(2)

	sessionID := types.NewSessionID()
	in, _, err := router.Register(sessionID)
	require.NoError(t, err)

	env := &network.Envelope{SessionID: sessionID, From: 2, Seq: 1, Broadcast: true, Payload: []byte("b")}
	require.NoError(t, sender.Send(context.Background(), 1, env))

	select {
	case msg := <-in:
		assert.Nil(t, msg.To)
		assert.True(t, msg.IsBroadcast())
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestRouterBuffersUnknownSessionAndReplaysInOrder(t *testing.T) {
	hub := network.NewMemoryHub()
	router := newTestRouter(t, hub, 1)
	sender := hub.Transport(2)

	sessionID := types.NewSessionID()
	for seq := uint64(1); seq <= 3; seq++ {
		env := &network.Envelope{SessionID: sessionID, From: 2, Seq: seq, Payload: []byte{byte(seq)}}
		require.NoError(t, sender.Send(context.Background(), 1, env))
	}

	// Give the receive loop time to buffer all three.
	require.Eventually(t, func() bool {
		router.mu.Lock()
		defer router.mu.Unlock()
		buf, ok := router.pending[sessionID]
		return ok && len(buf.envelopes) == 3
	}, time.Second, 10*time.Millisecond)

	in, _, err := router.Register(sessionID)
	require.NoError(t, err)

	for seq := uint64(1); seq <= 3; seq++ {
		select {
		case msg := <-in:
			assert.Equal(t, seq, msg.Seq)
		case <-time.After(time.Second):
			t.Fatalf("buffered message %d not replayed", seq)
		}
	}
}

func TestRouterDuplicateIsFatal(t *testing.T) {
	hub := network.NewMemoryHub()
	router := newTestRouter(t, hub, 1)
	sender := hub.Transport(2)

	sessionID := types.NewSessionID()
	in, faults, err := router.Register(sessionID)
	require.NoError(t, err)

	env := &network.Envelope{SessionID: sessionID, From: 2, Seq: 5, Payload: []byte("x")}
	require.NoError(t, sender.Send(context.Background(), 1, env))
	require.NoError(t, sender.Send(context.Background(), 1, env))

	select {
	case <-in:
	case <-time.After(time.Second):
		t.Fatal("first copy not delivered")
	}

	select {
	case fault := <-faults:
		var dup *DuplicateMessageError
		require.ErrorAs(t, fault, &dup)
		assert.Equal(t, types.NodeID(2), dup.From)
		assert.Equal(t, uint64(5), dup.Seq)
	case <-time.After(time.Second):
		t.Fatal("duplicate not reported")
	}

	// The duplicate itself is never delivered.
	select {
	case <-in:
		t.Fatal("duplicate message delivered")
	default:
	}
}

func TestRouterPurgesExpiredBuffers(t *testing.T) {
	hub := network.NewMemoryHub()
	transport := hub.Transport(1)
	m := metrics.New()
	router := NewRouter(1, transport, 50*time.Millisecond, m)
	router.Start()
	t.Cleanup(router.Stop)

	sender := hub.Transport(2)
	sessionID := types.NewSessionID()
	env := &network.Envelope{SessionID: sessionID, From: 2, Seq: 1, Payload: []byte("late")}
	require.NoError(t, sender.Send(context.Background(), 1, env))

	require.Eventually(t, func() bool {
		router.mu.Lock()
		defer router.mu.Unlock()
		return len(router.pending) == 1
	}, time.Second, 10*time.Millisecond)

	router.purgeExpired(time.Now().Add(time.Second))

	router.mu.Lock()
	remaining := len(router.pending)
	router.mu.Unlock()
	assert.Zero(t, remaining)

	// Registering afterwards replays nothing.
	in, _, err := router.Register(sessionID)
	require.NoError(t, err)
	select {
	case <-in:
		t.Fatal("expired envelope replayed")
	default:
	}
}

func TestRouterRejectsDoubleRegistration(t *testing.T) {
	hub := network.NewMemoryHub()
	router := newTestRouter(t, hub, 1)

	sessionID := types.NewSessionID()
	_, _, err := router.Register(sessionID)
	require.NoError(t, err)

	_, _, err = router.Register(sessionID)
	assert.ErrorIs(t, err, ErrSessionExists)

	router.Unregister(sessionID)
	_, _, err = router.Register(sessionID)
	assert.NoError(t, err)
}
