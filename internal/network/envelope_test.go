package network

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threshold-federation/internal/types"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		SessionID: types.NewSessionID(),
		From:      3,
		Seq:       42,
		Broadcast: true,
		Payload:   []byte{0x01, 0x02, 0x00, 0xff},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	assert.Equal(t, env.SessionID, got.SessionID)
	assert.Equal(t, env.From, got.From)
	assert.Equal(t, env.Seq, got.Seq)
	assert.True(t, got.Broadcast)
	// The payload must arrive byte-for-byte, never re-encoded.
	assert.Equal(t, env.Payload, got.Payload)
}

func TestEnvelopeBroadcastFlagIsExplicit(t *testing.T) {
	env := &Envelope{
		SessionID: types.NewSessionID(),
		From:      1,
		Seq:       1,
		Broadcast: false,
		Payload:   []byte("direct"),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	got, err := ReadEnvelope(&buf)
	require.NoError(t, err)
	assert.False(t, got.Broadcast)
}

func TestReadEnvelopeEOF(t *testing.T) {
	_, err := ReadEnvelope(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}

func TestReadEnvelopeOversizedPayload(t *testing.T) {
	env := &Envelope{SessionID: types.NewSessionID(), From: 1, Seq: 1}
	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, env))

	// Corrupt the declared payload length.
	frame := buf.Bytes()
	frame[27], frame[28], frame[29], frame[30] = 0xff, 0xff, 0xff, 0xff

	_, err := ReadEnvelope(bytes.NewReader(frame))
	require.Error(t, err)
	var frameErr *FrameError
	assert.ErrorAs(t, err, &frameErr)
}

func TestJoinRoundTrip(t *testing.T) {
	join := &JoinAnnouncement{
		SessionID:    types.NewSessionID(),
		Kind:         types.CeremonyPresign,
		From:         2,
		Participants: []types.NodeID{1, 2, 3, 4, 5},
		Threshold:    3,
		BatchSize:    8,
		SentAt:       time.Now().UTC(),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteJoin(&buf, join))

	got, err := ReadJoin(&buf)
	require.NoError(t, err)
	assert.Equal(t, join.SessionID, got.SessionID)
	assert.Equal(t, join.Kind, got.Kind)
	assert.Equal(t, join.Participants, got.Participants)
	assert.Equal(t, join.Threshold, got.Threshold)
	assert.Equal(t, 8, got.BatchSize)
}

func TestJoinCarriesSigningContext(t *testing.T) {
	join := &JoinAnnouncement{
		SessionID:    types.NewSessionID(),
		Kind:         types.CeremonySign,
		From:         1,
		Participants: []types.NodeID{1, 2, 3},
		Threshold:    2,
		TxID:         "tx-9",
		Message:      []byte("digest"),
		SentAt:       time.Now().UTC(),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteJoin(&buf, join))

	got, err := ReadJoin(&buf)
	require.NoError(t, err)
	assert.Equal(t, types.TxID("tx-9"), got.TxID)
	assert.Equal(t, []byte("digest"), got.Message)
}

func TestMemoryHubDelivery(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Transport(1)
	b := hub.Transport(2)
	c := hub.Transport(3)

	env := &Envelope{SessionID: types.NewSessionID(), From: 1, Seq: 7, Payload: []byte("x")}
	require.NoError(t, a.Broadcast(context.Background(), []types.NodeID{1, 2, 3}, env))

	got := <-b.Receive()
	assert.Equal(t, uint64(7), got.Seq)
	got = <-c.Receive()
	assert.Equal(t, types.NodeID(1), got.From)

	// The sender never receives its own broadcast.
	select {
	case <-a.Receive():
		t.Fatal("sender received its own broadcast")
	default:
	}
}

func TestMemoryHubJoinChannelIndependent(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Transport(1)
	b := hub.Transport(2)

	join := &JoinAnnouncement{
		SessionID: types.NewSessionID(),
		Kind:      types.CeremonyKeyGen,
		From:      1,
	}
	require.NoError(t, a.SendJoin(context.Background(), 2, join))

	got := <-b.Joins()
	assert.Equal(t, join.SessionID, got.SessionID)

	// Envelope channel stays empty.
	select {
	case <-b.Receive():
		t.Fatal("join announcement leaked into the envelope channel")
	default:
	}
}
