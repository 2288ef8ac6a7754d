package network

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"threshold-federation/internal/types"
)

// Envelope is the wire frame for one protocol message. The payload is the
// engine's bytes exactly as produced; the frame never re-encodes it. The
// broadcast flag travels explicitly so receivers never have to infer it
// from the addressing.
type Envelope struct {
	SessionID types.SessionID
	From      types.NodeID
	Seq       uint64
	Broadcast bool
	Payload   []byte
}

const (
	// envelopeHeaderSize is 16 bytes session id, 2 bytes sender, 8 bytes
	// sequence, 1 byte broadcast flag, 4 bytes payload length.
	envelopeHeaderSize = 16 + 2 + 8 + 1 + 4

	// maxPayloadSize bounds a single frame. Presign rounds carry the
	// largest payloads; 16 MiB leaves ample headroom.
	maxPayloadSize = 16 << 20
)

// WriteEnvelope writes the binary frame to w.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	if len(env.Payload) > maxPayloadSize {
		return &FrameError{Reason: fmt.Sprintf("payload exceeds %d bytes", maxPayloadSize)}
	}

	header := make([]byte, envelopeHeaderSize)
	copy(header[0:16], env.SessionID.Bytes())
	binary.BigEndian.PutUint16(header[16:18], uint16(env.From))
	binary.BigEndian.PutUint64(header[18:26], env.Seq)
	if env.Broadcast {
		header[26] = 1
	}
	binary.BigEndian.PutUint32(header[27:31], uint32(len(env.Payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write envelope header: %w", err)
	}
	if _, err := w.Write(env.Payload); err != nil {
		return fmt.Errorf("failed to write envelope payload: %w", err)
	}
	return nil
}

// ReadEnvelope reads one binary frame from r.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	header := make([]byte, envelopeHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read envelope header: %w", err)
	}

	var sessionID [16]byte
	copy(sessionID[:], header[0:16])

	size := binary.BigEndian.Uint32(header[27:31])
	if size > maxPayloadSize {
		return nil, &FrameError{Reason: fmt.Sprintf("declared payload size %d exceeds limit", size)}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read envelope payload: %w", err)
	}

	return &Envelope{
		SessionID: types.SessionID(sessionID),
		From:      types.NodeID(binary.BigEndian.Uint16(header[16:18])),
		Seq:       binary.BigEndian.Uint64(header[18:26]),
		Broadcast: header[26] == 1,
		Payload:   payload,
	}, nil
}

// JoinAnnouncement is the bootstrap message sent over the join channel
// before any protocol rounds run. It travels on its own libp2p protocol,
// independent of the envelope stream.
type JoinAnnouncement struct {
	SessionID    types.SessionID
	Kind         types.CeremonyKind
	From         types.NodeID
	Participants []types.NodeID
	Threshold    int
	TxID         types.TxID
	Message      []byte
	// BatchSize is the unit count for presign ceremonies; participants
	// run the same batch the initiator announced.
	BatchSize int
	SentAt    time.Time
}

// joinWire is the JSON form of a JoinAnnouncement with string identifiers.
type joinWire struct {
	SessionID    string    `json:"session_id"`
	Kind         uint8     `json:"kind"`
	From         uint16    `json:"from"`
	Participants []uint16  `json:"participants"`
	Threshold    int       `json:"threshold"`
	TxID         string    `json:"tx_id,omitempty"`
	Message      []byte    `json:"message,omitempty"`
	BatchSize    int       `json:"batch_size,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

// WriteJoin writes a length-prefixed JSON join announcement to w.
func WriteJoin(w io.Writer, join *JoinAnnouncement) error {
	wire := joinWire{
		SessionID: join.SessionID.String(),
		Kind:      uint8(join.Kind),
		From:      uint16(join.From),
		Threshold: join.Threshold,
		TxID:      string(join.TxID),
		Message:   join.Message,
		BatchSize: join.BatchSize,
		SentAt:    join.SentAt,
	}
	for _, p := range join.Participants {
		wire.Participants = append(wire.Participants, uint16(p))
	}

	data, err := json.Marshal(&wire)
	if err != nil {
		return fmt.Errorf("failed to marshal join announcement: %w", err)
	}

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	if _, err := w.Write(size[:]); err != nil {
		return fmt.Errorf("failed to write join size: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write join body: %w", err)
	}
	return nil
}

// ReadJoin reads one length-prefixed join announcement from r.
func ReadJoin(r io.Reader) (*JoinAnnouncement, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read join size: %w", err)
	}

	length := binary.BigEndian.Uint32(size[:])
	if length > maxPayloadSize {
		return nil, &FrameError{Reason: fmt.Sprintf("join announcement size %d exceeds limit", length)}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read join body: %w", err)
	}

	var wire joinWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal join announcement: %w", err)
	}

	sessionID, err := types.ParseSessionID(wire.SessionID)
	if err != nil {
		return nil, err
	}

	join := &JoinAnnouncement{
		SessionID: sessionID,
		Kind:      types.CeremonyKind(wire.Kind),
		From:      types.NodeID(wire.From),
		Threshold: wire.Threshold,
		TxID:      types.TxID(wire.TxID),
		Message:   wire.Message,
		BatchSize: wire.BatchSize,
		SentAt:    wire.SentAt,
	}
	for _, p := range wire.Participants {
		join.Participants = append(join.Participants, types.NodeID(p))
	}
	return join, nil
}
