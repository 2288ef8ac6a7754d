// Package ceremony orchestrates multi-round signing ceremonies between
// federation members: the broadcast-join bootstrap, per-session message
// routing, and the engine lifecycle. The cryptographic rounds themselves
// are behind the Engine interface; this package treats every round
// payload as opaque bytes.
package ceremony

import (
	"context"

	"threshold-federation/internal/types"
)

// Engine runs the cryptographic rounds of one ceremony. Run sends the
// engine's outbound messages on out and consumes the session's inbound
// messages from in until it produces a result or fails. The engine owns
// payload encoding end to end; nothing outside it inspects the bytes.
type Engine interface {
	Run(ctx context.Context, params Params,
		out chan<- *types.ProtocolMessage, in <-chan *types.ProtocolMessage) (*Result, error)
}

// Params carries everything an engine needs for one run. LocalParty is
// the zero-based index the round protocol expects, derived from the
// node's 1-based federation ordinal.
type Params struct {
	SessionID    types.SessionID
	Kind         types.CeremonyKind
	Participants []types.NodeID
	Threshold    int
	LocalNode    types.NodeID
	LocalParty   int

	// KeyMaterial and AuxMaterial are required for presigning and signing.
	KeyMaterial []byte
	AuxMaterial []byte

	// Message is the digest to sign; set only for signing ceremonies.
	Message []byte
	// Presignature is the consumed pool unit for fast-path signing; nil
	// selects the full signing protocol.
	Presignature []byte
	// BatchSize is the number of units a presign ceremony should produce.
	BatchSize int
}

// Result is an engine's output. Exactly the fields relevant to the
// ceremony kind are populated.
type Result struct {
	// KeyMaterial is the local key share produced by key generation.
	KeyMaterial []byte
	// AuxMaterial is the local auxiliary data produced by aux setup.
	AuxMaterial []byte
	// Presignatures are the local shares of each generated pool unit,
	// in batch order.
	Presignatures [][]byte
	// Signature is the combined signature produced by a signing run.
	// Every honest participant arrives at identical bytes.
	Signature []byte
}
