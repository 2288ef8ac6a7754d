// Package types defines the fundamental data types shared across the
// threshold federation node: identifiers, ceremony records, signing
// material and the transaction lifecycle.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NodeID is the unique 1-based ordinal of a federation member.
// The zero value is not a valid node ID.
type NodeID uint16

// String returns a string representation of the NodeID.
func (n NodeID) String() string {
	return fmt.Sprintf("%d", n)
}

// PartyIndex returns the zero-based party index expected by the
// round-based protocol engines. Engines index parties from 0; federation
// ordinals start at 1.
func (n NodeID) PartyIndex() int {
	return int(n) - 1
}

// SessionID uniquely identifies one ceremony instance.
type SessionID uuid.UUID

// NewSessionID generates a fresh random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// ParseSessionID parses a session identifier from its string form.
func ParseSessionID(s string) (SessionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return SessionID(id), nil
}

// String returns the canonical UUID form of the session identifier.
func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// Bytes returns the raw 16-byte form of the session identifier.
func (s SessionID) Bytes() []byte {
	b := uuid.UUID(s)
	return b[:]
}

// IsZero reports whether the session identifier is unset.
func (s SessionID) IsZero() bool {
	return s == SessionID{}
}

// TxID identifies a transaction pending federation approval and signing.
type TxID string

// SignatureScheme selects the signature algorithm family the federation
// produces.
type SignatureScheme uint8

const (
	// SchemeECDSA produces DER-encoded ECDSA signatures
	SchemeECDSA SignatureScheme = iota + 1
	// SchemeSchnorr produces 64-byte BIP-340 schnorr signatures
	SchemeSchnorr
)

// String returns a human-readable representation of the scheme.
func (s SignatureScheme) String() string {
	switch s {
	case SchemeECDSA:
		return "ecdsa"
	case SchemeSchnorr:
		return "schnorr"
	default:
		return "unknown"
	}
}

// CeremonyKind distinguishes the four multi-round ceremony types.
type CeremonyKind uint8

const (
	// CeremonyKeyGen is the distributed key generation ceremony
	CeremonyKeyGen CeremonyKind = iota + 1
	// CeremonyAuxSetup is the auxiliary parameter setup ceremony
	CeremonyAuxSetup
	// CeremonyPresign is the presignature generation ceremony
	CeremonyPresign
	// CeremonySign is the transaction signing ceremony
	CeremonySign
)

// String returns a human-readable representation of the ceremony kind.
func (k CeremonyKind) String() string {
	switch k {
	case CeremonyKeyGen:
		return "keygen"
	case CeremonyAuxSetup:
		return "auxsetup"
	case CeremonyPresign:
		return "presign"
	case CeremonySign:
		return "sign"
	default:
		return "unknown"
	}
}

// IsValid returns true if the ceremony kind is one of the four defined kinds.
func (k CeremonyKind) IsValid() bool {
	return k >= CeremonyKeyGen && k <= CeremonySign
}

// CeremonyState tracks a ceremony record through its lifecycle.
type CeremonyState uint8

const (
	// CeremonyCreated means the record exists but no join announcements were sent yet
	CeremonyCreated CeremonyState = iota
	// CeremonyJoining means join announcements are out and participants are registering
	CeremonyJoining
	// CeremonyRunning means all required participants joined and rounds are in flight
	CeremonyRunning
	// CeremonyCompleted means the ceremony produced its result
	CeremonyCompleted
	// CeremonyAbandoned means the ceremony failed to assemble or run; it will never complete
	CeremonyAbandoned
)

// String returns a human-readable representation of the ceremony state.
func (s CeremonyState) String() string {
	switch s {
	case CeremonyCreated:
		return "created"
	case CeremonyJoining:
		return "joining"
	case CeremonyRunning:
		return "running"
	case CeremonyCompleted:
		return "completed"
	case CeremonyAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Ceremony is the durable record of one ceremony instance. It is created
// by the initiator, mutated as participants join and rounds complete, and
// finalized as Completed or Abandoned.
type Ceremony struct {
	SessionID    SessionID       `json:"session_id"`
	Kind         CeremonyKind    `json:"kind"`
	Participants []NodeID        `json:"participants"`
	Threshold    int             `json:"threshold"`
	Joined       map[NodeID]bool `json:"joined"`
	State        CeremonyState   `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// JoinedCount returns the number of participants that have joined so far.
func (c *Ceremony) JoinedCount() int {
	n := 0
	for _, ok := range c.Joined {
		if ok {
			n++
		}
	}
	return n
}

// HasParticipant reports whether the given node belongs to the ceremony.
func (c *Ceremony) HasParticipant(node NodeID) bool {
	for _, p := range c.Participants {
		if p == node {
			return true
		}
	}
	return false
}

// ProtocolMessage is one engine-level message exchanged during a ceremony.
// To == nil means broadcast to every other participant. The payload is
// produced and consumed exclusively by the protocol engine; the routing
// layer carries it byte-for-byte and never re-encodes it.
type ProtocolMessage struct {
	SessionID SessionID
	From      NodeID
	To        *NodeID
	Seq       uint64
	Payload   []byte
}

// IsBroadcast reports whether the message is addressed to all participants.
func (m *ProtocolMessage) IsBroadcast() bool {
	return m.To == nil
}

// KeyMaterial is this node's share of the federation key, produced once by
// a completed key generation ceremony. Records are immutable; later stages
// look up the most recent record by completion timestamp, never by session
// id, because auxiliary setup and presigning run in logically separate
// ceremonies with independent session ids.
type KeyMaterial struct {
	NodeID      NodeID    `json:"node_id"`
	CompletedAt time.Time `json:"completed_at"`
	PartyCount  int       `json:"party_count"`
	Blob        []byte    `json:"blob"`
}

// AuxMaterial is this node's auxiliary setup output, consumed by
// presignature generation. Its PartyCount must match the key material's
// party count before use.
type AuxMaterial struct {
	NodeID     NodeID    `json:"node_id"`
	SessionID  SessionID `json:"session_id"`
	PartyCount int       `json:"party_count"`
	CreatedAt  time.Time `json:"created_at"`
	Blob       []byte    `json:"blob"`
}

// PresignatureUnit is one precomputed, single-use piece of signing
// material. A unit is consumed at most once.
type PresignatureUnit struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
	Blob      []byte    `json:"blob"`
}

// Expired reports whether the unit has passed its expiry at the given time.
func (u *PresignatureUnit) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt)
}

// LockRecord is the durable form of a distributed mutual-exclusion lock.
// At most one holder exists per key at any instant; an expired lock is
// forcibly reclaimable.
type LockRecord struct {
	Key         string    `json:"key"`
	HolderToken string    `json:"holder_token"`
	HolderNode  NodeID    `json:"holder_node"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the lock's TTL has lapsed at the given time.
func (l *LockRecord) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Vote is one node's approval decision for a transaction. Votes are
// append-only per (TxID, NodeID); a second vote from the same node is
// recorded as a violation and never changes the count.
type Vote struct {
	TxID      TxID      `json:"tx_id"`
	NodeID    NodeID    `json:"node_id"`
	Approve   bool      `json:"approve"`
	Signature []byte    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
}

// TransactionState is one state of the transaction lifecycle DAG.
type TransactionState uint8

const (
	// TxPending means the transaction was observed but voting has not opened
	TxPending TransactionState = iota
	// TxVoting means a vote round is open
	TxVoting
	// TxApproved means distinct approve votes reached the threshold
	TxApproved
	// TxSigning means a signing ceremony is in flight
	TxSigning
	// TxSigned is terminal: the combined signature is persisted
	TxSigned
	// TxRejected is terminal: the vote round expired or the retry cap was exceeded
	TxRejected
)

// String returns a human-readable representation of the transaction state.
func (s TransactionState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxVoting:
		return "voting"
	case TxApproved:
		return "approved"
	case TxSigning:
		return "signing"
	case TxSigned:
		return "signed"
	case TxRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for states with no outgoing transitions.
func (s TransactionState) IsTerminal() bool {
	return s == TxSigned || s == TxRejected
}

// Transaction is the durable record of one transaction moving through
// voting and signing.
type Transaction struct {
	TxID           TxID             `json:"tx_id"`
	State          TransactionState `json:"state"`
	Payload        []byte           `json:"payload"`
	VotesReceived  int              `json:"votes_received"`
	Threshold      int              `json:"threshold"`
	SignedArtifact []byte           `json:"signed_artifact,omitempty"`
	// VotingOpenedAt is fixed when the vote round opens; the vote
	// deadline is measured from here, not from the last write.
	VotingOpenedAt time.Time `json:"voting_opened_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	RetryCount     int       `json:"retry_count"`
}
