package ceremony

import (
	"errors"
	"fmt"

	"threshold-federation/internal/types"
)

var (
	// ErrSessionExists indicates a session id was registered twice
	ErrSessionExists = errors.New("ceremony: session already registered")
	// ErrSessionUnknown indicates an operation on an unregistered session
	ErrSessionUnknown = errors.New("ceremony: session not registered")
	// ErrRouterClosed indicates the router has shut down
	ErrRouterClosed = errors.New("ceremony: router is closed")
	// ErrNotParticipant indicates the local node is not in the ceremony's participant set
	ErrNotParticipant = errors.New("ceremony: local node is not a participant")
)

// DuplicateMessageError is a fatal per-ceremony routing fault: the same
// (session, sender, sequence) triple arrived twice.
type DuplicateMessageError struct {
	SessionID types.SessionID
	From      types.NodeID
	Seq       uint64
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("duplicate message in session %s from node %s seq %d",
		e.SessionID, e.From, e.Seq)
}

// JoinTimeoutError indicates the participant set failed to assemble
// before the join deadline; the ceremony is abandoned.
type JoinTimeoutError struct {
	SessionID types.SessionID
	Joined    int
	Expected  int
}

func (e *JoinTimeoutError) Error() string {
	return fmt.Sprintf("join timeout in session %s: %d of %d participants joined",
		e.SessionID, e.Joined, e.Expected)
}

// RoundTimeoutError indicates an engine run exceeded the round deadline.
type RoundTimeoutError struct {
	SessionID types.SessionID
	Kind      types.CeremonyKind
}

func (e *RoundTimeoutError) Error() string {
	return fmt.Sprintf("round timeout in %s ceremony %s", e.Kind, e.SessionID)
}
