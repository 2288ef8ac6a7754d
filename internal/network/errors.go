package network

import (
	"errors"
	"fmt"

	"threshold-federation/internal/types"
)

// Common network errors
var (
	ErrNotStarted     = errors.New("transport is not started")
	ErrAlreadyStarted = errors.New("transport is already started")
	ErrClosed         = errors.New("transport is closed")
	ErrUnknownMember  = errors.New("node is not a federation member")
	ErrSelfDial       = errors.New("refusing to dial the local node")
)

// FrameError indicates a malformed or oversized wire frame.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("invalid frame: %s", e.Reason)
}

// DeliveryError wraps a failure to deliver an envelope to one member.
type DeliveryError struct {
	To    types.NodeID
	Cause error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to node %s failed: %v", e.To, e.Cause)
}

// Unwrap returns the underlying error
func (e *DeliveryError) Unwrap() error {
	return e.Cause
}
