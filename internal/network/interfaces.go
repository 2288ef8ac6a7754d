// Package network carries ceremony traffic between federation members.
// Protocol envelopes and join announcements travel on separate libp2p
// protocols so the bootstrap path stays available even when a ceremony
// stream misbehaves.
package network

import (
	"context"

	"threshold-federation/internal/types"
)

// Transport moves protocol envelopes between federation members.
type Transport interface {
	// Start begins listening and dialing federation members.
	Start(ctx context.Context) error

	// Send delivers the envelope to a single member.
	Send(ctx context.Context, to types.NodeID, env *Envelope) error

	// Broadcast delivers the envelope to every listed member except the
	// local node. Failures are aggregated; delivery to reachable members
	// proceeds regardless of individual failures.
	Broadcast(ctx context.Context, members []types.NodeID, env *Envelope) error

	// Receive returns the channel of inbound envelopes. The channel is
	// closed when the transport shuts down.
	Receive() <-chan *Envelope

	// Close shuts the transport down and closes the receive channels.
	Close() error
}

// JoinChannel is the ceremony bootstrap side channel. It is deliberately
// independent of Transport's envelope streams.
type JoinChannel interface {
	// SendJoin delivers a join announcement to a single member.
	SendJoin(ctx context.Context, to types.NodeID, join *JoinAnnouncement) error

	// BroadcastJoin delivers a join announcement to every listed member
	// except the local node.
	BroadcastJoin(ctx context.Context, members []types.NodeID, join *JoinAnnouncement) error

	// Joins returns the channel of inbound join announcements.
	Joins() <-chan *JoinAnnouncement
}
