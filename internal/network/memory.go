package network

import (
	"context"
	"sync"

	"threshold-federation/internal/types"
)

// MemoryHub connects in-process transports for tests and single-binary
// simulations. Delivery is synchronous handoff into buffered channels.
type MemoryHub struct {
	mu    sync.RWMutex
	nodes map[types.NodeID]*MemoryTransport
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{nodes: make(map[types.NodeID]*MemoryTransport)}
}

// Transport returns (creating if needed) the transport for the node.
func (h *MemoryHub) Transport(id types.NodeID) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.nodes[id]; ok {
		return t
	}
	t := &MemoryTransport{
		hub:     h,
		localID: id,
		recv:    make(chan *Envelope, recvBuffer),
		joins:   make(chan *JoinAnnouncement, joinBuffer),
	}
	h.nodes[id] = t
	return t
}

func (h *MemoryHub) deliver(to types.NodeID, env *Envelope) error {
	h.mu.RLock()
	t, ok := h.nodes[to]
	h.mu.RUnlock()
	if !ok {
		return &DeliveryError{To: to, Cause: ErrUnknownMember}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &DeliveryError{To: to, Cause: ErrClosed}
	}
	t.recv <- env
	return nil
}

func (h *MemoryHub) deliverJoin(to types.NodeID, join *JoinAnnouncement) error {
	h.mu.RLock()
	t, ok := h.nodes[to]
	h.mu.RUnlock()
	if !ok {
		return &DeliveryError{To: to, Cause: ErrUnknownMember}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &DeliveryError{To: to, Cause: ErrClosed}
	}
	t.joins <- join
	return nil
}

// MemoryTransport is one node's endpoint on a MemoryHub.
type MemoryTransport struct {
	hub     *MemoryHub
	localID types.NodeID
	recv    chan *Envelope
	joins   chan *JoinAnnouncement
	mu      sync.Mutex
	closed  bool
}

var (
	_ Transport   = (*MemoryTransport)(nil)
	_ JoinChannel = (*MemoryTransport)(nil)
)

// Start is a no-op for the in-memory transport.
func (t *MemoryTransport) Start(ctx context.Context) error {
	return nil
}

// Close marks the endpoint closed and closes its channels.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.recv)
	close(t.joins)
	return nil
}

// Receive returns the inbound envelope channel.
func (t *MemoryTransport) Receive() <-chan *Envelope {
	return t.recv
}

// Joins returns the inbound join announcement channel.
func (t *MemoryTransport) Joins() <-chan *JoinAnnouncement {
	return t.joins
}

// Send delivers the envelope to the target endpoint.
func (t *MemoryTransport) Send(ctx context.Context, to types.NodeID, env *Envelope) error {
	if to == t.localID {
		return ErrSelfDial
	}
	return t.hub.deliver(to, env)
}

// Broadcast delivers the envelope to every listed endpoint except the
// local one.
func (t *MemoryTransport) Broadcast(ctx context.Context, members []types.NodeID, env *Envelope) error {
	for _, to := range members {
		if to == t.localID {
			continue
		}
		if err := t.hub.deliver(to, env); err != nil {
			return err
		}
	}
	return nil
}

// SendJoin delivers a join announcement to the target endpoint.
func (t *MemoryTransport) SendJoin(ctx context.Context, to types.NodeID, join *JoinAnnouncement) error {
	if to == t.localID {
		return ErrSelfDial
	}
	return t.hub.deliverJoin(to, join)
}

// BroadcastJoin delivers a join announcement to every listed endpoint
// except the local one.
func (t *MemoryTransport) BroadcastJoin(ctx context.Context, members []types.NodeID, join *JoinAnnouncement) error {
	for _, to := range members {
		if to == t.localID {
			continue
		}
		if err := t.hub.deliverJoin(to, join); err != nil {
			return err
		}
	}
	return nil
}
