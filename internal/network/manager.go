package network

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/libp2p/go-libp2p/core/host"
	corenetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"threshold-federation/internal/logger"
	"threshold-federation/internal/types"
)

const (
	// ProtocolCeremony carries protocol message envelopes.
	ProtocolCeremony = protocol.ID("/threshold-federation/ceremony/1.0.0")
	// ProtocolJoin carries ceremony join announcements, independent of
	// the envelope streams.
	ProtocolJoin = protocol.ID("/threshold-federation/join/1.0.0")

	recvBuffer = 256
	joinBuffer = 64
)

// member is one remote federation node resolved from configuration.
type member struct {
	nodeID types.NodeID
	peerID peer.ID
	addrs  []multiaddr.Multiaddr
}

// Manager is the libp2p-backed Transport and JoinChannel. Each outbound
// message opens a short-lived stream; inbound streams are drained until
// EOF and fanned into the receive channels.
type Manager struct {
	localID types.NodeID
	config  *types.NetworkConfig
	host    host.Host
	members map[types.NodeID]*member

	recv  chan *Envelope
	joins chan *JoinAnnouncement

	started bool
	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup

	log zerolog.Logger
}

var (
	_ Transport   = (*Manager)(nil)
	_ JoinChannel = (*Manager)(nil)
)

// NewManager creates a transport from the node and federation
// configuration. Remote peer identities are derived from the members'
// Ed25519 public keys.
func NewManager(config *types.Config) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	privateKey, err := ConvertPrivateKeyFromBase64(config.Node.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key: %w", err)
	}

	h, err := newHost(&config.Network, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	members := make(map[types.NodeID]*member)
	for _, m := range config.Federation.Members {
		if m.ID == config.Node.ID {
			continue
		}

		peerID, err := PeerIDFromPublicKeyBase64(m.PublicKey)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("member %s: %w", m.ID, err)
		}

		var addrs []multiaddr.Multiaddr
		for _, addrStr := range m.Addresses {
			addr, err := multiaddr.NewMultiaddr(addrStr)
			if err != nil {
				h.Close()
				return nil, fmt.Errorf("member %s address %q: %w", m.ID, addrStr, err)
			}
			addrs = append(addrs, addr)
		}

		members[m.ID] = &member{nodeID: m.ID, peerID: peerID, addrs: addrs}
	}

	return &Manager{
		localID: config.Node.ID,
		config:  &config.Network,
		host:    h,
		members: members,
		recv:    make(chan *Envelope, recvBuffer),
		joins:   make(chan *JoinAnnouncement, joinBuffer),
		stopCh:  make(chan struct{}),
		log:     logger.Component("network"),
	}, nil
}

// Start registers the stream handlers and seeds the peerstore with the
// federation members' addresses.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	for _, mem := range m.members {
		m.host.Peerstore().AddAddrs(mem.peerID, mem.addrs, peerstore.PermanentAddrTTL)
	}

	m.host.SetStreamHandler(ProtocolCeremony, m.handleCeremonyStream)
	m.host.SetStreamHandler(ProtocolJoin, m.handleJoinStream)

	m.started = true
	m.log.Info().
		Str("peer_id", m.host.ID().String()).
		Int("members", len(m.members)).
		Msg("transport started")

	return nil
}

// Close stops the transport and closes the receive channels.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	m.started = false

	m.host.RemoveStreamHandler(ProtocolCeremony)
	m.host.RemoveStreamHandler(ProtocolJoin)

	close(m.stopCh)
	err := m.host.Close()
	m.wg.Wait()
	close(m.recv)
	close(m.joins)
	return err
}

// Receive returns the inbound envelope channel.
func (m *Manager) Receive() <-chan *Envelope {
	return m.recv
}

// Joins returns the inbound join announcement channel.
func (m *Manager) Joins() <-chan *JoinAnnouncement {
	return m.joins
}

// Send delivers an envelope to a single federation member.
func (m *Manager) Send(ctx context.Context, to types.NodeID, env *Envelope) error {
	stream, err := m.openStream(ctx, to, ProtocolCeremony)
	if err != nil {
		return &DeliveryError{To: to, Cause: err}
	}
	defer stream.Close()

	if err := WriteEnvelope(stream, env); err != nil {
		stream.Reset()
		return &DeliveryError{To: to, Cause: err}
	}
	return nil
}

// Broadcast delivers an envelope to every listed member except the local
// node. All deliveries are attempted; failures are aggregated.
func (m *Manager) Broadcast(ctx context.Context, members []types.NodeID, env *Envelope) error {
	var result *multierror.Error
	for _, to := range members {
		if to == m.localID {
			continue
		}
		if err := m.Send(ctx, to, env); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SendJoin delivers a join announcement to a single member.
func (m *Manager) SendJoin(ctx context.Context, to types.NodeID, join *JoinAnnouncement) error {
	stream, err := m.openStream(ctx, to, ProtocolJoin)
	if err != nil {
		return &DeliveryError{To: to, Cause: err}
	}
	defer stream.Close()

	if err := WriteJoin(stream, join); err != nil {
		stream.Reset()
		return &DeliveryError{To: to, Cause: err}
	}
	return nil
}

// BroadcastJoin delivers a join announcement to every listed member
// except the local node.
func (m *Manager) BroadcastJoin(ctx context.Context, members []types.NodeID, join *JoinAnnouncement) error {
	var result *multierror.Error
	for _, to := range members {
		if to == m.localID {
			continue
		}
		if err := m.SendJoin(ctx, to, join); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// openStream opens a stream to the member, retrying the dial with
// exponential backoff until the context expires.
func (m *Manager) openStream(ctx context.Context, to types.NodeID, proto protocol.ID) (corenetwork.Stream, error) {
	if to == m.localID {
		return nil, ErrSelfDial
	}
	mem, ok := m.members[to]
	if !ok {
		return nil, ErrUnknownMember
	}

	var stream corenetwork.Stream
	operation := func() error {
		var err error
		stream, err = m.host.NewStream(ctx, mem.peerID, proto)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return stream, nil
}

// handleCeremonyStream drains envelopes from an inbound stream until EOF.
func (m *Manager) handleCeremonyStream(stream corenetwork.Stream) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stream.Close()

		for {
			env, err := ReadEnvelope(stream)
			if err != nil {
				if err != io.EOF {
					m.log.Warn().Err(err).Msg("ceremony stream read failed")
					stream.Reset()
				}
				return
			}

			select {
			case m.recv <- env:
			case <-m.stopCh:
				return
			}
		}
	}()
}

// handleJoinStream drains join announcements from an inbound stream.
func (m *Manager) handleJoinStream(stream corenetwork.Stream) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer stream.Close()

		for {
			join, err := ReadJoin(stream)
			if err != nil {
				if err != io.EOF {
					m.log.Warn().Err(err).Msg("join stream read failed")
					stream.Reset()
				}
				return
			}

			select {
			case m.joins <- join:
			case <-m.stopCh:
				return
			}
		}
	}()
}
