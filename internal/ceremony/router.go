package ceremony

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"threshold-federation/internal/logger"
	"threshold-federation/internal/metrics"
	"threshold-federation/internal/network"
	"threshold-federation/internal/types"
)

const (
	sessionInBuffer = 256
	// maxPendingPerSession bounds how many early envelopes a not-yet
	// registered session may accumulate.
	maxPendingPerSession = 1024
	janitorInterval      = time.Second
)

// Router demultiplexes inbound envelopes into per-session message
// channels. Envelopes for sessions that are not registered yet are
// buffered and replayed in arrival order on registration; buffers that
// outlive the round timeout are dropped. A repeated (session, sender,
// sequence) triple is a fatal routing fault for that ceremony.
type Router struct {
	localID   types.NodeID
	transport network.Transport
	bufferTTL time.Duration
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[types.SessionID]*session
	pending  map[types.SessionID]*pendingBuffer

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

type session struct {
	in     chan *types.ProtocolMessage
	faults chan error
	seen   map[seenKey]struct{}
}

type seenKey struct {
	from types.NodeID
	seq  uint64
}

type pendingBuffer struct {
	deadline  time.Time
	envelopes []*network.Envelope
}

// NewRouter creates a router reading from the given transport.
func NewRouter(localID types.NodeID, transport network.Transport, bufferTTL time.Duration, m *metrics.Metrics) *Router {
	return &Router{
		localID:   localID,
		transport: transport,
		bufferTTL: bufferTTL,
		metrics:   m,
		log:       logger.Component("router"),
		sessions:  make(map[types.SessionID]*session),
		pending:   make(map[types.SessionID]*pendingBuffer),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the receive and janitor loops.
func (r *Router) Start() {
	r.wg.Add(2)
	go r.recvLoop()
	go r.janitorLoop()
}

// Stop shuts the router down and waits for its loops to exit.
func (r *Router) Stop() {
	r.stopped.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

// Register creates the message channels for a session and replays any
// buffered envelopes in their original arrival order.
func (r *Router) Register(sessionID types.SessionID) (<-chan *types.ProtocolMessage, <-chan error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return nil, nil, ErrSessionExists
	}

	s := &session{
		in:     make(chan *types.ProtocolMessage, sessionInBuffer),
		faults: make(chan error, 1),
		seen:   make(map[seenKey]struct{}),
	}
	r.sessions[sessionID] = s

	if buf, ok := r.pending[sessionID]; ok {
		delete(r.pending, sessionID)
		for _, env := range buf.envelopes {
			r.metrics.BufferedMessages.Dec()
			r.deliverLocked(s, env)
		}
	}

	return s.in, s.faults, nil
}

// Unregister removes a session. Later envelopes for the session id are
// treated as unknown again and buffered until their TTL lapses.
func (r *Router) Unregister(sessionID types.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *Router) recvLoop() {
	defer r.wg.Done()
	for {
		select {
		case env, ok := <-r.transport.Receive():
			if !ok {
				return
			}
			r.dispatch(env)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Router) dispatch(env *network.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[env.SessionID]
	if !ok {
		r.bufferLocked(env)
		return
	}
	r.deliverLocked(s, env)
}

// deliverLocked performs duplicate detection and hands the message to the
// session channel. Callers hold r.mu; the channel buffer absorbs the send.
func (r *Router) deliverLocked(s *session, env *network.Envelope) {
	key := seenKey{from: env.From, seq: env.Seq}
	if _, dup := s.seen[key]; dup {
		fault := &DuplicateMessageError{SessionID: env.SessionID, From: env.From, Seq: env.Seq}
		r.log.Error().
			Str("session", env.SessionID.String()).
			Str("from", env.From.String()).
			Uint64("seq", env.Seq).
			Msg("duplicate protocol message")
		select {
		case s.faults <- fault:
		default:
		}
		return
	}
	s.seen[key] = struct{}{}

	msg := &types.ProtocolMessage{
		SessionID: env.SessionID,
		From:      env.From,
		Seq:       env.Seq,
		Payload:   env.Payload,
	}
	if !env.Broadcast {
		to := r.localID
		msg.To = &to
	}

	select {
	case s.in <- msg:
	default:
		// A full session channel means the engine stalled past the
		// buffer; dropping here would corrupt the round, so block.
		select {
		case s.in <- msg:
		case <-r.stopCh:
		}
	}
}

func (r *Router) bufferLocked(env *network.Envelope) {
	buf, ok := r.pending[env.SessionID]
	if !ok {
		buf = &pendingBuffer{deadline: time.Now().Add(r.bufferTTL)}
		r.pending[env.SessionID] = buf
	}
	if len(buf.envelopes) >= maxPendingPerSession {
		r.log.Warn().
			Str("session", env.SessionID.String()).
			Msg("pending buffer full, dropping envelope")
		return
	}
	buf.envelopes = append(buf.envelopes, env)
	r.metrics.BufferedMessages.Inc()
}

func (r *Router) janitorLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.purgeExpired(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Router) purgeExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, buf := range r.pending {
		if now.After(buf.deadline) {
			for range buf.envelopes {
				r.metrics.BufferedMessages.Dec()
			}
			delete(r.pending, id)
			r.log.Debug().
				Str("session", id.String()).
				Int("dropped", len(buf.envelopes)).
				Msg("dropped expired pending buffer")
		}
	}
}
