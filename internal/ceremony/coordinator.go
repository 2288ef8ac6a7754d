package ceremony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"threshold-federation/internal/logger"
	"threshold-federation/internal/metrics"
	"threshold-federation/internal/network"
	"threshold-federation/internal/storage"
	"threshold-federation/internal/types"
)

const outboundBuffer = 64

// InitiateOptions carries the kind-specific inputs of a ceremony.
type InitiateOptions struct {
	// TxID and Message are set for signing ceremonies.
	TxID    types.TxID
	Message []byte
	// Presignature selects the fast signing path when non-nil.
	Presignature []byte
	// BatchSize is the unit count for presign ceremonies.
	BatchSize int
}

// Coordinator drives ceremonies end to end: the initiator side creates
// the record, broadcasts the join announcement over the side channel and
// assembles the participant set; the participant side answers
// announcements and runs the same engine. Both sides route messages
// through the Router.
type Coordinator struct {
	cfg       *types.Config
	store     storage.Store
	transport network.Transport
	joinCh    network.JoinChannel
	router    *Router
	engine    Engine
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu      sync.Mutex
	waiters map[types.SessionID]chan types.NodeID

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewCoordinator creates a ceremony coordinator.
func NewCoordinator(cfg *types.Config, store storage.Store, transport network.Transport,
	joinCh network.JoinChannel, router *Router, engine Engine, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		transport: transport,
		joinCh:    joinCh,
		router:    router,
		engine:    engine,
		metrics:   m,
		log:       logger.Component("ceremony"),
		waiters:   make(map[types.SessionID]chan types.NodeID),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the join announcement loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.joinLoop()
}

// Stop shuts the coordinator down and waits for in-flight participant
// runs to finish.
func (c *Coordinator) Stop() {
	c.stopped.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// Initiate creates and leads a ceremony of the given kind across the
// whole federation. It blocks until the ceremony completes, is
// abandoned, or ctx expires.
func (c *Coordinator) Initiate(ctx context.Context, kind types.CeremonyKind, opts InitiateOptions) (*Result, error) {
	sessionID := types.NewSessionID()
	participants := c.cfg.Federation.MemberIDs()
	now := time.Now()

	cer := &types.Ceremony{
		SessionID:    sessionID,
		Kind:         kind,
		Participants: participants,
		Threshold:    c.cfg.Federation.Threshold,
		Joined:       map[types.NodeID]bool{c.cfg.Node.ID: true},
		State:        types.CeremonyJoining,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.PutCeremony(ctx, cer); err != nil {
		return nil, fmt.Errorf("failed to persist ceremony record: %w", err)
	}
	c.metrics.CeremoniesStarted.WithLabelValues(kind.String()).Inc()

	acks := make(chan types.NodeID, len(participants))
	c.mu.Lock()
	c.waiters[sessionID] = acks
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, sessionID)
		c.mu.Unlock()
	}()

	join := &network.JoinAnnouncement{
		SessionID:    sessionID,
		Kind:         kind,
		From:         c.cfg.Node.ID,
		Participants: participants,
		Threshold:    c.cfg.Federation.Threshold,
		TxID:         opts.TxID,
		Message:      opts.Message,
		BatchSize:    opts.BatchSize,
		SentAt:       now,
	}
	if err := c.joinCh.BroadcastJoin(ctx, participants, join); err != nil {
		// Some members may still have received the announcement; keep
		// waiting for acks and let the timeout decide.
		c.log.Warn().Err(err).Str("session", sessionID.String()).Msg("join broadcast partially failed")
	}

	if err := c.collectJoins(ctx, cer, acks); err != nil {
		c.abandon(ctx, cer)
		return nil, err
	}

	cer.State = types.CeremonyRunning
	cer.UpdatedAt = time.Now()
	if err := c.store.PutCeremony(ctx, cer); err != nil {
		return nil, fmt.Errorf("failed to persist ceremony record: %w", err)
	}

	result, err := c.runEngine(ctx, cer, opts)
	if err != nil {
		c.abandon(ctx, cer)
		return nil, err
	}

	if err := c.persistResult(ctx, cer, result); err != nil {
		c.abandon(ctx, cer)
		return nil, err
	}

	cer.State = types.CeremonyCompleted
	cer.UpdatedAt = time.Now()
	if err := c.store.PutCeremony(ctx, cer); err != nil {
		return nil, fmt.Errorf("failed to persist ceremony record: %w", err)
	}

	c.metrics.CeremoniesCompleted.WithLabelValues(cer.Kind.String()).Inc()
	c.metrics.CeremonyDuration.WithLabelValues(cer.Kind.String()).
		Observe(time.Since(cer.CreatedAt).Seconds())
	return result, nil
}

// collectJoins waits until every participant has acknowledged the
// announcement or the join timeout lapses.
func (c *Coordinator) collectJoins(ctx context.Context, cer *types.Ceremony, acks <-chan types.NodeID) error {
	timer := time.NewTimer(c.cfg.Ceremonies.JoinTimeout)
	defer timer.Stop()

	for cer.JoinedCount() < len(cer.Participants) {
		select {
		case node := <-acks:
			if !cer.HasParticipant(node) {
				c.log.Warn().
					Str("session", cer.SessionID.String()).
					Str("node", node.String()).
					Msg("join from non-participant ignored")
				continue
			}
			// Joins are idempotent; a repeated ack changes nothing.
			cer.Joined[node] = true
			cer.UpdatedAt = time.Now()
			if err := c.store.PutCeremony(ctx, cer); err != nil {
				return fmt.Errorf("failed to persist join: %w", err)
			}
		case <-timer.C:
			return &JoinTimeoutError{
				SessionID: cer.SessionID,
				Joined:    cer.JoinedCount(),
				Expected:  len(cer.Participants),
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrRouterClosed
		}
	}
	return nil
}

// joinLoop consumes inbound join announcements. Announcements for
// sessions this node initiated are acknowledgements; announcements for
// unknown sessions start a participant-side run.
func (c *Coordinator) joinLoop() {
	defer c.wg.Done()
	for {
		select {
		case join, ok := <-c.joinCh.Joins():
			if !ok {
				return
			}
			c.handleJoin(join)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) handleJoin(join *network.JoinAnnouncement) {
	c.mu.Lock()
	acks, initiated := c.waiters[join.SessionID]
	c.mu.Unlock()

	if initiated {
		select {
		case acks <- join.From:
		default:
		}
		return
	}

	ctx := context.Background()
	if existing, err := c.store.GetCeremony(ctx, join.SessionID); err == nil {
		// Already participating; record the join and move on.
		if existing.HasParticipant(join.From) && !existing.Joined[join.From] {
			existing.Joined[join.From] = true
			existing.UpdatedAt = time.Now()
			if err := c.store.PutCeremony(ctx, existing); err != nil {
				c.log.Error().Err(err).Str("session", join.SessionID.String()).Msg("failed to persist join")
			}
		}
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.participate(join)
	}()
}

// participate runs the participant side of an announced ceremony.
func (c *Coordinator) participate(join *network.JoinAnnouncement) {
	ctx, cancel := context.WithTimeout(context.Background(),
		c.cfg.Ceremonies.JoinTimeout+c.cfg.Ceremonies.CollectTimeout)
	defer cancel()

	log := c.log.With().
		Str("session", join.SessionID.String()).
		Str("kind", join.Kind.String()).
		Logger()

	cer := &types.Ceremony{
		SessionID:    join.SessionID,
		Kind:         join.Kind,
		Participants: join.Participants,
		Threshold:    join.Threshold,
		Joined: map[types.NodeID]bool{
			join.From:     true,
			c.cfg.Node.ID: true,
		},
		State:     types.CeremonyJoining,
		CreatedAt: join.SentAt,
		UpdatedAt: time.Now(),
	}

	if !cer.HasParticipant(c.cfg.Node.ID) {
		log.Warn().Msg("announcement does not include the local node")
		return
	}

	if err := c.store.PutCeremony(ctx, cer); err != nil {
		log.Error().Err(err).Msg("failed to persist ceremony record")
		return
	}
	c.metrics.CeremoniesStarted.WithLabelValues(join.Kind.String()).Inc()

	ack := &network.JoinAnnouncement{
		SessionID:    join.SessionID,
		Kind:         join.Kind,
		From:         c.cfg.Node.ID,
		Participants: join.Participants,
		Threshold:    join.Threshold,
		SentAt:       time.Now(),
	}
	if err := c.joinCh.SendJoin(ctx, join.From, ack); err != nil {
		log.Error().Err(err).Msg("failed to acknowledge join")
		c.abandon(ctx, cer)
		return
	}

	cer.State = types.CeremonyRunning
	cer.UpdatedAt = time.Now()
	if err := c.store.PutCeremony(ctx, cer); err != nil {
		log.Error().Err(err).Msg("failed to persist ceremony record")
		return
	}

	result, err := c.runEngine(ctx, cer, InitiateOptions{
		TxID:      join.TxID,
		Message:   join.Message,
		BatchSize: join.BatchSize,
	})
	if err != nil {
		log.Error().Err(err).Msg("ceremony run failed")
		c.abandon(ctx, cer)
		return
	}

	if err := c.persistResult(ctx, cer, result); err != nil {
		log.Error().Err(err).Msg("failed to persist ceremony result")
		c.abandon(ctx, cer)
		return
	}

	cer.State = types.CeremonyCompleted
	cer.UpdatedAt = time.Now()
	if err := c.store.PutCeremony(ctx, cer); err != nil {
		log.Error().Err(err).Msg("failed to persist ceremony record")
		return
	}

	c.metrics.CeremoniesCompleted.WithLabelValues(cer.Kind.String()).Inc()
	log.Info().Msg("ceremony completed")
}

// runEngine registers the session with the router, pumps outbound
// messages onto the transport and runs the engine to completion.
func (c *Coordinator) runEngine(ctx context.Context, cer *types.Ceremony, opts InitiateOptions) (*Result, error) {
	in, faults, err := c.router.Register(cer.SessionID)
	if err != nil {
		return nil, err
	}
	defer c.router.Unregister(cer.SessionID)

	params, err := c.buildParams(ctx, cer, opts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Ceremonies.CollectTimeout)
	defer cancel()

	out := make(chan *types.ProtocolMessage, outboundBuffer)
	pumpDone := make(chan struct{})
	go c.pumpOutbound(runCtx, cer, out, pumpDone)

	type engineResult struct {
		result *Result
		err    error
	}
	done := make(chan engineResult, 1)
	go func() {
		result, err := c.engine.Run(runCtx, params, out, in)
		// Closing out tells the pump there is nothing more coming; the
		// pump drains whatever the engine buffered before exiting.
		close(out)
		done <- engineResult{result: result, err: err}
	}()

	select {
	case res := <-done:
		// Wait for the pump to flush the engine's remaining messages
		// before tearing the session down. Cancelling first could strand
		// the final round message in the buffer.
		<-pumpDone
		if res.err != nil {
			if runCtx.Err() == context.DeadlineExceeded {
				return nil, &RoundTimeoutError{SessionID: cer.SessionID, Kind: cer.Kind}
			}
			return nil, fmt.Errorf("engine run failed: %w", res.err)
		}
		return res.result, nil
	case fault := <-faults:
		cancel()
		<-pumpDone
		<-done
		return nil, fault
	case <-runCtx.Done():
		<-pumpDone
		<-done
		return nil, &RoundTimeoutError{SessionID: cer.SessionID, Kind: cer.Kind}
	}
}

// pumpOutbound forwards engine messages to the transport, assigning the
// per-session sequence numbers. It runs until out is closed and drained;
// ctx cancellation only aborts it on the failure paths.
func (c *Coordinator) pumpOutbound(ctx context.Context, cer *types.Ceremony,
	out <-chan *types.ProtocolMessage, done chan<- struct{}) {
	defer close(done)

	var seq uint64
	for {
		select {
		case msg, ok := <-out:
			if !ok {
				return
			}
			seq++
			env := &network.Envelope{
				SessionID: cer.SessionID,
				From:      c.cfg.Node.ID,
				Seq:       seq,
				Broadcast: msg.IsBroadcast(),
				Payload:   msg.Payload,
			}

			var err error
			if msg.IsBroadcast() {
				err = c.transport.Broadcast(ctx, cer.Participants, env)
			} else {
				err = c.transport.Send(ctx, *msg.To, env)
			}
			if err != nil {
				c.log.Warn().Err(err).
					Str("session", cer.SessionID.String()).
					Uint64("seq", seq).
					Msg("outbound delivery failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildParams assembles the engine inputs, loading stored material for
// the kinds that need it.
func (c *Coordinator) buildParams(ctx context.Context, cer *types.Ceremony, opts InitiateOptions) (Params, error) {
	params := Params{
		SessionID:    cer.SessionID,
		Kind:         cer.Kind,
		Participants: cer.Participants,
		Threshold:    cer.Threshold,
		LocalNode:    c.cfg.Node.ID,
		LocalParty:   c.cfg.Node.ID.PartyIndex(),
		Message:      opts.Message,
		Presignature: opts.Presignature,
		BatchSize:    opts.BatchSize,
	}

	switch cer.Kind {
	case types.CeremonyAuxSetup, types.CeremonyPresign, types.CeremonySign:
		keyMat, err := c.store.LatestKeyMaterial(ctx)
		if err != nil {
			return Params{}, fmt.Errorf("key material unavailable: %w", err)
		}
		params.KeyMaterial = keyMat.Blob

		if cer.Kind == types.CeremonyPresign || cer.Kind == types.CeremonySign {
			auxMat, err := c.store.LatestAuxMaterial(ctx)
			if err != nil {
				return Params{}, fmt.Errorf("auxiliary material unavailable: %w", err)
			}
			params.AuxMaterial = auxMat.Blob
		}
	}

	return params, nil
}

// persistResult stores the engine output appropriate to the kind.
func (c *Coordinator) persistResult(ctx context.Context, cer *types.Ceremony, result *Result) error {
	now := time.Now()

	switch cer.Kind {
	case types.CeremonyKeyGen:
		return c.store.PutKeyMaterial(ctx, &types.KeyMaterial{
			NodeID:      c.cfg.Node.ID,
			CompletedAt: now,
			PartyCount:  len(cer.Participants),
			Blob:        result.KeyMaterial,
		})
	case types.CeremonyAuxSetup:
		return c.store.PutAuxMaterial(ctx, &types.AuxMaterial{
			NodeID:     c.cfg.Node.ID,
			SessionID:  cer.SessionID,
			PartyCount: len(cer.Participants),
			CreatedAt:  now,
			Blob:       result.AuxMaterial,
		})
	case types.CeremonyPresign:
		for i, blob := range result.Presignatures {
			unit := &types.PresignatureUnit{
				ID:        fmt.Sprintf("%s/%d", cer.SessionID, i),
				CreatedAt: now,
				ExpiresAt: now.Add(c.cfg.Pool.UnitTTL),
				Blob:      blob,
			}
			if err := c.store.PutPresignature(ctx, unit); err != nil {
				return err
			}
			c.metrics.PresignaturesCreated.Inc()
		}
		return nil
	case types.CeremonySign:
		// The signature travels back to the caller; the transaction
		// driver owns persisting it.
		return nil
	default:
		return fmt.Errorf("unknown ceremony kind %d", cer.Kind)
	}
}

func (c *Coordinator) abandon(ctx context.Context, cer *types.Ceremony) {
	cer.State = types.CeremonyAbandoned
	cer.UpdatedAt = time.Now()
	if err := c.store.PutCeremony(ctx, cer); err != nil {
		c.log.Error().Err(err).Str("session", cer.SessionID.String()).Msg("failed to mark ceremony abandoned")
	}
	c.metrics.CeremoniesAbandoned.WithLabelValues(cer.Kind.String()).Inc()
}
