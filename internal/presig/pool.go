// Package presig maintains the presignature pool: a stock of single-use
// signing material generated ahead of demand so transaction signing can
// skip the expensive presign rounds. One node at a time performs
// maintenance, chosen by round-robin leadership and fenced by a
// distributed lock.
package presig

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	uberatomic "go.uber.org/atomic"

	"threshold-federation/internal/ceremony"
	"threshold-federation/internal/election"
	"threshold-federation/internal/logger"
	"threshold-federation/internal/metrics"
	"threshold-federation/internal/storage"
	"threshold-federation/internal/types"
)

// maintenanceLockKey fences pool maintenance across the federation.
const maintenanceLockKey = "presig-pool-maintenance"

// CeremonyRunner is the slice of the ceremony coordinator the pool needs.
type CeremonyRunner interface {
	Initiate(ctx context.Context, kind types.CeremonyKind, opts ceremony.InitiateOptions) (*ceremony.Result, error)
}

// Pool owns the presignature inventory for this node.
type Pool struct {
	cfg      types.PoolConfig
	localID  types.NodeID
	store    storage.Store
	runner   CeremonyRunner
	election *election.LeaderElection
	locker   *election.Locker
	metrics  *metrics.Metrics
	log      zerolog.Logger

	// usable mirrors the last counted usable unit total for cheap reads.
	usable uberatomic.Int64

	// acquireMu serializes unit consumption so a unit is handed out at
	// most once per process.
	acquireMu sync.Mutex

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewPool creates the pool.
func NewPool(cfg types.PoolConfig, localID types.NodeID, store storage.Store,
	runner CeremonyRunner, le *election.LeaderElection, locker *election.Locker,
	m *metrics.Metrics) *Pool {
	return &Pool{
		cfg:      cfg,
		localID:  localID,
		store:    store,
		runner:   runner,
		election: le,
		locker:   locker,
		metrics:  m,
		log:      logger.Component("presig"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the maintenance loop.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.maintainLoop()
}

// Stop shuts the maintenance loop down.
func (p *Pool) Stop() {
	p.stopped.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
}

// Usable returns the last counted number of usable units.
func (p *Pool) Usable() int {
	return int(p.usable.Load())
}

// Stats is a point-in-time view of the pool inventory.
type Stats struct {
	Usable     int  `json:"usable"`
	MinSize    int  `json:"min_size"`
	TargetSize int  `json:"target_size"`
	MaxSize    int  `json:"max_size"`
	Healthy    bool `json:"healthy"`
	Critical   bool `json:"critical"`
}

// Stats reports the inventory against its configured watermarks. Healthy
// means the stock is at or above the minimum; critical means signing has
// no fast path left at all.
func (p *Pool) Stats() Stats {
	usable := int(p.usable.Load())
	return Stats{
		Usable:     usable,
		MinSize:    p.cfg.MinSize,
		TargetSize: p.cfg.TargetSize,
		MaxSize:    p.cfg.MaxSize,
		Healthy:    usable >= p.cfg.MinSize,
		Critical:   usable == 0,
	}
}

// AcquireOne hands out one usable unit and marks it consumed before
// returning. A consumed unit is never handed out again.
func (p *Pool) AcquireOne(ctx context.Context) (*types.PresignatureUnit, error) {
	p.acquireMu.Lock()
	defer p.acquireMu.Unlock()

	units, err := p.store.ListPresignatures(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, unit := range units {
		if unit.Consumed || unit.Expired(now) {
			continue
		}
		unit.Consumed = true
		if err := p.store.PutPresignature(ctx, unit); err != nil {
			return nil, err
		}
		p.metrics.PresignaturesUsed.Inc()
		p.usable.Dec()
		p.metrics.PoolSize.Set(float64(p.usable.Load()))
		return unit, nil
	}
	return nil, ErrPoolEmpty
}

func (p *Pool) maintainLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintainInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			p.maintainTick(now)
		case <-p.stopCh:
			return
		}
	}
}

// maintainTick runs one maintenance round if this node currently leads.
func (p *Pool) maintainTick(now time.Time) {
	round := election.RoundAt(now, p.cfg.MaintainInterval)
	if !p.election.IsLeader(p.localID, round) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.MaintainInterval)
	defer cancel()

	err := p.locker.WithLock(ctx, maintenanceLockKey, func(ctx context.Context) error {
		return p.maintain(ctx, now, false)
	})
	if err != nil {
		if err == storage.ErrLockHeld {
			p.log.Debug().Msg("maintenance lock held elsewhere, skipping round")
			return
		}
		p.log.Error().Err(err).Msg("pool maintenance failed")
	}
}

// Maintain runs one priming pass: purge expired units, count the usable
// stock and top it up toward the target regardless of the minimum
// watermark. Exported for the startup path, which runs one pass before
// the loop starts ticking.
func (p *Pool) Maintain(ctx context.Context) error {
	return p.locker.WithLock(ctx, maintenanceLockKey, func(ctx context.Context) error {
		return p.maintain(ctx, time.Now(), true)
	})
}

// maintain replenishes the pool. The periodic loop only generates once
// the stock falls below the minimum watermark; a forced pass tops up
// toward the target unconditionally.
func (p *Pool) maintain(ctx context.Context, now time.Time, force bool) error {
	usable, err := p.purgeAndCount(ctx, now)
	if err != nil {
		return err
	}

	if usable >= p.cfg.TargetSize {
		return nil
	}
	if !force && usable >= p.cfg.MinSize {
		return nil
	}

	if err := p.checkMaterialCompatibility(ctx); err != nil {
		return err
	}

	batch := p.cfg.TargetSize - usable
	if batch > p.cfg.BatchCap {
		batch = p.cfg.BatchCap
	}
	if max := p.cfg.MaxSize - usable; batch > max {
		batch = max
	}
	if batch <= 0 {
		return nil
	}

	p.log.Info().
		Int("usable", usable).
		Int("batch", batch).
		Msg("replenishing presignature pool")

	if _, err := p.runner.Initiate(ctx, types.CeremonyPresign, ceremony.InitiateOptions{
		BatchSize: batch,
	}); err != nil {
		return err
	}

	// Recount after the ceremony persisted the new units.
	_, err = p.purgeAndCount(ctx, time.Now())
	return err
}

// purgeAndCount deletes expired units and returns the usable total.
func (p *Pool) purgeAndCount(ctx context.Context, now time.Time) (int, error) {
	units, err := p.store.ListPresignatures(ctx)
	if err != nil {
		return 0, err
	}

	usable := 0
	for _, unit := range units {
		switch {
		case unit.Expired(now):
			if err := p.store.DeletePresignature(ctx, unit.ID); err != nil {
				return 0, err
			}
			p.metrics.PresignaturesExpired.Inc()
		case !unit.Consumed:
			usable++
		}
	}

	p.usable.Store(int64(usable))
	p.metrics.PoolSize.Set(float64(usable))
	return usable, nil
}

// checkMaterialCompatibility fails fast when the stored key and auxiliary
// material disagree on the federation size.
func (p *Pool) checkMaterialCompatibility(ctx context.Context) error {
	keyMat, err := p.store.LatestKeyMaterial(ctx)
	if err != nil {
		return err
	}
	auxMat, err := p.store.LatestAuxMaterial(ctx)
	if err != nil {
		return err
	}
	if keyMat.PartyCount != auxMat.PartyCount {
		return &PartyCountMismatchError{
			KeyCount: keyMat.PartyCount,
			AuxCount: auxMat.PartyCount,
		}
	}
	return nil
}
