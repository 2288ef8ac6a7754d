package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"threshold-federation/internal/election"
	"threshold-federation/internal/keys"
	"threshold-federation/internal/logger"
	"threshold-federation/internal/metrics"
	"threshold-federation/internal/storage"
	"threshold-federation/internal/types"
)

// Signer produces the combined signature for an approved transaction.
type Signer interface {
	Sign(ctx context.Context, txID types.TxID, payload []byte) ([]byte, error)
}

// Voter decides this node's own vote when a round opens. A nil Voter
// means the node only tallies externally submitted votes.
type Voter interface {
	Vote(txID types.TxID, payload []byte) (*types.Vote, error)
}

// AutoApprover approves every observed transaction with the node's
// identity key.
type AutoApprover struct {
	Signer *keys.Signer
}

// Vote signs an approval for the transaction.
func (a AutoApprover) Vote(txID types.TxID, payload []byte) (*types.Vote, error) {
	return a.Signer.SignVote(txID, true)
}

// Driver is the background engine of the transaction lifecycle. Each
// poll it opens voting for newly observed transactions, expires stale
// vote rounds, pushes approved transactions into signing, and sweeps
// signing runs that stalled. Approved transactions enter signing only
// here, fenced by a per-transaction distributed lock.
type Driver struct {
	cfg       types.ConsensusConfig
	threshold int
	store     storage.Store
	votes     *VoteProcessor
	signer    Signer
	voter     Voter
	locker    *election.Locker
	metrics   *metrics.Metrics
	log       zerolog.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewDriver creates a lifecycle driver.
func NewDriver(cfg types.ConsensusConfig, threshold int, store storage.Store,
	votes *VoteProcessor, signer Signer, voter Voter,
	locker *election.Locker, m *metrics.Metrics) *Driver {
	return &Driver{
		cfg:       cfg,
		threshold: threshold,
		store:     store,
		votes:     votes,
		signer:    signer,
		voter:     voter,
		locker:    locker,
		metrics:   m,
		log:       logger.Component("driver"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the poll loop.
func (d *Driver) Start() {
	d.wg.Add(1)
	go d.pollLoop()
}

// Stop shuts the driver down.
func (d *Driver) Stop() {
	d.stopped.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
}

// Observe registers a newly seen transaction in Pending state.
func (d *Driver) Observe(ctx context.Context, txID types.TxID, payload []byte) error {
	if _, err := d.store.GetTransaction(ctx, txID); err == nil {
		return ErrTransactionExists
	} else if err != storage.ErrNotFound {
		return err
	}

	return d.store.PutTransaction(ctx, &types.Transaction{
		TxID:      txID,
		State:     types.TxPending,
		Payload:   payload,
		Threshold: d.threshold,
		UpdatedAt: time.Now(),
	})
}

// SubmitVote feeds an external vote into the tally.
func (d *Driver) SubmitVote(ctx context.Context, vote *types.Vote) error {
	return d.votes.Process(ctx, vote)
}

func (d *Driver) pollLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PollInterval*4)
			d.Tick(ctx)
			cancel()
		case <-d.stopCh:
			return
		}
	}
}

// Tick runs one full pass of the four sweeps. Exported so tests and the
// startup path can drive the lifecycle deterministically.
func (d *Driver) Tick(ctx context.Context) {
	if err := d.openVoting(ctx); err != nil {
		d.log.Error().Err(err).Msg("opening vote rounds failed")
	}
	if err := d.expireVoting(ctx); err != nil {
		d.log.Error().Err(err).Msg("expiring vote rounds failed")
	}
	if err := d.driveSigning(ctx); err != nil {
		d.log.Error().Err(err).Msg("driving signing failed")
	}
	if err := d.sweepStuckSigning(ctx); err != nil {
		d.log.Error().Err(err).Msg("sweeping stuck signing failed")
	}
}

// openVoting moves Pending transactions into Voting and casts this
// node's own approval.
func (d *Driver) openVoting(ctx context.Context) error {
	pending, err := d.store.ListTransactionsByState(ctx, types.TxPending)
	if err != nil {
		return err
	}

	for _, tx := range pending {
		if _, err := d.transition(ctx, tx.TxID, types.TxPending, types.TxVoting, func(tx *types.Transaction) {
			tx.VotingOpenedAt = time.Now()
		}); err != nil {
			if storage.IsStateConflict(err) {
				continue
			}
			return err
		}
		d.log.Info().Str("tx", string(tx.TxID)).Msg("vote round opened")

		// Votes that arrived while the transaction was still pending were
		// stored but never tallied; count them now.
		if err := d.votes.tally(ctx, tx.TxID); err != nil {
			return err
		}

		if d.voter == nil {
			continue
		}
		vote, err := d.voter.Vote(tx.TxID, tx.Payload)
		if err != nil {
			return err
		}
		if err := d.votes.Process(ctx, vote); err != nil {
			d.log.Warn().Err(err).Str("tx", string(tx.TxID)).Msg("local vote not counted")
		}
	}
	return nil
}

// expireVoting rejects transactions whose vote round outlived the
// deadline without reaching the threshold.
func (d *Driver) expireVoting(ctx context.Context) error {
	voting, err := d.store.ListTransactionsByState(ctx, types.TxVoting)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-d.cfg.VoteDeadline)
	for _, tx := range voting {
		// The deadline runs from the round opening; tally writes bump
		// UpdatedAt and must not extend it.
		if tx.VotingOpenedAt.After(cutoff) {
			continue
		}
		if _, err := d.transition(ctx, tx.TxID, types.TxVoting, types.TxRejected, nil); err != nil {
			if storage.IsStateConflict(err) {
				continue
			}
			return err
		}
		d.log.Warn().Str("tx", string(tx.TxID)).Msg("vote round expired, transaction rejected")
	}
	return nil
}

// driveSigning moves Approved transactions through a signing attempt,
// one at a time, each fenced by its own distributed lock.
func (d *Driver) driveSigning(ctx context.Context) error {
	approved, err := d.store.ListTransactionsByState(ctx, types.TxApproved)
	if err != nil {
		return err
	}

	for _, tx := range approved {
		err := d.locker.WithLock(ctx, "signing/"+string(tx.TxID), func(ctx context.Context) error {
			return d.signOne(ctx, tx)
		})
		if err != nil {
			if err == storage.ErrLockHeld {
				continue
			}
			d.log.Error().Err(err).Str("tx", string(tx.TxID)).Msg("signing attempt failed")
		}
	}
	return nil
}

func (d *Driver) signOne(ctx context.Context, tx *types.Transaction) error {
	current, err := d.transition(ctx, tx.TxID, types.TxApproved, types.TxSigning, nil)
	if err != nil {
		if storage.IsStateConflict(err) {
			return nil
		}
		return err
	}

	signature, err := d.signer.Sign(ctx, current.TxID, current.Payload)
	if err != nil {
		d.log.Warn().Err(err).
			Str("tx", string(tx.TxID)).
			Int("retry", current.RetryCount).
			Msg("signing failed, rolling back to approved")
		return d.rollback(ctx, tx.TxID)
	}

	_, err = d.transition(ctx, tx.TxID, types.TxSigning, types.TxSigned, func(tx *types.Transaction) {
		tx.SignedArtifact = signature
	})
	if err != nil {
		return err
	}
	d.log.Info().Str("tx", string(tx.TxID)).Msg("transaction signed")
	return nil
}

// rollback returns a failed signing run to Approved, counting the retry.
// A transaction past the retry cap is rejected instead of retried.
func (d *Driver) rollback(ctx context.Context, txID types.TxID) error {
	updated, err := d.transition(ctx, txID, types.TxSigning, types.TxApproved, func(tx *types.Transaction) {
		tx.RetryCount++
	})
	if err != nil {
		return err
	}

	if updated.RetryCount > d.cfg.RetryCap {
		if _, err := d.transition(ctx, txID, types.TxApproved, types.TxRejected, nil); err != nil {
			return err
		}
		d.log.Error().
			Str("tx", string(txID)).
			Int("retries", updated.RetryCount).
			Msg("retry cap exceeded, transaction rejected")
	}
	return nil
}

// sweepStuckSigning rolls back signing runs that have made no progress
// past the stuck threshold, typically after a crash mid-ceremony.
func (d *Driver) sweepStuckSigning(ctx context.Context) error {
	signing, err := d.store.ListTransactionsByState(ctx, types.TxSigning)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-d.cfg.StuckThreshold)
	for _, tx := range signing {
		if tx.UpdatedAt.After(cutoff) {
			continue
		}
		d.log.Warn().Str("tx", string(tx.TxID)).Msg("signing stuck, rolling back")
		if err := d.rollback(ctx, tx.TxID); err != nil && !storage.IsStateConflict(err) {
			return err
		}
	}
	return nil
}

// transition applies a validated lifecycle transition via CAS.
func (d *Driver) transition(ctx context.Context, txID types.TxID,
	from, to types.TransactionState, extra func(*types.Transaction)) (*types.Transaction, error) {
	if err := ValidateTransition(txID, from, to); err != nil {
		return nil, err
	}
	return d.store.UpdateTransaction(ctx, txID, from, func(tx *types.Transaction) {
		tx.State = to
		if extra != nil {
			extra(tx)
		}
		tx.UpdatedAt = time.Now()
	})
}
