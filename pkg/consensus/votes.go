package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"threshold-federation/internal/keys"
	"threshold-federation/internal/logger"
	"threshold-federation/internal/metrics"
	"threshold-federation/internal/storage"
	"threshold-federation/internal/types"
)

// VoteProcessor validates, records and tallies votes. Votes are
// append-only per (transaction, voter): a repeated identical vote is a
// no-op, a conflicting one is a Byzantine violation and never changes
// the tally.
type VoteProcessor struct {
	store      storage.Store
	federation types.FederationConfig
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// NewVoteProcessor creates a vote processor over the federation
// membership.
func NewVoteProcessor(store storage.Store, federation types.FederationConfig, m *metrics.Metrics) *VoteProcessor {
	return &VoteProcessor{
		store:      store,
		federation: federation,
		metrics:    m,
		log:        logger.Component("votes"),
	}
}

// Process handles one inbound vote: membership check, signature check,
// duplicate and conflict detection, then the tally. A transaction whose
// distinct approvals reach the threshold moves to Approved.
func (p *VoteProcessor) Process(ctx context.Context, vote *types.Vote) error {
	member := p.member(vote.NodeID)
	if member == nil {
		p.metrics.VotesReceived.WithLabelValues("invalid").Inc()
		return ErrNotMember
	}

	if err := keys.VerifyVote(vote, member.PublicKey); err != nil {
		p.metrics.VotesReceived.WithLabelValues("invalid").Inc()
		return fmt.Errorf("vote rejected: %w", err)
	}

	existing, err := p.store.GetVote(ctx, vote.TxID, vote.NodeID)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if existing != nil {
		if existing.Approve == vote.Approve {
			p.metrics.VotesReceived.WithLabelValues("duplicate").Inc()
			return nil
		}
		p.metrics.ByzantineViolations.Inc()
		p.log.Error().
			Str("tx", string(vote.TxID)).
			Str("node", vote.NodeID.String()).
			Bool("first", existing.Approve).
			Bool("second", vote.Approve).
			Msg("conflicting votes detected")
		return &ByzantineVoteError{TxID: vote.TxID, NodeID: vote.NodeID}
	}

	if vote.Timestamp.IsZero() {
		vote.Timestamp = time.Now()
	}
	if err := p.store.PutVote(ctx, vote); err != nil {
		return err
	}
	p.metrics.VotesReceived.WithLabelValues("counted").Inc()

	return p.tally(ctx, vote.TxID)
}

// tally recounts distinct approvals and advances the transaction when
// the threshold is met. The count and transition apply in one CAS write.
func (p *VoteProcessor) tally(ctx context.Context, txID types.TxID) error {
	votes, err := p.store.ListVotes(ctx, txID)
	if err != nil {
		return err
	}

	approvals := 0
	for _, v := range votes {
		if v.Approve {
			approvals++
		}
	}

	updated, err := p.store.UpdateTransaction(ctx, txID, types.TxVoting, func(tx *types.Transaction) {
		tx.VotesReceived = approvals
		if approvals >= tx.Threshold {
			tx.State = types.TxApproved
		}
		tx.UpdatedAt = time.Now()
	})
	if err != nil {
		if storage.IsStateConflict(err) {
			// The transaction left Voting concurrently; the vote record
			// stands, the tally simply no longer applies.
			p.log.Debug().Str("tx", string(txID)).Msg("tally skipped, transaction no longer voting")
			return nil
		}
		return err
	}

	if updated.State == types.TxApproved {
		p.log.Info().
			Str("tx", string(txID)).
			Int("approvals", approvals).
			Int("threshold", updated.Threshold).
			Msg("transaction approved")
	}
	return nil
}

func (p *VoteProcessor) member(id types.NodeID) *types.FederationMember {
	for i := range p.federation.Members {
		if p.federation.Members[i].ID == id {
			return &p.federation.Members[i]
		}
	}
	return nil
}
