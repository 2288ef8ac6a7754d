package consensus

import (
	"errors"
	"fmt"

	"threshold-federation/internal/types"
)

var (
	// ErrNotMember indicates a vote from a node outside the federation
	ErrNotMember = errors.New("consensus: voter is not a federation member")
	// ErrTransactionExists indicates an Observe call for a known transaction id
	ErrTransactionExists = errors.New("consensus: transaction already observed")
)

// InvalidTransitionError indicates a forbidden lifecycle transition.
type InvalidTransitionError struct {
	TxID types.TxID
	From types.TransactionState
	To   types.TransactionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for tx %s: %s -> %s", e.TxID, e.From, e.To)
}

// ByzantineVoteError indicates a node cast conflicting votes for the
// same transaction. The conflicting vote is flagged, never counted.
type ByzantineVoteError struct {
	TxID   types.TxID
	NodeID types.NodeID
}

func (e *ByzantineVoteError) Error() string {
	return fmt.Sprintf("conflicting votes from node %s on tx %s", e.NodeID, e.TxID)
}
