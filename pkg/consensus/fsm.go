// Package consensus implements the transaction lifecycle: the state
// machine from observation through voting, signing and finalization, the
// vote tally with Byzantine double-vote detection, and the background
// driver that moves transactions forward. All state changes go through
// the store's compare-and-swap primitive, so concurrent drivers on
// different nodes never clobber each other.
package consensus

import (
	"threshold-federation/internal/types"
)

// transitions is the transaction lifecycle DAG. Signing may roll back to
// Approved for a retry; Signed and Rejected are terminal.
var transitions = map[types.TransactionState][]types.TransactionState{
	types.TxPending:  {types.TxVoting},
	types.TxVoting:   {types.TxApproved, types.TxRejected},
	types.TxApproved: {types.TxSigning, types.TxRejected},
	types.TxSigning:  {types.TxSigned, types.TxApproved},
}

// CanTransition reports whether the lifecycle permits moving a
// transaction from one state to another.
func CanTransition(from, to types.TransactionState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a typed error for a forbidden transition.
func ValidateTransition(txID types.TxID, from, to types.TransactionState) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{TxID: txID, From: from, To: to}
	}
	return nil
}
