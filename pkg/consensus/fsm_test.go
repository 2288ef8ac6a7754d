package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"threshold-federation/internal/types"
)

func TestLifecycleTransitions(t *testing.T) {
	allowed := []struct {
		from, to types.TransactionState
	}{
		{types.TxPending, types.TxVoting},
		{types.TxVoting, types.TxApproved},
		{types.TxVoting, types.TxRejected},
		{types.TxApproved, types.TxSigning},
		{types.TxApproved, types.TxRejected},
		{types.TxSigning, types.TxSigned},
		{types.TxSigning, types.TxApproved}, // retry rollback
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	forbidden := []struct {
		from, to types.TransactionState
	}{
		{types.TxPending, types.TxApproved},
		{types.TxPending, types.TxSigned},
		{types.TxVoting, types.TxSigning},
		{types.TxApproved, types.TxVoting},
		{types.TxSigning, types.TxRejected},
		{types.TxSigned, types.TxApproved},
		{types.TxSigned, types.TxRejected},
		{types.TxRejected, types.TxVoting},
	}
	for _, tc := range forbidden {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be forbidden", tc.from, tc.to)
	}
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition("tx-1", types.TxPending, types.TxVoting))

	err := ValidateTransition("tx-1", types.TxSigned, types.TxVoting)
	var invalid *InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, types.TxID("tx-1"), invalid.TxID)
}
