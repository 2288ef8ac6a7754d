// Package election decides which node drives federation-wide background
// work: deterministic round-robin leader selection plus a TTL-based
// distributed lock that fences the chosen leader's critical sections.
package election

import (
	"fmt"
	"sync"
	"time"

	"threshold-federation/internal/types"
)

// LeaderElection implements round-robin leader selection over the
// federation membership. Selection is purely deterministic: the leader
// for round r is members[r % len(members)], so every node agrees without
// any communication.
type LeaderElection struct {
	members []types.NodeID
	mu      sync.RWMutex
}

// NewLeaderElection creates a leader election over the given members.
func NewLeaderElection(members []types.NodeID) (*LeaderElection, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("member list cannot be empty")
	}

	seen := make(map[types.NodeID]bool)
	for _, nodeID := range members {
		if seen[nodeID] {
			return nil, fmt.Errorf("duplicate member node ID: %s", nodeID)
		}
		seen[nodeID] = true
	}

	le := &LeaderElection{
		members: make([]types.NodeID, len(members)),
	}
	copy(le.members, members)
	return le, nil
}

// Leader returns the leader for the given round.
func (le *LeaderElection) Leader(round uint64) types.NodeID {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.members[round%uint64(len(le.members))]
}

// IsLeader reports whether the node leads the given round.
func (le *LeaderElection) IsLeader(nodeID types.NodeID, round uint64) bool {
	return le.Leader(round) == nodeID
}

// NextLeader returns the leader following the given node in rotation.
func (le *LeaderElection) NextLeader(current types.NodeID) (types.NodeID, error) {
	le.mu.RLock()
	defer le.mu.RUnlock()

	for i, nodeID := range le.members {
		if nodeID == current {
			return le.members[(i+1)%len(le.members)], nil
		}
	}
	return 0, fmt.Errorf("node %s is not a federation member", current)
}

// Members returns a copy of the member list.
func (le *LeaderElection) Members() []types.NodeID {
	le.mu.RLock()
	defer le.mu.RUnlock()

	members := make([]types.NodeID, len(le.members))
	copy(members, le.members)
	return members
}

// IsMember reports whether a node belongs to the federation.
func (le *LeaderElection) IsMember(nodeID types.NodeID) bool {
	le.mu.RLock()
	defer le.mu.RUnlock()

	for _, member := range le.members {
		if member == nodeID {
			return true
		}
	}
	return false
}

// MemberCount returns the number of members.
func (le *LeaderElection) MemberCount() int {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return len(le.members)
}

// RoundAt maps wall time onto a round number with the given period.
// Nodes with loosely synchronized clocks land on the same round for the
// same period.
func RoundAt(t time.Time, period time.Duration) uint64 {
	if period <= 0 {
		return 0
	}
	return uint64(t.UnixNano()) / uint64(period.Nanoseconds())
}
