package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"threshold-federation/internal/types"
)

// MemoryStore is an in-memory Store used by tests and single-process
// setups. It mirrors the badger store's CAS semantics under one mutex.
type MemoryStore struct {
	mu           sync.RWMutex
	ceremonies   map[types.SessionID]*types.Ceremony
	keyMaterial  []*types.KeyMaterial
	auxMaterial  []*types.AuxMaterial
	presigs      map[string]*types.PresignatureUnit
	transactions map[types.TxID]*types.Transaction
	votes        map[types.TxID]map[types.NodeID]*types.Vote
	locks        map[string]*types.LockRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ceremonies:   make(map[types.SessionID]*types.Ceremony),
		presigs:      make(map[string]*types.PresignatureUnit),
		transactions: make(map[types.TxID]*types.Transaction),
		votes:        make(map[types.TxID]map[types.NodeID]*types.Vote),
		locks:        make(map[string]*types.LockRecord),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) PutCeremony(ctx context.Context, ceremony *types.Ceremony) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *ceremony
	s.ceremonies[c.SessionID] = &c
	return nil
}

func (s *MemoryStore) GetCeremony(ctx context.Context, sessionID types.SessionID) (*types.Ceremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.ceremonies[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ListCeremonies(ctx context.Context) ([]*types.Ceremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Ceremony, 0, len(s.ceremonies))
	for _, c := range s.ceremonies {
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

func (s *MemoryStore) PutKeyMaterial(ctx context.Context, material *types.KeyMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *material
	s.keyMaterial = append(s.keyMaterial, &m)
	return nil
}

func (s *MemoryStore) LatestKeyMaterial(ctx context.Context) (*types.KeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.keyMaterial) == 0 {
		return nil, ErrNotFound
	}
	latest := s.keyMaterial[0]
	for _, m := range s.keyMaterial[1:] {
		if m.CompletedAt.After(latest.CompletedAt) {
			latest = m
		}
	}
	out := *latest
	return &out, nil
}

func (s *MemoryStore) PutAuxMaterial(ctx context.Context, material *types.AuxMaterial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := *material
	s.auxMaterial = append(s.auxMaterial, &m)
	return nil
}

func (s *MemoryStore) LatestAuxMaterial(ctx context.Context) (*types.AuxMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.auxMaterial) == 0 {
		return nil, ErrNotFound
	}
	latest := s.auxMaterial[0]
	for _, m := range s.auxMaterial[1:] {
		if m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	out := *latest
	return &out, nil
}

func (s *MemoryStore) PutPresignature(ctx context.Context, unit *types.PresignatureUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *unit
	s.presigs[u.ID] = &u
	return nil
}

func (s *MemoryStore) ListPresignatures(ctx context.Context) ([]*types.PresignatureUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.PresignatureUnit, 0, len(s.presigs))
	for _, u := range s.presigs {
		uu := *u
		out = append(out, &uu)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeletePresignature(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presigs, id)
	return nil
}

func (s *MemoryStore) PutTransaction(ctx context.Context, tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *tx
	s.transactions[t.TxID] = &t
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, txID types.TxID) (*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[txID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *MemoryStore) ListTransactionsByState(ctx context.Context, state types.TransactionState) ([]*types.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Transaction
	for _, t := range s.transactions {
		if t.State == state {
			tt := *t
			out = append(out, &tt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })
	return out, nil
}

func (s *MemoryStore) UpdateTransaction(ctx context.Context, txID types.TxID, expected types.TransactionState,
	mutate func(*types.Transaction)) (*types.Transaction, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transactions[txID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.State != expected {
		return nil, &StateConflictError{TxID: txID, Expected: expected, Actual: t.State}
	}
	mutate(t)
	out := *t
	return &out, nil
}

func (s *MemoryStore) PutVote(ctx context.Context, vote *types.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.votes[vote.TxID]
	if !ok {
		byNode = make(map[types.NodeID]*types.Vote)
		s.votes[vote.TxID] = byNode
	}
	v := *vote
	byNode[v.NodeID] = &v
	return nil
}

func (s *MemoryStore) GetVote(ctx context.Context, txID types.TxID, node types.NodeID) (*types.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.votes[txID][node]
	if !ok {
		return nil, ErrNotFound
	}
	out := *v
	return &out, nil
}

func (s *MemoryStore) ListVotes(ctx context.Context, txID types.TxID) ([]*types.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byNode := s.votes[txID]
	out := make([]*types.Vote, 0, len(byNode))
	for _, v := range byNode {
		vv := *v
		out = append(out, &vv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, record *types.LockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.locks[record.Key]
	if ok && current.HolderToken != record.HolderToken && !current.Expired(time.Now()) {
		return ErrLockHeld
	}
	r := *record
	s.locks[r.Key] = &r
	return nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.locks[key]
	if !ok {
		return nil
	}
	if current.HolderToken != token {
		return ErrNotLockHolder
	}
	delete(s.locks, key)
	return nil
}

func (s *MemoryStore) GetLock(ctx context.Context, key string) (*types.LockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.locks[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) ListLocks(ctx context.Context) ([]*types.LockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.LockRecord, 0, len(s.locks))
	for _, r := range s.locks {
		rr := *r
		out = append(out, &rr)
	}
	return out, nil
}
