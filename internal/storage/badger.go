package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"

	"threshold-federation/internal/types"
)

// Key layout. Material keys embed a zero-padded completion timestamp so a
// reverse scan over the prefix yields the newest record first.
const (
	prefixCeremony = "ceremony/"
	prefixKeyMat   = "keymat/"
	prefixAuxMat   = "auxmat/"
	prefixPresig   = "presig/"
	prefixTx       = "tx/"
	prefixVote     = "vote/"
	prefixLock     = "lock/"
)

// BadgerStore is the durable Store backed by a badger key-value database.
type BadgerStore struct {
	db *badger.DB
}

// compile-time check
var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens (or creates) the database at the given path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func ceremonyKey(id types.SessionID) []byte {
	return []byte(prefixCeremony + id.String())
}

func keyMatKey(m *types.KeyMaterial) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixKeyMat, m.CompletedAt.UnixNano()))
}

func auxMatKey(m *types.AuxMaterial) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixAuxMat, m.CreatedAt.UnixNano()))
}

func presigKey(id string) []byte {
	return []byte(prefixPresig + id)
}

func txKey(id types.TxID) []byte {
	return []byte(prefixTx + string(id))
}

func voteKey(txID types.TxID, node types.NodeID) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixVote, txID, node))
}

func votePrefix(txID types.TxID) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixVote, txID))
}

func lockKey(key string) []byte {
	return []byte(prefixLock + key)
}

func (s *BadgerStore) putJSON(key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) getJSON(key []byte, out interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// PutCeremony inserts or replaces a ceremony record.
func (s *BadgerStore) PutCeremony(ctx context.Context, ceremony *types.Ceremony) error {
	return s.putJSON(ceremonyKey(ceremony.SessionID), ceremony)
}

// GetCeremony returns the ceremony with the given session id.
func (s *BadgerStore) GetCeremony(ctx context.Context, sessionID types.SessionID) (*types.Ceremony, error) {
	var ceremony types.Ceremony
	if err := s.getJSON(ceremonyKey(sessionID), &ceremony); err != nil {
		return nil, err
	}
	return &ceremony, nil
}

// ListCeremonies returns all ceremony records.
func (s *BadgerStore) ListCeremonies(ctx context.Context) ([]*types.Ceremony, error) {
	var out []*types.Ceremony
	err := s.scanPrefix([]byte(prefixCeremony), func(val []byte) error {
		var c types.Ceremony
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	return out, err
}

// PutKeyMaterial appends a key material record.
func (s *BadgerStore) PutKeyMaterial(ctx context.Context, material *types.KeyMaterial) error {
	return s.putJSON(keyMatKey(material), material)
}

// LatestKeyMaterial returns the key material with the newest completion timestamp.
func (s *BadgerStore) LatestKeyMaterial(ctx context.Context) (*types.KeyMaterial, error) {
	var material types.KeyMaterial
	if err := s.latest([]byte(prefixKeyMat), &material); err != nil {
		return nil, err
	}
	return &material, nil
}

// PutAuxMaterial appends an auxiliary material record.
func (s *BadgerStore) PutAuxMaterial(ctx context.Context, material *types.AuxMaterial) error {
	return s.putJSON(auxMatKey(material), material)
}

// LatestAuxMaterial returns the newest auxiliary material record.
func (s *BadgerStore) LatestAuxMaterial(ctx context.Context) (*types.AuxMaterial, error) {
	var material types.AuxMaterial
	if err := s.latest([]byte(prefixAuxMat), &material); err != nil {
		return nil, err
	}
	return &material, nil
}

// PutPresignature inserts or replaces a presignature unit.
func (s *BadgerStore) PutPresignature(ctx context.Context, unit *types.PresignatureUnit) error {
	return s.putJSON(presigKey(unit.ID), unit)
}

// ListPresignatures returns every stored unit.
func (s *BadgerStore) ListPresignatures(ctx context.Context) ([]*types.PresignatureUnit, error) {
	var out []*types.PresignatureUnit
	err := s.scanPrefix([]byte(prefixPresig), func(val []byte) error {
		var u types.PresignatureUnit
		if err := json.Unmarshal(val, &u); err != nil {
			return err
		}
		out = append(out, &u)
		return nil
	})
	return out, err
}

// DeletePresignature removes a unit by id.
func (s *BadgerStore) DeletePresignature(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(presigKey(id))
	})
}

// PutTransaction inserts or replaces a transaction record.
func (s *BadgerStore) PutTransaction(ctx context.Context, tx *types.Transaction) error {
	return s.putJSON(txKey(tx.TxID), tx)
}

// GetTransaction returns the transaction with the given id.
func (s *BadgerStore) GetTransaction(ctx context.Context, txID types.TxID) (*types.Transaction, error) {
	var tx types.Transaction
	if err := s.getJSON(txKey(txID), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListTransactionsByState returns all transactions in the given state.
func (s *BadgerStore) ListTransactionsByState(ctx context.Context, state types.TransactionState) ([]*types.Transaction, error) {
	var out []*types.Transaction
	err := s.scanPrefix([]byte(prefixTx), func(val []byte) error {
		var tx types.Transaction
		if err := json.Unmarshal(val, &tx); err != nil {
			return err
		}
		if tx.State == state {
			out = append(out, &tx)
		}
		return nil
	})
	return out, err
}

// UpdateTransaction applies mutate inside a single badger transaction,
// guarded by the expected-state check.
func (s *BadgerStore) UpdateTransaction(ctx context.Context, txID types.TxID, expected types.TransactionState,
	mutate func(*types.Transaction)) (*types.Transaction, error) {

	var updated *types.Transaction
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(txKey(txID))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var tx types.Transaction
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &tx)
		}); err != nil {
			return err
		}

		if tx.State != expected {
			return &StateConflictError{TxID: txID, Expected: expected, Actual: tx.State}
		}

		mutate(&tx)
		data, err := json.Marshal(&tx)
		if err != nil {
			return err
		}
		if err := txn.Set(txKey(txID), data); err != nil {
			return err
		}
		updated = &tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// PutVote stores a vote keyed by (transaction, voter).
func (s *BadgerStore) PutVote(ctx context.Context, vote *types.Vote) error {
	return s.putJSON(voteKey(vote.TxID, vote.NodeID), vote)
}

// GetVote returns the vote cast by node for the transaction.
func (s *BadgerStore) GetVote(ctx context.Context, txID types.TxID, node types.NodeID) (*types.Vote, error) {
	var vote types.Vote
	if err := s.getJSON(voteKey(txID, node), &vote); err != nil {
		return nil, err
	}
	return &vote, nil
}

// ListVotes returns every vote recorded for the transaction.
func (s *BadgerStore) ListVotes(ctx context.Context, txID types.TxID) ([]*types.Vote, error) {
	var out []*types.Vote
	err := s.scanPrefix(votePrefix(txID), func(val []byte) error {
		var v types.Vote
		if err := json.Unmarshal(val, &v); err != nil {
			return err
		}
		out = append(out, &v)
		return nil
	})
	return out, err
}

// AcquireLock installs the lock record unless a live lock with a different
// token exists. The read-check-write runs in one badger transaction.
func (s *BadgerStore) AcquireLock(ctx context.Context, record *types.LockRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(record.Key))
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err == nil {
			var current types.LockRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &current)
			}); err != nil {
				return err
			}
			if current.HolderToken != record.HolderToken && !current.Expired(time.Now()) {
				return ErrLockHeld
			}
		}

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return txn.Set(lockKey(record.Key), data)
	})
}

// ReleaseLock removes the lock when the token matches the current holder.
func (s *BadgerStore) ReleaseLock(ctx context.Context, key, token string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(lockKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var current types.LockRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &current)
		}); err != nil {
			return err
		}
		if current.HolderToken != token {
			return ErrNotLockHolder
		}
		return txn.Delete(lockKey(key))
	})
}

// GetLock returns the current lock record for the key.
func (s *BadgerStore) GetLock(ctx context.Context, key string) (*types.LockRecord, error) {
	var record types.LockRecord
	if err := s.getJSON(lockKey(key), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListLocks returns all lock records.
func (s *BadgerStore) ListLocks(ctx context.Context) ([]*types.LockRecord, error) {
	var out []*types.LockRecord
	err := s.scanPrefix([]byte(prefixLock), func(val []byte) error {
		var l types.LockRecord
		if err := json.Unmarshal(val, &l); err != nil {
			return err
		}
		out = append(out, &l)
		return nil
	})
	return out, err
}

// scanPrefix iterates all values under the prefix in key order.
func (s *BadgerStore) scanPrefix(prefix []byte, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// latest reads the record under the lexicographically greatest key with
// the given prefix.
func (s *BadgerStore) latest(prefix []byte, out interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the end of the prefix range.
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.Valid() || !bytes.HasPrefix(it.Item().Key(), prefix) {
			return ErrNotFound
		}
		return it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}
