// Package raftlog persists the replication log and its snapshots in a
// badger keyspace and drives the single apply path on top of them. It is
// the local binding of the replication.Log contract; a multi-node consensus
// engine can replace it without touching the coordinator.
package raftlog

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/fadidahanna/redisraft/internal/replication"
)

var (
	logPrefix    = []byte("log/")
	snapKey      = []byte("snapshot")
	snapIndexKey = []byte("snapshot-index")
	dbidKey      = []byte("dbid")
)

// Store is a durable, totally ordered log. Propose serializes all mutations
// through one mutex, applies the entry, then appends it; restart replays the
// snapshot plus the log tail so the applier converges to the same state.
type Store struct {
	mu      sync.Mutex
	db      *badger.DB
	applier replication.Applier

	applied uint64
}

// Open opens (or creates) the log at dir and replays it into applier:
// snapshot first when present, then every entry past the snapshot index.
func Open(dir string, applier replication.Applier) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open log store: %w", err)
	}

	s := &Store{db: db, applier: applier}
	if err := s.replay(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	snapIndex := uint64(0)

	err := s.db.View(func(txn *badger.Txn) error {
		if item, err := txn.Get(snapIndexKey); err == nil {
			if err := item.Value(func(v []byte) error {
				snapIndex = binary.BigEndian.Uint64(v)
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if snapIndex > 0 {
			item, err := txn.Get(snapKey)
			if err != nil {
				return fmt.Errorf("snapshot index %d without snapshot: %w", snapIndex, err)
			}
			if err := item.Value(func(v []byte) error {
				return s.applier.Restore(v)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay snapshot: %w", err)
	}
	s.applied = snapIndex

	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: logPrefix})
		defer it.Close()

		for it.Seek(logKey(snapIndex + 1)); it.Valid(); it.Next() {
			index := logIndex(it.Item().Key())
			if index <= snapIndex {
				continue
			}
			err := it.Item().Value(func(v []byte) error {
				e, err := replication.DecodeEntry(v)
				if err != nil {
					return err
				}
				// A committed entry must re-apply cleanly; anything
				// else means the state machine diverged.
				if err := s.applier.Apply(e); err != nil {
					return fmt.Errorf("apply entry %d: %w", index, err)
				}
				s.applied = index
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay log: %w", err)
	}

	if s.applied > 0 {
		log.Printf("raftlog: replayed up to index %d", s.applied)
	}
	return nil
}

// Propose applies the entry and, on success, appends it durably. The apply
// runs first so that a rejected mutation leaves no trace in the log: callers
// pre-validate against the store, but two racing proposals can both pass
// that check, and replay must never see the loser's entry.
func (s *Store) Propose(ctx context.Context, e *replication.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := e.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applier.Apply(e); err != nil {
		return err
	}

	index := s.applied + 1
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(logKey(index), data)
	})
	if err != nil {
		return fmt.Errorf("append log entry: %w", err)
	}
	s.applied = index
	return nil
}

// Compact folds the applier's full state into a snapshot and drops the log
// prefix it covers. A node restored from this snapshot alone reconstructs
// the identical store.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.applier.Snapshot()
	if err != nil {
		return fmt.Errorf("take snapshot: %w", err)
	}

	index := s.applied
	var indexBuf [8]byte
	binary.BigEndian.PutUint64(indexBuf[:], index)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(snapKey, snap); err != nil {
			return err
		}
		return txn.Set(snapIndexKey, indexBuf[:])
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	// Drop covered entries. Failure here is harmless: replay skips
	// entries at or below the snapshot index.
	err = s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: logPrefix})
		defer it.Close()

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			if logIndex(it.Item().Key()) <= index {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
		}
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("raftlog: compaction cleanup: %v", err)
	}
	return nil
}

// AppliedIndex returns the index of the last applied entry.
func (s *Store) AppliedIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// LoadOrInitDBID reads the persisted cluster dbid from the log directory,
// storing fallback on first boot. It runs before Open: the local shard group
// identity must be fixed before the log is replayed into a store carrying it.
func LoadOrInitDBID(dir, fallback string) (string, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return "", fmt.Errorf("open log store: %w", err)
	}
	defer db.Close()

	var dbid string
	err = db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(dbidKey)
		if err == badger.ErrKeyNotFound {
			dbid = fallback
			return txn.Set(dbidKey, []byte(fallback))
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			dbid = string(v)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("load dbid: %w", err)
	}
	return dbid, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func logKey(index uint64) []byte {
	k := make([]byte, len(logPrefix)+8)
	copy(k, logPrefix)
	binary.BigEndian.PutUint64(k[len(logPrefix):], index)
	return k
}

func logIndex(key []byte) uint64 {
	if len(key) != len(logPrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(logPrefix):])
}
