package replication

import (
	"fmt"

	"github.com/fadidahanna/redisraft/internal/sharding"
)

// StoreApplier binds the shard group store to the log: committed entries
// mutate the store, snapshots fold its full state. Every replica applying
// the same entry sequence derives the identical slot table.
type StoreApplier struct {
	store *sharding.Store
}

// NewStoreApplier wraps store as the log's state machine.
func NewStoreApplier(store *sharding.Store) *StoreApplier {
	return &StoreApplier{store: store}
}

// Apply executes one committed topology mutation.
func (a *StoreApplier) Apply(e *Entry) error {
	switch e.Type {
	case EntryAddGroup:
		if len(e.Groups) != 1 {
			return fmt.Errorf("add entry carries %d groups", len(e.Groups))
		}
		return a.store.Add(e.Groups[0])
	case EntryUpdateGroup:
		if len(e.Groups) != 1 {
			return fmt.Errorf("update entry carries %d groups", len(e.Groups))
		}
		return a.store.Update(e.Groups[0])
	case EntryReplaceGroups:
		return a.store.Replace(e.Groups)
	default:
		return fmt.Errorf("unknown entry type %d", e.Type)
	}
}

// Snapshot serializes the full shard group store.
func (a *StoreApplier) Snapshot() ([]byte, error) {
	return a.store.EncodeState()
}

// Restore replaces the store from a snapshot blob.
func (a *StoreApplier) Restore(snapshot []byte) error {
	return a.store.RestoreState(snapshot)
}
