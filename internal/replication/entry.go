// Package replication defines the contract between the sharding coordinator
// and the replicated log that carries its topology mutations. The consensus
// engine itself is a black box: it durably orders opaque entries and invokes
// the applier once they commit.
package replication

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/fadidahanna/redisraft/internal/sharding"
)

// EntryType identifies a topology mutation carried by the log.
type EntryType uint8

const (
	// EntryAddGroup registers a single new shard group.
	EntryAddGroup EntryType = iota + 1
	// EntryUpdateGroup upserts a single foreign group. Produced by the
	// link/refresh path; unlike ADD it may overwrite an existing entry.
	EntryUpdateGroup
	// EntryReplaceGroups swaps the whole non-local group set.
	EntryReplaceGroups
)

func (t EntryType) String() string {
	switch t {
	case EntryAddGroup:
		return "add"
	case EntryUpdateGroup:
		return "update"
	case EntryReplaceGroups:
		return "replace"
	default:
		return "unknown"
	}
}

// Entry is one committed topology mutation. The slot table is never carried
// by the log; every replica re-derives it from the groups on apply.
type Entry struct {
	Type   EntryType
	Groups []*sharding.ShardGroup
}

// Encode serializes the entry for the log.
func (e *Entry) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("encode log entry: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEntry deserializes an entry read back from the log.
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, fmt.Errorf("decode log entry: %w", err)
	}
	return &e, nil
}

// Applier is the deterministic state machine fed by the log. Apply runs on
// exactly one goroutine per process; an error from Apply on a committed
// entry indicates a programming error, not a recoverable condition.
type Applier interface {
	Apply(e *Entry) error
	Snapshot() ([]byte, error)
	Restore(snapshot []byte) error
}

// Log durably replicates entries. Propose returns once the entry is
// committed and applied locally; a failed append surfaces here and is
// reported as the failure of the administrative command that produced it.
type Log interface {
	Propose(ctx context.Context, e *Entry) error
	Compact() error
	Close() error
}
