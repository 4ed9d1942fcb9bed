package sharding

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fadidahanna/redisraft/pkg/errors"
)

// Store is the shard group store: the single source of truth from which the
// slot table is derived. Mutations arrive through the replication log's apply
// path only, so they are totally ordered; reads of the derived table go
// through an atomically swapped snapshot and never block appliers.
type Store struct {
	mu      sync.RWMutex
	localID string
	local   *ShardGroup
	groups  map[string]*ShardGroup

	table atomic.Pointer[SlotTable]
}

// NewStore creates a store seeded with the local shard group descriptor.
// The local entry can never be removed; REPLACE may reassign its ranges but
// its member list is fixed at boot.
func NewStore(local *ShardGroup) (*Store, error) {
	if err := local.validate(); err != nil {
		return nil, err
	}
	s := &Store{
		localID: local.ID,
		local:   local.Clone(),
		groups:  make(map[string]*ShardGroup),
	}
	t, err := buildTable(s.localID, s.allGroups(s.local, s.groups))
	if err != nil {
		return nil, err
	}
	s.table.Store(t)
	return s, nil
}

// LocalID returns the local shard group id (the cluster dbid).
func (s *Store) LocalID() string {
	return s.localID
}

// Local returns a copy of the local group descriptor.
func (s *Store) Local() *ShardGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local.Clone()
}

// Get returns a copy of the descriptor for id, local included.
func (s *Store) Get(id string) (*ShardGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == s.localID {
		return s.local.Clone(), true
	}
	sg, ok := s.groups[id]
	if !ok {
		return nil, false
	}
	return sg.Clone(), true
}

// Groups returns copies of all descriptors, local included, in id order.
// Topology views iterate this so their output is deterministic.
func (s *Store) Groups() []*ShardGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ShardGroup, 0, len(s.groups)+1)
	out = append(out, s.local.Clone())
	for _, sg := range s.groups {
		out = append(out, sg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Foreign returns copies of all non-local descriptors in id order.
func (s *Store) Foreign() []*ShardGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ShardGroup, 0, len(s.groups))
	for _, sg := range s.groups {
		out = append(out, sg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Table returns the current slot table snapshot.
func (s *Store) Table() *SlotTable {
	return s.table.Load()
}

// ValidateAdd dry-runs an ADD without mutating the store. Called before a
// mutation is proposed to the log, so invalid updates are rejected without
// consuming a log entry.
func (s *Store) ValidateAdd(sg *ShardGroup) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.addTable(sg)
	return err
}

// ValidateReplace dry-runs a REPLACE without mutating the store.
func (s *Store) ValidateReplace(groups []*ShardGroup) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, _, _, err := s.replaceTable(groups)
	return err
}

// Add registers a new shard group. Adding an id that already exists is
// rejected; REPLACE is the only way to modify entries. On success the slot
// table is recomputed and swapped; on failure the store is left untouched.
func (s *Store) Add(sg *ShardGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.addTable(sg)
	if err != nil {
		return err
	}
	s.groups[sg.ID] = sg.Clone()
	s.table.Store(t)
	return nil
}

func (s *Store) addTable(sg *ShardGroup) (*SlotTable, error) {
	if err := sg.validate(); err != nil {
		return nil, err
	}
	if sg.ID == s.localID {
		return nil, fmt.Errorf("%w: %s is the local shard group", errors.ErrInvalidUpdate, sg.ID)
	}
	if _, ok := s.groups[sg.ID]; ok {
		return nil, fmt.Errorf("%w: shard group %s already exists", errors.ErrInvalidUpdate, sg.ID)
	}

	candidate := make(map[string]*ShardGroup, len(s.groups)+1)
	for id, g := range s.groups {
		candidate[id] = g
	}
	candidate[sg.ID] = sg
	return buildTable(s.localID, s.allGroups(s.local, candidate))
}

// Update upserts a single foreign descriptor. This is the refresh loop's
// ADD-equivalent: unlike Add it may overwrite an existing entry.
func (s *Store) Update(sg *ShardGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := sg.validate(); err != nil {
		return err
	}
	if sg.ID == s.localID {
		return fmt.Errorf("%w: cannot refresh the local shard group", errors.ErrInvalidUpdate)
	}

	candidate := make(map[string]*ShardGroup, len(s.groups)+1)
	for id, g := range s.groups {
		candidate[id] = g
	}
	candidate[sg.ID] = sg
	t, err := buildTable(s.localID, s.allGroups(s.local, candidate))
	if err != nil {
		return err
	}
	s.groups[sg.ID] = sg.Clone()
	s.table.Store(t)
	return nil
}

// Replace atomically swaps the entire non-local portion of the store. An
// input entry carrying the local id updates the local group's slot ranges
// (resharding is driven externally) but never its member list; when absent,
// the local entry is preserved as is.
func (s *Store) Replace(groups []*ShardGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, local, foreign, err := s.replaceTable(groups)
	if err != nil {
		return err
	}
	s.local = local
	s.groups = foreign
	s.table.Store(t)
	return nil
}

func (s *Store) replaceTable(groups []*ShardGroup) (*SlotTable, *ShardGroup, map[string]*ShardGroup, error) {
	local := s.local.Clone()
	foreign := make(map[string]*ShardGroup, len(groups))

	for _, sg := range groups {
		if err := sg.validate(); err != nil {
			return nil, nil, nil, err
		}
		if sg.ID == s.localID {
			local.Ranges = append([]SlotRange(nil), sg.Ranges...)
			continue
		}
		if _, ok := foreign[sg.ID]; ok {
			return nil, nil, nil, fmt.Errorf("%w: duplicate shard group %s", errors.ErrInvalidUpdate, sg.ID)
		}
		foreign[sg.ID] = sg.Clone()
	}

	t, err := buildTable(s.localID, s.allGroups(local, foreign))
	if err != nil {
		return nil, nil, nil, err
	}
	return t, local, foreign, nil
}

func (s *Store) allGroups(local *ShardGroup, foreign map[string]*ShardGroup) map[string]*ShardGroup {
	all := make(map[string]*ShardGroup, len(foreign)+1)
	for id, sg := range foreign {
		all[id] = sg
	}
	all[local.ID] = local
	return all
}

// storeState is the serialized form folded into snapshots.
type storeState struct {
	Local  *ShardGroup
	Groups []*ShardGroup
}

// EncodeState serializes the full store for snapshot folding and for
// bootstrap of freshly joining nodes.
func (s *Store) EncodeState() ([]byte, error) {
	s.mu.RLock()
	st := storeState{Local: s.local.Clone()}
	for _, sg := range s.groups {
		st.Groups = append(st.Groups, sg.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(st.Groups, func(i, j int) bool { return st.Groups[i].ID < st.Groups[j].ID })

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&st); err != nil {
		return nil, fmt.Errorf("encode shard group store: %w", err)
	}
	return buf.Bytes(), nil
}

// RestoreState replaces the full store from a snapshot blob. The snapshot's
// local descriptor wins: a node restored purely from a snapshot must derive
// the identical table the snapshotting node had.
func (s *Store) RestoreState(data []byte) error {
	var st storeState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st); err != nil {
		return fmt.Errorf("decode shard group store: %w", err)
	}
	if st.Local == nil || st.Local.ID != s.localID {
		return fmt.Errorf("snapshot local shard group mismatch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[string]*ShardGroup, len(st.Groups))
	for _, sg := range st.Groups {
		groups[sg.ID] = sg
	}
	t, err := buildTable(s.localID, s.allGroups(st.Local, groups))
	if err != nil {
		return err
	}
	s.local = st.Local
	s.groups = groups
	s.table.Store(t)
	return nil
}
