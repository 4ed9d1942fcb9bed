package sharding

import (
	"fmt"
	"sort"

	"github.com/fadidahanna/redisraft/internal/sharding/hash"
	"github.com/fadidahanna/redisraft/pkg/errors"
)

// SlotEntry records the groups claiming one slot, by role. At most one group
// per role; migrating and importing claims share a session id.
type SlotEntry struct {
	Stable    string
	Migrating string
	Importing string
	Session   uint64
}

// Unmapped reports whether no group claims the slot in any role.
func (e SlotEntry) Unmapped() bool {
	return e.Stable == "" && e.Migrating == "" && e.Importing == ""
}

// Owner returns the group authoritative for the slot: the stable owner, or
// the migrating owner while a resharding session replaces the stable claim.
func (e SlotEntry) Owner() string {
	if e.Stable != "" {
		return e.Stable
	}
	return e.Migrating
}

// SlotTable is the derived slot-to-group mapping. It is a pure function of
// the shard group store, recomputed in full on every mutation and swapped
// atomically, so readers always observe a consistent view.
type SlotTable struct {
	entries [hash.SlotCount]SlotEntry
	addrs   map[string]string
	localID string
}

// Entry returns the claim record for slot.
func (t *SlotTable) Entry(slot uint16) SlotEntry {
	return t.entries[slot]
}

// Addr returns the recorded leader address of a group, or "" if unknown.
func (t *SlotTable) Addr(groupID string) string {
	return t.addrs[groupID]
}

// LocalID returns the id of the local shard group.
func (t *SlotTable) LocalID() string {
	return t.localID
}

// MappedSlots counts slots with at least one claim. Used by CLUSTER INFO.
func (t *SlotTable) MappedSlots() int {
	n := 0
	for i := range t.entries {
		if !t.entries[i].Unmapped() {
			n++
		}
	}
	return n
}

// buildTable derives a fresh slot table from a full group set, validating
// the partition invariant: per slot at most one claim per role, and a single
// session shared by paired migrating/importing claims. Groups are visited in
// id order so every replica derives the identical table.
func buildTable(localID string, groups map[string]*ShardGroup) (*SlotTable, error) {
	t := &SlotTable{
		addrs:   make(map[string]string, len(groups)),
		localID: localID,
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sg := groups[id]
		t.addrs[id] = sg.LeaderAddr()
		for _, r := range sg.Ranges {
			for s := r.Start; s <= r.End; s++ {
				e := &t.entries[s]
				switch r.Type {
				case RangeStable:
					if e.Stable != "" {
						return nil, conflictErr(s, r.Type, e.Stable, id)
					}
					e.Stable = id
				case RangeMigrating:
					if e.Migrating != "" {
						return nil, conflictErr(s, r.Type, e.Migrating, id)
					}
					if err := bindSession(e, s, r.Session); err != nil {
						return nil, err
					}
					e.Migrating = id
				case RangeImporting:
					if e.Importing != "" {
						return nil, conflictErr(s, r.Type, e.Importing, id)
					}
					if err := bindSession(e, s, r.Session); err != nil {
						return nil, err
					}
					e.Importing = id
				}
			}
		}
	}
	return t, nil
}

func bindSession(e *SlotEntry, slot uint32, session uint64) error {
	if e.Migrating == "" && e.Importing == "" {
		e.Session = session
		return nil
	}
	if e.Session != session {
		return fmt.Errorf("%w: slot %d has mismatched migration sessions %d and %d",
			errors.ErrSlotConflict, slot, e.Session, session)
	}
	return nil
}

func conflictErr(slot uint32, typ RangeType, have, want string) error {
	return fmt.Errorf("%w: slot %d already %s by %s, claimed by %s",
		errors.ErrSlotConflict, slot, typ, have, want)
}
