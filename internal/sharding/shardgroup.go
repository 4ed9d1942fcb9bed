// Package sharding implements the shard group store and the derived slot
// table that drive request routing across linked clusters.
package sharding

import (
	"fmt"
	"strconv"

	"github.com/fadidahanna/redisraft/internal/sharding/hash"
	"github.com/fadidahanna/redisraft/pkg/bytes"
	"github.com/fadidahanna/redisraft/pkg/errors"
)

// GroupIDLen is the length of a shard group identifier. The local group uses
// the cluster's database id; node ids append a zero-padded member index.
const GroupIDLen = 32

// NodeIndexSuffixLen is the width of the member index appended to the group
// id to form a node id.
const NodeIndexSuffixLen = 8

// RangeType is the role a shard group holds over a slot range.
type RangeType uint32

const (
	RangeStable    RangeType = 1
	RangeImporting RangeType = 2
	RangeMigrating RangeType = 3
)

func (t RangeType) String() string {
	switch t {
	case RangeStable:
		return "stable"
	case RangeImporting:
		return "importing"
	case RangeMigrating:
		return "migrating"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the defined range roles.
func (t RangeType) Valid() bool {
	return t >= RangeStable && t <= RangeMigrating
}

// SlotRange is an inclusive range of hash slots held in a given role.
// A migrating range is paired with the importing range of another group
// through a shared non-zero session id.
type SlotRange struct {
	Start   uint32
	End     uint32
	Type    RangeType
	Session uint64
}

func (r SlotRange) String() string {
	if r.Start == r.End {
		return strconv.FormatUint(uint64(r.Start), 10)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Node is a member of a shard group. The first node of a group is its
// current leader; redirects always name that address.
type Node struct {
	ID   string
	Addr string
}

// ShardGroup describes one replicated group of nodes and the slot ranges it
// claims. Descriptors are immutable once stored; updates replace the whole
// entry.
type ShardGroup struct {
	ID     string
	Ranges []SlotRange
	Nodes  []Node
}

// Clone returns a deep copy of sg.
func (sg *ShardGroup) Clone() *ShardGroup {
	c := &ShardGroup{
		ID:     sg.ID,
		Ranges: make([]SlotRange, len(sg.Ranges)),
		Nodes:  make([]Node, len(sg.Nodes)),
	}
	copy(c.Ranges, sg.Ranges)
	copy(c.Nodes, sg.Nodes)
	return c
}

// Equal reports whether two descriptors are identical. Used by the refresh
// loop to skip no-op proposals.
func (sg *ShardGroup) Equal(other *ShardGroup) bool {
	if sg.ID != other.ID ||
		len(sg.Ranges) != len(other.Ranges) ||
		len(sg.Nodes) != len(other.Nodes) {
		return false
	}
	for i, r := range sg.Ranges {
		if r != other.Ranges[i] {
			return false
		}
	}
	for i, n := range sg.Nodes {
		if n != other.Nodes[i] {
			return false
		}
	}
	return true
}

// LeaderAddr returns the address of the group's recorded leader, or ""
// when the group has no members.
func (sg *ShardGroup) LeaderAddr() string {
	if len(sg.Nodes) == 0 {
		return ""
	}
	return sg.Nodes[0].Addr
}

// OwnedRanges returns the ranges the group serves authoritatively: stable
// ranges plus migrating ones (a migrating owner keeps serving stragglers).
// Importing ranges are excluded until the migration session completes.
func (sg *ShardGroup) OwnedRanges() []SlotRange {
	var out []SlotRange
	for _, r := range sg.Ranges {
		if r.Type == RangeStable || r.Type == RangeMigrating {
			out = append(out, r)
		}
	}
	return out
}

// validate checks the descriptor in isolation: id shape, range bounds and
// roles, node records. Conflicts against other groups are checked by the
// store when the table is rebuilt.
func (sg *ShardGroup) validate() error {
	if len(sg.ID) != GroupIDLen {
		return fmt.Errorf("%w: bad shard group id %q", errors.ErrInvalidUpdate, sg.ID)
	}
	for _, r := range sg.Ranges {
		if r.Start > r.End || r.End >= hash.SlotCount {
			return fmt.Errorf("%w: %d-%d", errors.ErrInvalidSlotRange, r.Start, r.End)
		}
		if !r.Type.Valid() {
			return fmt.Errorf("%w: bad range type %d", errors.ErrInvalidSlotRange, r.Type)
		}
	}
	for _, n := range sg.Nodes {
		if n.ID == "" || n.Addr == "" {
			return fmt.Errorf("%w: empty node record", errors.ErrInvalidUpdate)
		}
	}
	return nil
}

// groupHeaderLen is the fixed part of a serialized group: id, range count,
// node count.
const groupHeaderLen = 3

// rangeRecordLen and nodeRecordLen are the per-record argument counts.
const (
	rangeRecordLen = 4
	nodeRecordLen  = 2
)

// ParseGroup parses one shard group blob from args and returns the number
// of arguments consumed. A payload shorter than the declared counts require
// is an arity error, reported before any semantic validation.
func ParseGroup(args [][]byte) (*ShardGroup, int, error) {
	if len(args) < groupHeaderLen {
		return nil, 0, errors.ErrWrongArity
	}

	numRanges, err := parseCount(args[1])
	if err != nil {
		return nil, 0, err
	}
	numNodes, err := parseCount(args[2])
	if err != nil {
		return nil, 0, err
	}

	need := groupHeaderLen + numRanges*rangeRecordLen + numNodes*nodeRecordLen
	if len(args) < need {
		return nil, 0, errors.ErrWrongArity
	}

	sg := &ShardGroup{
		ID:     string(args[0]),
		Ranges: make([]SlotRange, 0, numRanges),
		Nodes:  make([]Node, 0, numNodes),
	}

	pos := groupHeaderLen
	for i := 0; i < numRanges; i++ {
		start, err := parseSlot(args[pos])
		if err != nil {
			return nil, 0, err
		}
		end, err := parseSlot(args[pos+1])
		if err != nil {
			return nil, 0, err
		}
		typ, err := parseSlot(args[pos+2])
		if err != nil {
			return nil, 0, err
		}
		session, err := strconv.ParseUint(bytes.BytesToString(args[pos+3]), 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: bad session id %q", errors.ErrInvalidSlotRange, args[pos+3])
		}
		sg.Ranges = append(sg.Ranges, SlotRange{
			Start:   start,
			End:     end,
			Type:    RangeType(typ),
			Session: session,
		})
		pos += rangeRecordLen
	}

	for i := 0; i < numNodes; i++ {
		sg.Nodes = append(sg.Nodes, Node{
			ID:   string(args[pos]),
			Addr: string(args[pos+1]),
		})
		pos += nodeRecordLen
	}

	if err := sg.validate(); err != nil {
		return nil, 0, err
	}
	return sg, pos, nil
}

// ParseGroups parses a REPLACE payload: a group count followed by that many
// group blobs. Trailing arguments are an arity error.
func ParseGroups(args [][]byte) ([]*ShardGroup, error) {
	if len(args) < 1 {
		return nil, errors.ErrWrongArity
	}
	count, err := parseCount(args[0])
	if err != nil {
		return nil, err
	}

	groups := make([]*ShardGroup, 0, count)
	pos := 1
	for i := 0; i < count; i++ {
		sg, n, err := ParseGroup(args[pos:])
		if err != nil {
			return nil, err
		}
		groups = append(groups, sg)
		pos += n
	}
	if pos != len(args) {
		return nil, errors.ErrWrongArity
	}
	return groups, nil
}

// AppendArgs renders sg in the same flat argument form ParseGroup consumes.
// Used for the link handshake payload.
func (sg *ShardGroup) AppendArgs(dst []string) []string {
	dst = append(dst, sg.ID,
		strconv.Itoa(len(sg.Ranges)),
		strconv.Itoa(len(sg.Nodes)))
	for _, r := range sg.Ranges {
		dst = append(dst,
			strconv.FormatUint(uint64(r.Start), 10),
			strconv.FormatUint(uint64(r.End), 10),
			strconv.FormatUint(uint64(r.Type), 10),
			strconv.FormatUint(r.Session, 10))
	}
	for _, n := range sg.Nodes {
		dst = append(dst, n.ID, n.Addr)
	}
	return dst
}

// AppendGroupsArgs renders a group list with its count prefix.
func AppendGroupsArgs(dst []string, groups []*ShardGroup) []string {
	dst = append(dst, strconv.Itoa(len(groups)))
	for _, sg := range groups {
		dst = sg.AppendArgs(dst)
	}
	return dst
}

func parseCount(b []byte) (int, error) {
	n, err := strconv.ParseUint(bytes.BytesToString(b), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad count %q", errors.ErrWrongArity, b)
	}
	return int(n), nil
}

func parseSlot(b []byte) (uint32, error) {
	n, err := strconv.ParseUint(bytes.BytesToString(b), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errors.ErrInvalidSlotRange, b)
	}
	return uint32(n), nil
}

// LocalNodeID derives a member node id from the cluster dbid and a 1-based
// member index.
func LocalNodeID(dbid string, index int) string {
	return fmt.Sprintf("%s%0*d", dbid, NodeIndexSuffixLen, index)
}
