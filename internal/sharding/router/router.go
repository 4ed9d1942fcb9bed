// Package router classifies key operations against the slot table into
// execution and redirection decisions.
package router

import (
	"context"

	"github.com/fadidahanna/redisraft/internal/metrics"
	"github.com/fadidahanna/redisraft/internal/sharding"
	"github.com/fadidahanna/redisraft/internal/sharding/hash"
	"github.com/fadidahanna/redisraft/pkg/bytes"
)

// Decision is the outcome of classifying one operation.
type Decision int

const (
	// DecisionExecute runs the operation on the local engine.
	DecisionExecute Decision = iota
	// DecisionMoved is a permanent redirect to the slot's owner.
	DecisionMoved
	// DecisionAsk is a one-shot redirect valid for the next command only.
	DecisionAsk
	// DecisionTryAgain signals in-flight migration; retry shortly.
	DecisionTryAgain
	// DecisionCrossSlot rejects keys spanning distinct slots.
	DecisionCrossSlot
	// DecisionClusterDown rejects operations on unowned slots.
	DecisionClusterDown
)

func (d Decision) String() string {
	switch d {
	case DecisionExecute:
		return "execute"
	case DecisionMoved:
		return "moved"
	case DecisionAsk:
		return "ask"
	case DecisionTryAgain:
		return "tryagain"
	case DecisionCrossSlot:
		return "crossslot"
	case DecisionClusterDown:
		return "clusterdown"
	default:
		return "unknown"
	}
}

// Result is a routing decision. Addr is set for redirects and always names
// the target group's current recorded leader, never a cached address.
type Result struct {
	Decision Decision
	Slot     uint16
	Addr     string
}

// Presence answers whether keys are already present on the local engine.
// Needed to tell stragglers from already-migrated keys during resharding.
type Presence interface {
	Exists(ctx context.Context, keys ...string) (int64, error)
}

// Leadership reports whether this node can serve writes and where its
// group's leader is otherwise.
type Leadership interface {
	IsLeader() bool
	LeaderAddr() string
}

// SelfLeader is the single-node embodiment of Leadership: the node is
// always leader at its own advertised address.
type SelfLeader string

func (s SelfLeader) IsLeader() bool     { return true }
func (s SelfLeader) LeaderAddr() string { return string(s) }

// Classifier routes operations using the current slot table snapshot.
// Reads never block topology appliers; the table is immutable per snapshot.
type Classifier struct {
	store  *sharding.Store
	keys   Presence
	leader Leadership
}

// New creates a classifier over store, using keys for presence checks and
// leader for follower redirection.
func New(store *sharding.Store, keys Presence, leader Leadership) *Classifier {
	return &Classifier{store: store, keys: keys, leader: leader}
}

// Classify maps an operation's keys plus the connection's one-shot asking
// flag to a decision. Transactions pass the union of all queued commands'
// keys, so the whole group is admitted or rejected at execution time.
func (c *Classifier) Classify(ctx context.Context, keys [][]byte, asking bool) Result {
	r := c.classify(ctx, keys, asking)
	metrics.RoutingDecisions.WithLabelValues(r.Decision.String()).Inc()
	return r
}

func (c *Classifier) classify(ctx context.Context, keys [][]byte, asking bool) Result {
	slot := hash.KeySlot(bytes.BytesToString(keys[0]))
	for _, key := range keys[1:] {
		if hash.KeySlot(bytes.BytesToString(key)) != slot {
			return Result{Decision: DecisionCrossSlot, Slot: slot}
		}
	}

	t := c.store.Table()
	e := t.Entry(slot)
	if e.Unmapped() {
		return Result{Decision: DecisionClusterDown, Slot: slot}
	}

	local := t.LocalID()
	claimed := e.Stable == local || e.Migrating == local || e.Importing == local

	// Followers of the local group never serve keys; redirect to the
	// group leader, keeping the conversation type.
	if claimed && !c.leader.IsLeader() {
		addr := c.leader.LeaderAddr()
		if addr == "" {
			return Result{Decision: DecisionClusterDown, Slot: slot}
		}
		if asking {
			return Result{Decision: DecisionAsk, Slot: slot, Addr: addr}
		}
		return Result{Decision: DecisionMoved, Slot: slot, Addr: addr}
	}

	switch {
	case e.Migrating == local:
		// Migrating source: serve keys still here, hand fully moved
		// ones to the importing destination, and refuse mixed sets
		// until the session settles.
		present := c.present(ctx, keys)
		switch {
		case present == len(keys):
			return Result{Decision: DecisionExecute, Slot: slot}
		case present == 0:
			addr := t.Addr(e.Importing)
			if addr == "" {
				return Result{Decision: DecisionClusterDown, Slot: slot}
			}
			return Result{Decision: DecisionAsk, Slot: slot, Addr: addr}
		default:
			return Result{Decision: DecisionTryAgain, Slot: slot}
		}

	case e.Importing == local:
		// Importing destination: only ASK-redirected clients are part
		// of the migration conversation.
		if asking {
			if c.present(ctx, keys) == len(keys) {
				return Result{Decision: DecisionExecute, Slot: slot}
			}
			return Result{Decision: DecisionTryAgain, Slot: slot}
		}
		owner := e.Owner()
		if owner == "" || owner == local {
			return Result{Decision: DecisionClusterDown, Slot: slot}
		}
		addr := t.Addr(owner)
		if addr == "" {
			return Result{Decision: DecisionClusterDown, Slot: slot}
		}
		return Result{Decision: DecisionMoved, Slot: slot, Addr: addr}

	case e.Owner() == local:
		return Result{Decision: DecisionExecute, Slot: slot}

	default:
		addr := t.Addr(e.Owner())
		if addr == "" {
			return Result{Decision: DecisionClusterDown, Slot: slot}
		}
		return Result{Decision: DecisionMoved, Slot: slot, Addr: addr}
	}
}

func (c *Classifier) present(ctx context.Context, keys [][]byte) int {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = string(k)
	}
	n, err := c.keys.Exists(ctx, names...)
	if err != nil {
		return 0
	}
	return int(n)
}
