// Package errors defines sentinel errors used across the coordinator.
package errors

import "errors"

// Sentinel errors for shard group updates. The message text for the wire is
// owned by the protocol layer; these exist so callers can classify failures.
var (
	// ErrWrongArity indicates a shard group payload shorter than its
	// declared range/node counts require.
	ErrWrongArity = errors.New("wrong number of arguments")

	// ErrInvalidSlotRange indicates a malformed or out-of-bounds slot range.
	ErrInvalidSlotRange = errors.New("invalid slot range")

	// ErrSlotConflict indicates two shard groups claiming the same slot in
	// the same role.
	ErrSlotConflict = errors.New("slot conflict")

	// ErrInvalidUpdate indicates a semantically invalid update, such as an
	// ADD for an already registered shard group id.
	ErrInvalidUpdate = errors.New("Invalid ShardGroup Update")

	// ErrLinkFailed indicates the remote cluster could not be contacted or
	// refused the topology import.
	ErrLinkFailed = errors.New("failed to connect to cluster for link")
)

// Sentinel errors for routing outcomes. These are classifications, not
// coordinator failures; the protocol layer renders them to clients.
var (
	// ErrClusterDown indicates the targeted slot has no owner at all.
	ErrClusterDown = errors.New("CLUSTERDOWN Hash slot not served")

	// ErrMoved indicates a permanent redirect to another shard group.
	ErrMoved = errors.New("MOVED")

	// ErrAsk indicates a one-shot redirect during slot migration.
	ErrAsk = errors.New("ASK")

	// ErrTryAgain indicates the operation is valid but not serviceable
	// until in-flight migration settles.
	ErrTryAgain = errors.New("TRYAGAIN Multiple keys request during rehashing of slot")

	// ErrCrossSlot indicates keys spanning more than one hash slot.
	ErrCrossSlot = errors.New("CROSSSLOT Keys in request don't hash to the same slot")
)

// Sentinel errors for the key-value engine.
var (
	// ErrKeyNotFound indicates that the requested key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")
)
