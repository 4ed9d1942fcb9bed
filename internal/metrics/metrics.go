// Package metrics exposes coordinator metrics via prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "redisraft"

var (
	// TopologyUpdates counts applied shard group mutations.
	TopologyUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topology_updates_total",
			Help:      "Total number of applied shard group updates",
		},
		[]string{"op"}, // op: add/update/replace
	)

	// RoutingDecisions counts classifier outcomes.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total number of routing classifications by outcome",
		},
		[]string{"outcome"}, // execute/moved/ask/tryagain/crossslot/clusterdown
	)

	// RefreshAttempts counts foreign shard group refresh attempts.
	RefreshAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shardgroup_refresh_total",
			Help:      "Total number of foreign shard group refresh attempts",
		},
		[]string{"status"}, // ok/changed/error
	)

	// ProposeDuration measures topology proposal latency, append included.
	ProposeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "propose_duration_seconds",
			Help:      "Latency of replicated topology proposals",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)
)
