package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// transitions counts lifecycle transitions by kind and state.
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_sync_transitions_total",
			Help: "Sync state transitions by entity kind and state.",
		},
		[]string{"kind", "state"},
	)

	// queueDepth gauges pending actions per tenant after every change.
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pos_sync_queue_depth",
			Help: "Number of queued actions awaiting replay.",
		},
		[]string{"tenant"},
	)

	// replays counts replay attempts by outcome
	// (committed, retry, exhausted, rejected).
	replays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_sync_replay_total",
			Help: "Queued action replay attempts by outcome.",
		},
		[]string{"outcome"},
	)

	remoteLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pos_sync_remote_latency_seconds",
			Help:    "Latency of remote reconciler calls.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

func init() {
	prometheus.MustRegister(transitions, queueDepth, replays, remoteLatency)
}
