package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	AppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "RaftFS",
		Name:      "applied_index",
		Help:      "last log index applied to the state machine",
	})

	ProposalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "RaftFS",
		Name:      "proposal_duration_seconds",
		Help:      "latency from propose to applied result",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	PeerMessageSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "RaftFS",
		Name:      "peer_messages_sent_total",
		Help:      "peer frames written, by kind",
	}, []string{"kind"})

	PeerMessageDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "RaftFS",
		Name:      "peer_messages_dropped_total",
		Help:      "peer messages dropped on a full or unreachable queue",
	})

	SnapshotSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "RaftFS",
		Name:      "snapshots_sent_total",
		Help:      "outgoing snapshot streams, by result",
	}, []string{"result"})

	BlockCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "RaftFS",
		Name:      "block_count",
		Help:      "live blocks in the block store",
	})

	BlockBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "RaftFS",
		Name:      "block_bytes",
		Help:      "logical bytes held by live blocks",
	})
)

func init() {
	Registry.MustRegister(
		AppliedIndex,
		ProposalDuration,
		PeerMessageSent,
		PeerMessageDropped,
		SnapshotSent,
		BlockCount,
		BlockBytes,
	)
}
