package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	AnnouncementsSeededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "extrapolator_announcements_seeded_total",
			Help: "Monitor announcements installed during seeding.",
		},
	)

	AnnouncementsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extrapolator_announcements_forwarded_total",
			Help: "Announcements handed to a neighbour's incoming queue.",
		},
		[]string{"band"},
	)

	BrokenPathsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extrapolator_broken_paths_total",
			Help: "AS paths truncated during seeding.",
		},
		[]string{"reason"},
	)

	MalformedRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extrapolator_malformed_records_total",
			Help: "Input rows skipped as unparsable.",
		},
		[]string{"stream"},
	)

	SourceRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extrapolator_source_records_total",
			Help: "Rows consumed from the record source.",
		},
		[]string{"stream"},
	)

	IngressRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extrapolator_ingress_rejects_total",
			Help: "Announcements rejected by an ingress policy.",
		},
		[]string{"policy"},
	)

	WithdrawalsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "extrapolator_withdrawals_applied_total",
			Help: "Loc-RIB entries dropped by a withdrawal.",
		},
	)

	LoopEntriesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "extrapolator_loop_entries_dropped_total",
			Help: "Loc-RIB entries removed by the post-propagation loop check.",
		},
	)

	CyclesCompressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "extrapolator_cycles_compressed_total",
			Help: "Customer-provider cycles collapsed into supernodes.",
		},
	)

	StubsElidedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "extrapolator_stubs_elided_total",
			Help: "Stub ASes removed from the propagation graph.",
		},
	)

	GraphASes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "extrapolator_graph_ases",
			Help: "Representative AS nodes after graph processing.",
		},
	)

	GraphRanks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "extrapolator_graph_ranks",
			Help: "Number of rank levels in the provider-customer DAG.",
		},
	)

	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "extrapolator_phase_duration_seconds",
			Help:    "Wall time per propagation phase.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)

	BlockPrefixes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extrapolator_block_prefixes",
			Help:    "Prefixes per iteration block.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	ResultRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extrapolator_result_rows_total",
			Help: "Rows handed to a result sink.",
		},
		[]string{"sink"},
	)

	SinkWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "extrapolator_sink_write_duration_seconds",
			Help:    "Result sink flush latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"sink"},
	)

	AttacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "extrapolator_attacks_total",
			Help: "Victim/prefix pairs evaluated for hijack success.",
		},
	)

	SuccessfulAttacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "extrapolator_successful_attacks_total",
			Help: "Victim/prefix pairs that installed an attacker route.",
		},
	)

	CurrentRound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "extrapolator_current_round",
			Help: "Hijack round currently propagating.",
		},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		AnnouncementsSeededTotal,
		AnnouncementsForwardedTotal,
		BrokenPathsTotal,
		MalformedRecordsTotal,
		SourceRecordsTotal,
		IngressRejectsTotal,
		WithdrawalsAppliedTotal,
		LoopEntriesDroppedTotal,
		CyclesCompressedTotal,
		StubsElidedTotal,
		GraphASes,
		GraphRanks,
		PhaseDuration,
		BlockPrefixes,
		ResultRowsTotal,
		SinkWriteDuration,
		AttacksTotal,
		SuccessfulAttacksTotal,
		CurrentRound,
	)
}
