package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignalsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartpulse_signals_ingested_total",
		Help: "The total number of signal envelopes appended to the store",
	}, []string{"source"})

	SignalsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartpulse_signals_duplicate_total",
		Help: "The total number of duplicate envelopes rejected on append",
	}, []string{"source"})

	SignalsStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartpulse_signals_stale_total",
		Help: "The total number of envelopes dropped for exceeding the staleness window",
	}, []string{"source"})

	SignalsReplayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartpulse_signals_replayed_total",
		Help: "The total number of idempotent re-deliveries accepted as no-ops",
	}, []string{"source"})

	IngestLagSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chartpulse_ingest_lag_seconds",
		Help:    "Lag between source-reported observation time and local arrival",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 43200, 86400},
	}, []string{"source"})

	AdapterFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartpulse_adapter_fetch_total",
		Help: "Total number of platform API fetches by adapter and status",
	}, []string{"adapter", "status"})

	AdapterFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chartpulse_adapter_fetch_duration_seconds",
		Help:    "Duration of platform API fetches",
		Buckets: prometheus.DefBuckets,
	}, []string{"adapter"})

	ScoringPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chartpulse_scoring_pass_duration_seconds",
		Help:    "Duration of one full scoring pass over dirty tracks",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	ScoringTracksScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chartpulse_scoring_tracks_scored_total",
		Help: "Total number of per-track score computations",
	})

	ScoringFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chartpulse_scoring_failures_total",
		Help: "Total number of score computations that failed on storage reads",
	})

	ScoreDistribution = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chartpulse_score_distribution",
		Help:    "Distribution of computed momentum scores",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	DirtyBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chartpulse_dirty_backlog",
		Help: "Number of tracks marked dirty since the last scoring pass",
	})

	EmergingSetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chartpulse_emerging_set_size",
		Help: "Current number of tracks in the emerging set",
	})

	MembershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartpulse_membership_transitions_total",
		Help: "Total number of emerging-set transitions by direction",
	}, []string{"transition"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chartpulse_change_events_dropped_total",
		Help: "Total number of change events dropped because a subscriber lagged",
	})

	ParamsReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chartpulse_params_reloads_total",
		Help: "Total number of engine parameter reload attempts by outcome",
	}, []string{"outcome"})

	TracksArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chartpulse_tracks_archived_total",
		Help: "Total number of tracks flagged inactive by the archive sweep",
	})
)
