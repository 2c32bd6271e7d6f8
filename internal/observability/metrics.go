package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline service.
type Metrics struct {
	// --- Runs ---
	RunsStarted   *prometheus.CounterVec
	RunsFinished  *prometheus.CounterVec
	RunsDeduped   prometheus.Counter
	RunDuration   *prometheus.HistogramVec
	RunsInFlight  prometheus.Gauge
	StepsFinished *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec

	// --- Engine outputs ---
	SnapshotsWritten *prometheus.CounterVec
	RealizedLocked   prometheus.Counter
	FlagsRaised      *prometheus.CounterVec

	// --- Market data ---
	MarketLookups    *prometheus.CounterVec
	MarketLookupMiss *prometheus.CounterVec
	MarketSeriesGaps *prometheus.CounterVec

	// --- Timeline ---
	TimelineEmitted  *prometheus.CounterVec
	TimelineDeduped  prometheus.Counter
	TimelineFailures prometheus.Counter

	// --- Persistence ---
	StoreQueryDuration *prometheus.HistogramVec
	StoreErrors        *prometheus.CounterVec

	// --- HTTP API ---
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
	PreviewBuilds  prometheus.Counter
	PreviewLatency prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	runBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	queryBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		RunsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_pipeline_runs_started_total",
			Help: "Pipeline runs that entered the running state",
		}, []string{"mode"}),

		RunsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_pipeline_runs_finished_total",
			Help: "Pipeline runs reaching a terminal state",
		}, []string{"mode", "status"}),

		RunsDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mf_pipeline_runs_deduped_total",
			Help: "Run requests resolved to an existing run by inputs_hash",
		}),

		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mf_pipeline_run_duration_seconds",
			Help:    "Wall time of a full pipeline run",
			Buckets: runBuckets,
		}, []string{"mode"}),

		RunsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mf_pipeline_runs_in_flight",
			Help: "Runs currently executing in this process",
		}),

		StepsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_pipeline_steps_finished_total",
			Help: "Pipeline steps reaching a terminal state",
		}, []string{"step", "status"}),

		StepDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mf_pipeline_step_duration_seconds",
			Help:    "Wall time of a single pipeline step",
			Buckets: runBuckets,
		}, []string{"step"}),

		SnapshotsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_snapshots_written_total",
			Help: "Read-model rows upserted by kind",
		}, []string{"kind"}),

		RealizedLocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mf_pnl_realized_locked_total",
			Help: "Realized P&L rows locked for the first time",
		}),

		FlagsRaised: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_risk_flags_raised_total",
			Help: "Risk flag rows persisted per code",
		}, []string{"flag_code", "severity"}),

		MarketLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_market_lookups_total",
			Help: "Market observation lookups by symbol",
		}, []string{"symbol"}),

		MarketLookupMiss: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_market_lookup_misses_total",
			Help: "Market lookups with no published observation",
		}, []string{"symbol"}),

		MarketSeriesGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_market_series_gap_days_total",
			Help: "Unpublished days seen in observation windows",
		}, []string{"symbol"}),

		TimelineEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_timeline_events_emitted_total",
			Help: "Timeline events published",
		}, []string{"event_type"}),

		TimelineDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mf_timeline_events_deduped_total",
			Help: "Timeline events absorbed by the stream duplicate window",
		}),

		TimelineFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mf_timeline_publish_failures_total",
			Help: "Timeline publish attempts that errored",
		}),

		StoreQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mf_store_query_duration_seconds",
			Help:    "Postgres statement duration",
			Buckets: queryBuckets,
		}, []string{"query"}),

		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_store_errors_total",
			Help: "Postgres statement errors",
		}, []string{"query"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mf_http_requests_total",
			Help: "API requests by route and status class",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mf_http_request_duration_seconds",
			Help:    "API request duration",
			Buckets: queryBuckets,
		}, []string{"route"}),

		PreviewBuilds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mf_cashflow_preview_builds_total",
			Help: "Cashflow previews computed",
		}),

		PreviewLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mf_cashflow_preview_duration_seconds",
			Help:    "Cashflow preview build duration",
			Buckets: queryBuckets,
		}),
	}
}
