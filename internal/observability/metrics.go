// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Tick metrics
	TicksTotal      *prometheus.CounterVec
	TickDuration    prometheus.Histogram
	SamplesReceived prometheus.Counter
	LastTickUnix    prometheus.Gauge

	// Analytics metrics
	TrackedSymbols   prometheus.Gauge
	OngoingWaves     prometheus.Gauge
	ClosedWaves      prometheus.Counter
	MarketIndexValue prometheus.Gauge
	DataQualityGaps  *prometheus.CounterVec

	// Reconciler metrics
	BackfillRuns      *prometheus.CounterVec
	BackfillPoints    *prometheus.CounterVec
	GapsDetected      prometheus.Counter
	RecordsPurged     *prometheus.CounterVec
	PersistConflicts  *prometheus.CounterVec
	FeedInterruptions prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "market_breadth"
	}

	return &Metrics{
		TicksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of ticks by status",
		}, []string{"status"}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Tick duration in seconds, computation and persistence",
			Buckets:   prometheus.DefBuckets,
		}),
		SamplesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "samples_received_total",
			Help:      "Total number of price samples handed to the analytics core",
		}),
		LastTickUnix: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_tick_timestamp",
			Help:      "Unix timestamp of last successful tick",
		}),

		TrackedSymbols: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "tracked_symbols",
			Help:      "Number of symbols with a base price",
		}),
		OngoingWaves: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "ongoing_waves",
			Help:      "Number of open uptrend waves",
		}),
		ClosedWaves: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "closed_waves_total",
			Help:      "Total number of uptrend waves closed by a pullback",
		}),
		MarketIndexValue: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "market_index_value",
			Help:      "Latest market index value (mean change percent)",
		}),
		DataQualityGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "data_quality_gaps_total",
			Help:      "Symbols skipped for a cycle by reason",
		}, []string{"reason"}),

		BackfillRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "backfill_runs_total",
			Help:      "Total number of backfill runs by trigger",
		}, []string{"trigger"}),
		BackfillPoints: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "backfill_points_total",
			Help:      "Backfilled timestamps by outcome",
		}, []string{"outcome"}),
		GapsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "gaps_detected_total",
			Help:      "Total number of missing index timestamps detected",
		}),
		RecordsPurged: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "records_purged_total",
			Help:      "Records removed by retention, by table",
		}, []string{"table"}),
		PersistConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "conflicts_total",
			Help:      "Duplicate writes treated as already satisfied",
		}, []string{"table"}),
		FeedInterruptions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "interruptions_total",
			Help:      "Ticks that received no samples from the feed",
		}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTick records a finished tick.
func RecordTick(status string, seconds float64, samples int) {
	DefaultMetrics.TicksTotal.WithLabelValues(status).Inc()
	DefaultMetrics.TickDuration.Observe(seconds)
	DefaultMetrics.SamplesReceived.Add(float64(samples))
}

// MarkTickSuccess updates the last successful tick gauge.
func MarkTickSuccess(unixSeconds int64) {
	DefaultMetrics.LastTickUnix.Set(float64(unixSeconds))
}

// RecordDataQualityGap increments the skipped-symbol counter.
func RecordDataQualityGap(reason string) {
	DefaultMetrics.DataQualityGaps.WithLabelValues(reason).Inc()
}

// UpdateAnalytics updates the analytics gauges after a tick.
func UpdateAnalytics(trackedSymbols, ongoingWaves int, indexValue float64) {
	DefaultMetrics.TrackedSymbols.Set(float64(trackedSymbols))
	DefaultMetrics.OngoingWaves.Set(float64(ongoingWaves))
	DefaultMetrics.MarketIndexValue.Set(indexValue)
}

// RecordWavesClosed increments the closed waves counter.
func RecordWavesClosed(n int) {
	DefaultMetrics.ClosedWaves.Add(float64(n))
}

// RecordBackfill records one backfill run and its per-point outcomes.
func RecordBackfill(trigger string, gaps, filled, skipped, conflicts, failed int) {
	DefaultMetrics.BackfillRuns.WithLabelValues(trigger).Inc()
	DefaultMetrics.GapsDetected.Add(float64(gaps))
	DefaultMetrics.BackfillPoints.WithLabelValues("filled").Add(float64(filled))
	DefaultMetrics.BackfillPoints.WithLabelValues("skipped").Add(float64(skipped))
	DefaultMetrics.BackfillPoints.WithLabelValues("conflict").Add(float64(conflicts))
	DefaultMetrics.BackfillPoints.WithLabelValues("failed").Add(float64(failed))
}

// RecordPurge records records removed by retention.
func RecordPurge(table string, n int64) {
	DefaultMetrics.RecordsPurged.WithLabelValues(table).Add(float64(n))
}

// RecordConflict records a duplicate write that was ignored.
func RecordConflict(table string) {
	DefaultMetrics.PersistConflicts.WithLabelValues(table).Inc()
}

// RecordFeedInterruption records a tick without samples.
func RecordFeedInterruption() {
	DefaultMetrics.FeedInterruptions.Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
