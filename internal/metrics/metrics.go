// Package metrics provides Prometheus metrics for the catalog and lifecycle engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
// Every helper method is safe to call on a nil *Metrics.
type Metrics struct {
	// Catalog metrics
	CatalogCommits         *prometheus.CounterVec
	CatalogCommitConflicts *prometheus.CounterVec
	CatalogCommitFailures  *prometheus.CounterVec
	CatalogRevision        *prometheus.GaugeVec
	CatalogReplayed        *prometheus.CounterVec
	CatalogOpenDuration    *prometheus.HistogramVec
	CheckpointsWritten     *prometheus.CounterVec

	// Lifecycle metrics
	LifecycleTransitions  *prometheus.CounterVec
	LifecycleScanDuration *prometheus.HistogramVec
	LifecycleInFlight     *prometheus.GaugeVec

	// Buffer metrics
	BufferedBytes *prometheus.GaugeVec
	ChunksByTier  *prometheus.GaugeVec

	// Write path
	RowsWritten    *prometheus.CounterVec
	WritesRejected *prometheus.CounterVec
	PersistedBytes *prometheus.HistogramVec

	// Error metrics
	StorageErrors *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"` // Address for metrics HTTP server (e.g., ":9090")
	Namespace string `yaml:"namespace"`
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "chunk_lifecycle"
	}

	m := &Metrics{
		CatalogCommits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_commits_total",
				Help:      "Total number of catalog transactions committed",
			},
			[]string{"database"},
		),
		CatalogCommitConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_commit_conflicts_total",
				Help:      "Commit attempts that lost the create-if-absent race",
			},
			[]string{"database"},
		),
		CatalogCommitFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_commit_failures_total",
				Help:      "Commits that returned an error",
			},
			[]string{"database", "reason"},
		),
		CatalogRevision: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_revision",
				Help:      "Latest known catalog revision",
			},
			[]string{"database"},
		),
		CatalogReplayed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_transactions_replayed_total",
				Help:      "Transactions replayed while opening or refreshing the catalog",
			},
			[]string{"database"},
		),
		CatalogOpenDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "catalog_open_duration_seconds",
				Help:      "Time to list, verify and replay the catalog",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"database"},
		),
		CheckpointsWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_checkpoints_written_total",
				Help:      "Checkpoints written",
			},
			[]string{"database"},
		),
		LifecycleTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_transitions_total",
				Help:      "Chunk transitions issued by the lifecycle engine",
			},
			[]string{"database", "action", "outcome"},
		),
		LifecycleScanDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lifecycle_scan_duration_seconds",
				Help:      "Time spent evaluating rules in one scan",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"database"},
		),
		LifecycleInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "lifecycle_transitions_in_flight",
				Help:      "Background transitions currently running",
			},
			[]string{"database"},
		),
		BufferedBytes: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffered_bytes",
				Help:      "Estimated in-memory bytes by tier",
			},
			[]string{"database", "tier"},
		),
		ChunksByTier: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chunks",
				Help:      "Number of chunks by storage tier",
			},
			[]string{"database", "tier"},
		),
		RowsWritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Rows accepted by the write path",
			},
			[]string{"database", "table"},
		),
		WritesRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writes_rejected_total",
				Help:      "Writes rejected by the write path",
			},
			[]string{"database", "reason"},
		),
		PersistedBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "persisted_file_bytes",
				Help:      "Size of persisted chunk files",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
			},
			[]string{"database"},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Object store errors by operation",
			},
			[]string{"database", "operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Database  string
	Action    string
	Outcome   string
	Tier      string
	Reason    string
	Table     string
	Operation string
}

// IncCommits increments the committed transactions counter.
func (m *Metrics) IncCommits(l Labels) {
	if m == nil {
		return
	}
	m.CatalogCommits.WithLabelValues(l.Database).Inc()
}

// IncCommitConflicts increments the lost-race counter.
func (m *Metrics) IncCommitConflicts(l Labels) {
	if m == nil {
		return
	}
	m.CatalogCommitConflicts.WithLabelValues(l.Database).Inc()
}

// IncCommitFailures increments the failed commits counter.
func (m *Metrics) IncCommitFailures(l Labels) {
	if m == nil {
		return
	}
	m.CatalogCommitFailures.WithLabelValues(l.Database, l.Reason).Inc()
}

// SetRevision records the latest known revision.
func (m *Metrics) SetRevision(l Labels, rev float64) {
	if m == nil {
		return
	}
	m.CatalogRevision.WithLabelValues(l.Database).Set(rev)
}

// AddReplayed counts replayed transactions.
func (m *Metrics) AddReplayed(l Labels, count float64) {
	if m == nil {
		return
	}
	m.CatalogReplayed.WithLabelValues(l.Database).Add(count)
}

// ObserveOpenDuration records how long opening the catalog took.
func (m *Metrics) ObserveOpenDuration(l Labels, seconds float64) {
	if m == nil {
		return
	}
	m.CatalogOpenDuration.WithLabelValues(l.Database).Observe(seconds)
}

// IncCheckpoints increments the checkpoints counter.
func (m *Metrics) IncCheckpoints(l Labels) {
	if m == nil {
		return
	}
	m.CheckpointsWritten.WithLabelValues(l.Database).Inc()
}

// IncTransitions counts a lifecycle transition by action and outcome.
func (m *Metrics) IncTransitions(l Labels) {
	if m == nil {
		return
	}
	m.LifecycleTransitions.WithLabelValues(l.Database, l.Action, l.Outcome).Inc()
}

// ObserveScanDuration records one lifecycle scan.
func (m *Metrics) ObserveScanDuration(l Labels, seconds float64) {
	if m == nil {
		return
	}
	m.LifecycleScanDuration.WithLabelValues(l.Database).Observe(seconds)
}

// AddInFlight adjusts the in-flight transitions gauge.
func (m *Metrics) AddInFlight(l Labels, delta float64) {
	if m == nil {
		return
	}
	m.LifecycleInFlight.WithLabelValues(l.Database).Add(delta)
}

// SetBufferedBytes records buffered bytes for a tier.
func (m *Metrics) SetBufferedBytes(l Labels, bytes float64) {
	if m == nil {
		return
	}
	m.BufferedBytes.WithLabelValues(l.Database, l.Tier).Set(bytes)
}

// SetChunks records the number of chunks in a tier.
func (m *Metrics) SetChunks(l Labels, count float64) {
	if m == nil {
		return
	}
	m.ChunksByTier.WithLabelValues(l.Database, l.Tier).Set(count)
}

// AddRowsWritten counts accepted rows.
func (m *Metrics) AddRowsWritten(l Labels, rows float64) {
	if m == nil {
		return
	}
	m.RowsWritten.WithLabelValues(l.Database, l.Table).Add(rows)
}

// IncWritesRejected counts a rejected write.
func (m *Metrics) IncWritesRejected(l Labels) {
	if m == nil {
		return
	}
	m.WritesRejected.WithLabelValues(l.Database, l.Reason).Inc()
}

// ObservePersistedBytes records the size of a persisted file.
func (m *Metrics) ObservePersistedBytes(l Labels, bytes float64) {
	if m == nil {
		return
	}
	m.PersistedBytes.WithLabelValues(l.Database).Observe(bytes)
}

// IncStorageErrors counts an object store failure.
func (m *Metrics) IncStorageErrors(l Labels) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(l.Database, l.Operation).Inc()
}
