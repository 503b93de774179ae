// Package metrics provides Prometheus metrics for TreeStore
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TreeStore
type Metrics struct {
	// Page cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CacheEvictionsTotal  prometheus.Counter
	CachePagesInUse      prometheus.Gauge

	// WAL metrics
	WalAppendsTotal      prometheus.Counter
	WalAppendBytesTotal  prometheus.Counter
	WalFlushDuration     prometheus.Histogram
	WalFlushedLSN        prometheus.Gauge

	// Atomic-op metrics
	TxnCommitsTotal   prometheus.Counter
	TxnRollbacksTotal prometheus.Counter
	TxnDuration       *prometheus.HistogramVec

	// Per-tree metrics, labeled by tree/file name
	TreeEntriesTotal *prometheus.GaugeVec
	TreeOpsTotal     *prometheus.CounterVec
	TreeOpDuration   *prometheus.HistogramVec

	// Bonsai-specific
	BonsaiFreeListLength *prometheus.GaugeVec

	// Hash-directory-specific
	HashDirNodesTotal *prometheus.GaugeVec

	// Position-map-specific
	PosMapFillRatio *prometheus.GaugeVec

	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treestore_cache_hits_total",
		Help: "Total number of page cache hits",
	})
	m.CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treestore_cache_misses_total",
		Help: "Total number of page cache misses",
	})
	m.CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treestore_cache_evictions_total",
		Help: "Total number of page evictions",
	})
	m.CachePagesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treestore_cache_pages_in_use",
		Help: "Current number of cached pages",
	})

	m.WalAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treestore_wal_appends_total",
		Help: "Total number of WAL record appends",
	})
	m.WalAppendBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treestore_wal_append_bytes_total",
		Help: "Total number of bytes appended to the WAL",
	})
	m.WalFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "treestore_wal_flush_duration_seconds",
		Help:    "Duration of WAL flush calls",
		Buckets: prometheus.DefBuckets,
	})
	m.WalFlushedLSN = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treestore_wal_flushed_lsn",
		Help: "Highest LSN durably flushed to the WAL",
	})

	m.TxnCommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treestore_txn_commits_total",
		Help: "Total number of committed atomic operations",
	})
	m.TxnRollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treestore_txn_rollbacks_total",
		Help: "Total number of rolled-back atomic operations",
	})
	m.TxnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treestore_txn_duration_seconds",
			Help:    "Duration of atomic operations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"outcome"},
	)

	m.TreeEntriesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treestore_tree_entries_total",
			Help: "Number of entries currently stored per tree",
		},
		[]string{"tree"},
	)
	m.TreeOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treestore_tree_operations_total",
			Help: "Total number of tree operations",
		},
		[]string{"tree", "operation", "status"},
	)
	m.TreeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treestore_tree_operation_duration_seconds",
			Help:    "Duration of tree operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tree", "operation"},
	)

	m.BonsaiFreeListLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treestore_bonsai_free_list_length",
			Help: "Length of a bonsai file's sub-page-bucket free list",
		},
		[]string{"file"},
	)

	m.HashDirNodesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treestore_hashdir_nodes_total",
			Help: "Number of live nodes in a hash directory",
		},
		[]string{"directory"},
	)

	m.PosMapFillRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treestore_posmap_fill_ratio",
			Help: "Fraction of a position map's current bucket chain that is filled",
		},
		[]string{"map"},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treestore_uptime_seconds",
		Help: "Process uptime in seconds",
	})

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the process uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordCacheHit increments the cache-hit counter.
func (m *Metrics) RecordCacheHit() { m.CacheHitsTotal.Inc() }

// RecordCacheMiss increments the cache-miss counter.
func (m *Metrics) RecordCacheMiss() { m.CacheMissesTotal.Inc() }

// RecordCacheEviction increments the cache-eviction counter.
func (m *Metrics) RecordCacheEviction() { m.CacheEvictionsTotal.Inc() }

// RecordWalAppend records one WAL append of the given size.
func (m *Metrics) RecordWalAppend(bytes int) {
	m.WalAppendsTotal.Inc()
	m.WalAppendBytesTotal.Add(float64(bytes))
}

// RecordWalFlush records a WAL flush's duration and resulting LSN.
func (m *Metrics) RecordWalFlush(duration time.Duration, flushedLSN uint64) {
	m.WalFlushDuration.Observe(duration.Seconds())
	m.WalFlushedLSN.Set(float64(flushedLSN))
}

// RecordTxn records an atomic operation's outcome and duration.
func (m *Metrics) RecordTxn(committed bool, duration time.Duration) {
	outcome := "commit"
	if committed {
		m.TxnCommitsTotal.Inc()
	} else {
		outcome = "rollback"
		m.TxnRollbacksTotal.Inc()
	}
	m.TxnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordTreeOp records a tree operation's outcome and duration.
func (m *Metrics) RecordTreeOp(tree, operation, status string, duration time.Duration) {
	m.TreeOpsTotal.WithLabelValues(tree, operation, status).Inc()
	m.TreeOpDuration.WithLabelValues(tree, operation).Observe(duration.Seconds())
}

// UpdateTreeSize sets the current entry count for a tree.
func (m *Metrics) UpdateTreeSize(tree string, size int64) {
	m.TreeEntriesTotal.WithLabelValues(tree).Set(float64(size))
}

// UpdateBonsaiFreeListLength sets a bonsai file's free-list length gauge.
func (m *Metrics) UpdateBonsaiFreeListLength(file string, length int64) {
	m.BonsaiFreeListLength.WithLabelValues(file).Set(float64(length))
}

// UpdateHashDirNodes sets a hash directory's live node count gauge.
func (m *Metrics) UpdateHashDirNodes(directory string, count int64) {
	m.HashDirNodesTotal.WithLabelValues(directory).Set(float64(count))
}

// UpdatePosMapFillRatio sets a position map's fill ratio gauge.
func (m *Metrics) UpdatePosMapFillRatio(name string, ratio float64) {
	m.PosMapFillRatio.WithLabelValues(name).Set(ratio)
}
