package bonsaidb

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var PageOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonsaidb",
	Subsystem: "storage",
	Name:      "page_ops",
}, []string{"op"})

var AtomicOperationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonsaidb",
	Subsystem: "atomic_operation",
	Name:      "operations",
}, []string{"kind", "result"})

var AtomicOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "bonsaidb",
	Subsystem: "atomic_operation",
	Name:      "duration_seconds",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"kind"})

var BonsaiTreeOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonsaidb",
	Subsystem: "bonsai",
	Name:      "tree_ops",
}, []string{"op"})

var RidBagConversions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonsaidb",
	Subsystem: "ridbag",
	Name:      "conversions",
}, []string{"direction"})

var FreeSpaceLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonsaidb",
	Subsystem: "free_space_map",
	Name:      "lookups",
}, []string{"result"})

var IndexEngineOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonsaidb",
	Subsystem: "index",
	Name:      "ops",
}, []string{"index", "op"})

var DuplicateKeyRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bonsaidb",
	Subsystem: "index",
	Name:      "duplicate_keys",
}, []string{"index"})

var allMetrics = []prometheus.Collector{
	PageOps,
	AtomicOperationCount,
	AtomicOperationDuration,
	BonsaiTreeOps,
	RidBagConversions,
	FreeSpaceLookups,
	IndexEngineOps,
	DuplicateKeyRejections,
}

// RegisterMetrics registers the package metrics and a collector reporting
// this database's operation counters.
func (db *DB) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range allMetrics {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return reg.Register(newDBCollector(db))
}

type dbCollector struct {
	db *DB

	readers        *prometheus.Desc
	writers        *prometheus.Desc
	pendingWriters *prometheus.Desc
	reads          *prometheus.Desc
	writes         *prometheus.Desc
	size           *prometheus.Desc
	engines        *prometheus.Desc
	cachedTrees    *prometheus.Desc
}

func newDBCollector(db *DB) *dbCollector {
	labels := prometheus.Labels{"backend": db.store.Kind()}
	return &dbCollector{
		db:             db,
		readers:        prometheus.NewDesc("bonsaidb_readers", "Read-only atomic operations in progress", nil, labels),
		writers:        prometheus.NewDesc("bonsaidb_writers", "Writable atomic operations in progress", nil, labels),
		pendingWriters: prometheus.NewDesc("bonsaidb_pending_writers", "Writable atomic operations waiting to start", nil, labels),
		reads:          prometheus.NewDesc("bonsaidb_reads_total", "Read-only atomic operations started", nil, labels),
		writes:         prometheus.NewDesc("bonsaidb_writes_total", "Writable atomic operations started", nil, labels),
		size:           prometheus.NewDesc("bonsaidb_size_bytes", "Database size as of the last commit", nil, labels),
		engines:        prometheus.NewDesc("bonsaidb_index_engines", "Registered index engines", nil, labels),
		cachedTrees:    prometheus.NewDesc("bonsaidb_bonsai_cached_trees", "Bonsai tree handles in the link bag cache", nil, labels),
	}
}

func (c *dbCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readers
	ch <- c.writers
	ch <- c.pendingWriters
	ch <- c.reads
	ch <- c.writes
	ch <- c.size
	ch <- c.engines
	ch <- c.cachedTrees
}

func (c *dbCollector) Collect(ch chan<- prometheus.Metric) {
	db := c.db
	ch <- prometheus.MustNewConstMetric(c.readers, prometheus.GaugeValue, float64(db.ReaderCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.writers, prometheus.GaugeValue, float64(db.WriterCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.pendingWriters, prometheus.GaugeValue, float64(db.PendingWriterCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.reads, prometheus.CounterValue, float64(db.ReadCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.writes, prometheus.CounterValue, float64(db.WriteCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(db.Size()))
	ch <- prometheus.MustNewConstMetric(c.engines, prometheus.GaugeValue, float64(db.engines.Size()))
	ch <- prometheus.MustNewConstMetric(c.cachedTrees, prometheus.GaugeValue, float64(db.collections.CachedTrees()))
}
