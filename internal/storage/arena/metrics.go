package arena

import (
	"reflect"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects arena counters for Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	decodes        *prometheus.CounterVec
	decodeDuration *prometheus.HistogramVec
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	flushedNodes   prometheus.Counter
	gcRuns         prometheus.Counter
	gcDeleted      prometheus.Counter
	gcDuration     prometheus.Histogram

	backend  atomic.Pointer[StorageBackend]
	readLen  *prometheus.Desc
	writeLen *prometheus.Desc
	live     *prometheus.Desc
	missing  *prometheus.Desc
}

// NewMetrics creates the arena metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		decodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arena",
			Name:      "decodes_total",
			Help:      "Values reconstructed from stored nodes, by type and result.",
		}, []string{"type", "result"}),
		decodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arena",
			Name:      "decode_duration_seconds",
			Help:      "Time spent reconstructing values, by type.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"type"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "cache_hits_total",
			Help:      "Node lookups served from memory.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "cache_misses_total",
			Help:      "Node lookups that went to the database.",
		}),
		flushedNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "flushed_nodes_total",
			Help:      "Pending nodes written to the database.",
		}),
		gcRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "runs_total",
			Help:      "Completed garbage collection passes.",
		}),
		gcDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "deleted_nodes_total",
			Help:      "Nodes removed by garbage collection.",
		}),
		gcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "duration_seconds",
			Help:      "Duration of garbage collection passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		readLen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "read_cache_nodes"),
			"Nodes in the read cache.", nil, nil),
		writeLen: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "write_cache_nodes"),
			"Pending nodes in the write cache.", nil, nil),
		live: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "live_inserts"),
			"Nodes currently held by the arena.", nil, nil),
		missing: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "known_missing_total"),
			"Node lookups answered by the negative cache.", nil, nil),
	}
}

func (m *Metrics) attach(b *StorageBackend) {
	if m != nil {
		m.backend.Store(b)
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.decodes, m.decodeDuration, m.cacheHits, m.cacheMisses,
		m.flushedNodes, m.gcRuns, m.gcDeleted, m.gcDuration,
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
	ch <- m.readLen
	ch <- m.writeLen
	ch <- m.live
	ch <- m.missing
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
	b := m.backend.Load()
	if b == nil {
		return
	}
	s := b.GetStats()
	ch <- prometheus.MustNewConstMetric(m.readLen, prometheus.GaugeValue, float64(s.ReadCacheLen))
	ch <- prometheus.MustNewConstMetric(m.writeLen, prometheus.GaugeValue, float64(s.WriteCacheLen))
	ch <- prometheus.MustNewConstMetric(m.live, prometheus.GaugeValue, float64(s.LiveInserts))
	ch <- prometheus.MustNewConstMetric(m.missing, prometheus.CounterValue, float64(s.MissingHits))
}

func (m *Metrics) decoded(t reflect.Type, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	name := typeName(t)
	m.decodes.WithLabelValues(name, result).Inc()
	m.decodeDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) flushed(n int) {
	if m != nil {
		m.flushedNodes.Add(float64(n))
	}
}

func (m *Metrics) collected(r GCResult) {
	if m == nil {
		return
	}
	m.gcRuns.Inc()
	m.gcDeleted.Add(float64(r.Deleted))
	m.gcDuration.Observe(r.Duration.Seconds())
}
