// Package metrics exposes Prometheus instrumentation for a running
// dataset writer: an explicitly constructed Registry plus an
// http.Handler suitable for mounting at /metrics.
package metrics

import (
	"github.com/micro-manager/NDStorage/bufpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Collector bundles the counters and gauges tracked for one dataset
// writer.
type Collector struct {
	registry *prometheus.Registry

	ImagesWritten   prometheus.Counter
	BytesWritten    prometheus.Counter
	Rollovers       prometheus.Counter
	QueueDepth      prometheus.Gauge
	BufferPoolHits  prometheus.Counter
	BufferPoolMiss  prometheus.Counter
}

// NewCollector builds and registers a fresh set of metrics under the
// ndtiff_ namespace.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		ImagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndtiff",
			Name:      "images_written_total",
			Help:      "Number of images accepted by PutImage/PutImageMultiRes.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndtiff",
			Name:      "bytes_written_total",
			Help:      "Number of pixel bytes written to container files.",
		}),
		Rollovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndtiff",
			Name:      "file_rollovers_total",
			Help:      "Number of times a resolution level rolled over to a new container file.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ndtiff",
			Name:      "write_queue_depth",
			Help:      "Current number of pending tasks in the single-writer queue.",
		}),
		BufferPoolHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndtiff",
			Name:      "buffer_pool_hits_total",
			Help:      "Number of buffer pool gets satisfied from a recycled buffer.",
		}),
		BufferPoolMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ndtiff",
			Name:      "buffer_pool_misses_total",
			Help:      "Number of buffer pool gets that allocated a fresh buffer.",
		}),
	}
	reg.MustRegister(c.ImagesWritten, c.BytesWritten, c.Rollovers, c.QueueDepth, c.BufferPoolHits, c.BufferPoolMiss)
	return c
}

// poolSampler remembers the last hit/miss counts read from a pool.
type poolSampler struct {
	lastHits, lastMisses int64
}

// NewPoolSampler returns a function that copies the current hit/miss
// counts from pool into the collector's counters. Counters only move
// forward, so it reads pool.Stats() and adds the delta since the last
// sample.
func (c *Collector) NewPoolSampler() func(pool *bufpool.Pool) {
	s := &poolSampler{}
	return func(pool *bufpool.Pool) {
		hits, misses := pool.Stats()
		if d := hits - s.lastHits; d > 0 {
			c.BufferPoolHits.Add(float64(d))
		}
		if d := misses - s.lastMisses; d > 0 {
			c.BufferPoolMiss.Add(float64(d))
		}
		s.lastHits, s.lastMisses = hits, misses
	}
}

// Handler returns an http.Handler serving this collector's registry in
// the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriterObserver adapts the collector to the writer-pipeline event
// callbacks the pyramid orchestrator fires (it satisfies
// pyramid.Observer structurally; this package never imports pyramid).
// pool may be nil, in which case the buffer-pool counters stay at zero.
type WriterObserver struct {
	c      *Collector
	pool   *bufpool.Pool
	sample func(*bufpool.Pool)
}

// WriterObserver returns an observer feeding this collector.
func (c *Collector) WriterObserver(pool *bufpool.Pool) *WriterObserver {
	return &WriterObserver{c: c, pool: pool, sample: c.NewPoolSampler()}
}

func (o *WriterObserver) ImageWritten(pixelBytes int) {
	o.c.ImagesWritten.Inc()
	o.c.BytesWritten.Add(float64(pixelBytes))
	if o.pool != nil {
		o.sample(o.pool)
	}
}

func (o *WriterObserver) QueueDepth(depth int) {
	o.c.QueueDepth.Set(float64(depth))
}

func (o *WriterObserver) FileRolled() {
	o.c.Rollovers.Inc()
}
