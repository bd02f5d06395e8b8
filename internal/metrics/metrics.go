// Package metrics provides Prometheus metrics for persistence sessions.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the metrics recorded by sessions. A nil *Collector records nothing.
type Collector struct {
	OperationsTotal      *prometheus.CounterVec
	DirtySkipsTotal      *prometheus.CounterVec
	CascadeFailuresTotal *prometheus.CounterVec
	FlushDuration        prometheus.Histogram
}

var (
	mu         sync.Mutex
	collectors = map[prometheus.Registerer]*Collector{}
)

// For returns the collector registered with reg, creating and registering it
// on first use. Sessions sharing a registerer share counters. A nil reg
// returns a nil collector.
func For(reg prometheus.Registerer) *Collector {
	if reg == nil {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	if c, ok := collectors[reg]; ok {
		return c
	}
	c := newCollector(reg)
	collectors[reg] = c
	return c
}

func newCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graft_operations_total",
				Help: "Total number of committed persistence operations",
			},
			[]string{"entity", "op"},
		),
		DirtySkipsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graft_dirty_skips_total",
				Help: "Total number of updates skipped because nothing changed",
			},
			[]string{"entity"},
		),
		CascadeFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graft_cascade_failures_total",
				Help: "Total number of cascade actions that failed after a commit",
			},
			[]string{"entity"},
		),
		FlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "graft_flush_duration_seconds",
				Help:    "Duration of session flushes in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// Operation records a committed operation.
func (c *Collector) Operation(entity, op string) {
	if c == nil {
		return
	}
	c.OperationsTotal.WithLabelValues(entity, op).Inc()
}

// DirtySkip records an update skipped by the dirty check.
func (c *Collector) DirtySkip(entity string) {
	if c == nil {
		return
	}
	c.DirtySkipsTotal.WithLabelValues(entity).Inc()
}

// CascadeFailure records failed cascade actions.
func (c *Collector) CascadeFailure(entity string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.CascadeFailuresTotal.WithLabelValues(entity).Add(float64(n))
}

// ObserveFlush records the duration of a flush.
func (c *Collector) ObserveFlush(d time.Duration) {
	if c == nil {
		return
	}
	c.FlushDuration.Observe(d.Seconds())
}
