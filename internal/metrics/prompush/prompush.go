// Package prompush implements a metrics.Backend that accumulates samples in a
// private Prometheus registry and pushes them to a Pushgateway on Flush.
//
// A conversion run is a batch job, so there is no scrape endpoint; the binary
// calls Flush once at exit (and the engine may flush between stages).
package prompush

import (
	"fmt"
	"strings"
	"sync"

	"statevsql/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend implements metrics.Backend for the Prometheus Pushgateway.
type Backend struct {
	pusher *push.Pusher

	mu       sync.Mutex
	registry *prometheus.Registry

	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	rows     *prometheus.CounterVec
	lines    *prometheus.CounterVec
	diags    *prometheus.CounterVec
	batches  prometheus.Counter
}

// NewBackend creates a backend pushing under job to the gateway at url.
func NewBackend(job, url string) (*Backend, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("prompush: empty pushgateway url")
	}
	if job == "" {
		job = "statev_sql"
	}

	b := &Backend{registry: prometheus.NewRegistry()}

	b.steps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.StepTotal,
		Help: "Finished conversion stages",
	}, []string{"step", "status"})

	b.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metrics.StepDuration,
		Help:    "Conversion stage durations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"step", "status"})

	b.rows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.RowsTotal,
		Help: "Rows inserted per table",
	}, []string{"table"})

	b.lines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.LinesTotal,
		Help: "Trace lines processed per operation",
	}, []string{"op"})

	b.diags = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.DiagnosticsTotal,
		Help: "Non-fatal trace problems per kind",
	}, []string{"kind"})

	b.batches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: metrics.BatchesTotal,
		Help: "Event row batches written",
	})

	b.registry.MustRegister(b.steps, b.duration, b.rows, b.lines, b.diags, b.batches)
	b.pusher = push.New(url, job).Gatherer(b.registry)
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		b.steps.WithLabelValues(orUnknown(labels["step"]), orUnknown(labels["status"])).Add(delta)
	case metrics.RowsTotal:
		if t := labels["table"]; t != "" {
			b.rows.WithLabelValues(t).Add(delta)
		}
	case metrics.LinesTotal:
		b.lines.WithLabelValues(orUnknown(labels["op"])).Add(delta)
	case metrics.DiagnosticsTotal:
		b.diags.WithLabelValues(orUnknown(labels["kind"])).Add(delta)
	case metrics.BatchesTotal:
		b.batches.Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 || name != metrics.StepDuration {
		return
	}
	b.duration.WithLabelValues(orUnknown(labels["step"]), orUnknown(labels["status"])).Observe(value)
}

// Flush replaces the job's metric group on the gateway with the current
// registry contents. Counters are cumulative, so repeated pushes are safe.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Close performs a final push.
func (b *Backend) Close() error {
	return b.Flush()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

var _ metrics.Backend = (*Backend)(nil)
