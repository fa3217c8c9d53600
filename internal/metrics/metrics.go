// Package metrics is the backend-neutral metrics facade used by the
// conversion engine. Core code only calls the package-level helpers; the
// binary installs a concrete backend (Datadog, Prometheus Pushgateway) with
// SetBackend. Until then every call is a no-op.
package metrics

import (
	"sync"
	"time"
)

// Metric names emitted by the engine. Backends translate them into their
// own naming scheme and ignore names they do not know.
const (
	// StepTotal counts finished stages; labels step, status.
	StepTotal = "statev_step_total"
	// StepDuration observes stage durations in seconds; labels step, status.
	StepDuration = "statev_step_duration_seconds"
	// RowsTotal counts inserted rows; label table ("ctx" or "ev").
	RowsTotal = "statev_rows_total"
	// LinesTotal counts trace lines processed in the fill pass; label op.
	LinesTotal = "statev_lines_total"
	// DiagnosticsTotal counts non-fatal trace problems; label kind.
	DiagnosticsTotal = "statev_diagnostics_total"
	// BatchesTotal counts event row batches handed to the sink.
	BatchesTotal = "statev_batches_total"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric updates.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. Nil restores the no-op
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered metrics of the installed backend.
func Flush() error {
	return current().Flush()
}

// RecordStep counts a finished stage and observes its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDuration, d.Seconds(), l)
}
