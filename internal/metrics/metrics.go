// Package metrics records run telemetry in a Prometheus registry and
// exports it to a node-exporter textfile at the end of a run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "featsync"

// Outcome labels a refresh or edit.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeRolledBack Outcome = "rolled_back"
)

// Recorder is nil-safe: every method on a nil *Recorder is a no-op.
type Recorder struct {
	gatherer prometheus.Gatherer

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	httpRetries  *prometheus.CounterVec

	refreshes       *prometheus.CounterVec
	refreshFeatures *prometheus.GaugeVec

	edits           *prometheus.CounterVec
	editFeatures    *prometheus.GaugeVec
	editDiscrepancy *prometheus.GaugeVec

	runStatus   prometheus.Gauge
	runFinished prometheus.Gauge
	runDuration prometheus.Gauge
}

// NewRecorder registers the featsync collectors on reg, or on a private
// registry when reg is nil.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Recorder{
		gatherer: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP exchanges with feature services, by method and status.",
		}, []string{"method", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP exchanges with feature services.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"method"}),
		httpRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "retries_total",
			Help:      "Retries scheduled by the dispatcher, by reason.",
		}, []string{"reason"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "total",
			Help:      "Feature refreshes, by resource and outcome.",
		}, []string{"alias", "outcome"}),
		refreshFeatures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "features",
			Help:      "Features in the newest snapshot of a resource.",
		}, []string{"alias"}),
		edits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "edit",
			Name:      "total",
			Help:      "Edits applied to the target layer, by resource and outcome.",
		}, []string{"alias", "outcome"}),
		editFeatures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "edit",
			Name:      "features",
			Help:      "Features added or deleted by the last edit of a resource.",
		}, []string{"alias", "kind"}),
		editDiscrepancy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "edit",
			Name:      "count_discrepancy",
			Help:      "Target minus resulting feature count after the last edit.",
		}, []string{"alias"}),
		runStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "exit_status",
			Help:      "Exit status of the last run (0, 30, 40 or 50).",
		}),
		runFinished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_finished_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of the last run.",
		}),
	}

	reg.MustRegister(
		r.httpRequests, r.httpLatency, r.httpRetries,
		r.refreshes, r.refreshFeatures,
		r.edits, r.editFeatures, r.editDiscrepancy,
		r.runStatus, r.runFinished, r.runDuration,
	)
	return r
}

func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest implements service.Observer.
func (r *Recorder) ObserveRequest(method string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	if status <= 0 {
		statusLabel = "transport_error"
	}
	method = normalizeLabel(method)
	r.httpRequests.WithLabelValues(method, statusLabel).Inc()
	r.httpLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveRetry implements service.Observer.
func (r *Recorder) ObserveRetry(reason string) {
	if r == nil {
		return
	}
	r.httpRetries.WithLabelValues(normalizeLabel(reason)).Inc()
}

func (r *Recorder) ObserveRefresh(alias string, outcome Outcome, features int) {
	if r == nil {
		return
	}
	alias = normalizeLabel(alias)
	r.refreshes.WithLabelValues(alias, string(outcome)).Inc()
	if outcome == OutcomeSuccess && features >= 0 {
		r.refreshFeatures.WithLabelValues(alias).Set(float64(features))
	}
}

// ObserveEdit records an edit. added and deleted are ignored unless the
// edit reached the recount.
func (r *Recorder) ObserveEdit(alias string, outcome Outcome, added, deleted, discrepancy int) {
	if r == nil {
		return
	}
	alias = normalizeLabel(alias)
	r.edits.WithLabelValues(alias, string(outcome)).Inc()
	r.editFeatures.WithLabelValues(alias, "added").Set(float64(added))
	r.editFeatures.WithLabelValues(alias, "deleted").Set(float64(deleted))
	r.editDiscrepancy.WithLabelValues(alias).Set(float64(discrepancy))
}

func (r *Recorder) ObserveRun(status int, started, finished time.Time) {
	if r == nil {
		return
	}
	r.runStatus.Set(float64(status))
	r.runFinished.Set(float64(finished.Unix()))
	r.runDuration.Set(finished.Sub(started).Seconds())
}

// WriteTextfile writes every metric to path in the text exposition format.
// The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("metrics textfile: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.gatherer); err != nil {
		return fmt.Errorf("metrics textfile: %w", err)
	}
	return nil
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
