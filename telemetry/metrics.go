// Package telemetry provides Prometheus instrumentation for prediction and
// evaluation runs.
//
// Metrics exposed:
//   - depthkit_examples_total: Counter of processed examples by stage
//   - depthkit_batches_total: Counter of completed network batches
//   - depthkit_stage_seconds: Histogram of time spent per stage
//   - depthkit_errors_total: Counter of errors by component and reason
//   - depthkit_abs_rel: Gauge of the latest aggregate abs_rel
//
// Every metric carries the run mode as a constant label.
package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stevecastle/depthkit/evalerr"
)

// Stage names used as label values.
const (
	StageLoad     = "load"
	StageInfer    = "infer"
	StagePost     = "postprocess"
	StageWrite    = "write"
	StageEvaluate = "evaluate"
)

// Metrics holds all Prometheus metrics for a run.
type Metrics struct {
	Registry *prometheus.Registry

	ExamplesTotal *prometheus.CounterVec
	BatchesTotal  prometheus.Counter
	StageSeconds  *prometheus.HistogramVec
	ErrorsTotal   *prometheus.CounterVec
	AbsRel        prometheus.Gauge
}

// New creates the metrics on a fresh registry so several runs in one process
// never collide.
func New(mode string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"mode": mode}
	return &Metrics{
		Registry: reg,
		ExamplesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "depthkit_examples_total",
			Help:        "Examples processed by stage",
			ConstLabels: labels,
		}, []string{"stage"}),
		BatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "depthkit_batches_total",
			Help:        "Network batches completed",
			ConstLabels: labels,
		}),
		StageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "depthkit_stage_seconds",
			Help:        "Time spent in each pipeline stage",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"stage"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "depthkit_errors_total",
			Help:        "Total number of errors by component and reason",
			ConstLabels: labels,
		}, []string{"component", "reason"}),
		AbsRel: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "depthkit_abs_rel",
			Help:        "Aggregate abs_rel of the latest evaluation",
			ConstLabels: labels,
		}),
	}
}

// ObserveStage records the duration of one stage that handled n examples.
func (m *Metrics) ObserveStage(stage string, n int, d time.Duration) {
	if m == nil {
		return
	}
	m.StageSeconds.WithLabelValues(stage).Observe(d.Seconds())
	m.ExamplesTotal.WithLabelValues(stage).Add(float64(n))
}

// RecordBatch counts a completed batch.
func (m *Metrics) RecordBatch() {
	if m == nil {
		return
	}
	m.BatchesTotal.Inc()
}

// RecordError increments the error counter, labelling it by error class.
func (m *Metrics) RecordError(component string, err error) {
	if m == nil || err == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, Reason(err)).Inc()
}

// SetAbsRel publishes the aggregate abs_rel.
func (m *Metrics) SetAbsRel(v float64) {
	if m == nil {
		return
	}
	m.AbsRel.Set(v)
}

// Reason maps an error onto a short label value.
func Reason(err error) string {
	switch {
	case errors.Is(err, evalerr.ErrConfiguration):
		return "configuration"
	case errors.Is(err, evalerr.ErrNotFound):
		return "not_found"
	case errors.Is(err, evalerr.ErrNumericDomain):
		return "numeric_domain"
	case errors.Is(err, evalerr.ErrIO):
		return "io"
	}
	return "other"
}
