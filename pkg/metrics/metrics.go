// Package metrics instruments runs and the result store.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "loanprobe"

// Recorder receives run, step and storage observations.
type Recorder interface {
	RunStarted()
	RunFinished(status string, duration time.Duration)
	StepFailed(step string)
	StoreError(op string)
}

// Compile-time interface checks.
var (
	_ Recorder = (*prometheusRecorder)(nil)
	_ Recorder = noopRecorder{}
)

type prometheusRecorder struct {
	runsTotal    *prometheus.CounterVec
	runsInFlight prometheus.Gauge
	runDuration  prometheus.Histogram
	stepFailures *prometheus.CounterVec
	storeErrors  *prometheus.CounterVec
}

// New registers the loanprobe collectors with reg.
func New(reg prometheus.Registerer) Recorder {
	factory := promauto.With(reg)

	return &prometheusRecorder{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Count of completed test runs by final status",
		}, []string{"status"}),
		runsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "runs_in_flight",
			Help:      "Number of test runs currently executing",
		}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of test runs",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 300},
		}),
		stepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "step_failures_total",
			Help:      "Count of step failures by step",
		}, []string{"step"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "store_errors_total",
			Help:      "Count of result store errors by operation",
		}, []string{"op"}),
	}
}

func (r *prometheusRecorder) RunStarted() {
	r.runsInFlight.Inc()
}

func (r *prometheusRecorder) RunFinished(status string, duration time.Duration) {
	r.runsInFlight.Dec()
	r.runsTotal.WithLabelValues(status).Inc()
	r.runDuration.Observe(duration.Seconds())
}

func (r *prometheusRecorder) StepFailed(step string) {
	r.stepFailures.WithLabelValues(step).Inc()
}

func (r *prometheusRecorder) StoreError(op string) {
	r.storeErrors.WithLabelValues(op).Inc()
}

type noopRecorder struct{}

// Noop returns a Recorder that discards everything.
func Noop() Recorder { return noopRecorder{} }

func (noopRecorder) RunStarted()                       {}
func (noopRecorder) RunFinished(string, time.Duration) {}
func (noopRecorder) StepFailed(string)                 {}
func (noopRecorder) StoreError(string)                 {}
