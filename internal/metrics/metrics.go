// Package metrics exposes recovery and background polling counters to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kalambet/respond/internal/failure"
)

// Recorder implements recovery.Recorder and watch.Observer.
type Recorder struct {
	// FailuresTotal counts failed attempts by classification kind.
	FailuresTotal *prometheus.CounterVec
	// ExecutionsTotal counts finished executions by outcome.
	ExecutionsTotal *prometheus.CounterVec
	// RetriesPerExecution tracks how many retries each execution needed.
	RetriesPerExecution prometheus.Histogram
	// BackgroundTransitionsTotal counts handles reaching a status.
	BackgroundTransitionsTotal *prometheus.CounterVec
	// BackgroundPollErrorsTotal counts failed status polls.
	BackgroundPollErrorsTotal prometheus.Counter
}

// NewRecorder registers the collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		FailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "respond_attempt_failures_total",
				Help: "Total number of failed attempts by classification",
			},
			[]string{"kind"},
		),
		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "respond_executions_total",
				Help: "Total number of executions by outcome",
			},
			[]string{"outcome"},
		),
		RetriesPerExecution: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "respond_execution_retries",
				Help:    "Retries made per execution",
				Buckets: []float64{0, 1, 2, 3, 5, 8},
			},
		),
		BackgroundTransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "respond_background_transitions_total",
				Help: "Total number of background handles reaching a status",
			},
			[]string{"status"},
		),
		BackgroundPollErrorsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "respond_background_poll_errors_total",
				Help: "Total number of failed background status polls",
			},
		),
	}
}

func (r *Recorder) RecordFailure(c failure.Classification) {
	r.FailuresTotal.WithLabelValues(c.Kind.String()).Inc()
}

func (r *Recorder) RecordOutcome(outcome string, retries int) {
	r.ExecutionsTotal.WithLabelValues(outcome).Inc()
	r.RetriesPerExecution.Observe(float64(retries))
}

func (r *Recorder) BackgroundTransition(status string) {
	r.BackgroundTransitionsTotal.WithLabelValues(status).Inc()
}

func (r *Recorder) BackgroundPollError() {
	r.BackgroundPollErrorsTotal.Inc()
}
