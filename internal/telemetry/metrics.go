package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors for the question pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	invocations  *prometheus.CounterVec
	attempts     *prometheus.CounterVec
	calls        *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	questions    *prometheus.CounterVec
	execAttempts prometheus.Histogram
	resolutions  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "agent",
			Name:      "invocations_total",
			Help:      "Pipeline stage invocations by agent and outcome",
		}, []string{"agent", "outcome"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "agent",
			Name:      "attempts_total",
			Help:      "Attempts made by pipeline stages, including retries",
		}, []string{"agent"}),
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "agent",
			Name:      "remote_calls_total",
			Help:      "Attempts that reached the remote model",
		}, []string{"agent"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tally",
			Subsystem: "agent",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of pipeline stage invocations",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"agent"}),
		questions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "pipeline",
			Name:      "questions_total",
			Help:      "Questions processed by outcome",
		}, []string{"outcome"}),
		execAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tally",
			Subsystem: "pipeline",
			Name:      "exec_attempts",
			Help:      "Execution attempts needed per question",
			Buckets:   []float64{1, 2, 3, 5, 8, 12, 15},
		}),
		resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tally",
			Subsystem: "resolver",
			Name:      "names_total",
			Help:      "Names resolved by outcome (match, miss, error)",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveInvocation(agent, outcome string, attempts, calls int, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(agent, outcome).Inc()
	m.attempts.WithLabelValues(agent).Add(float64(attempts))
	m.calls.WithLabelValues(agent).Add(float64(calls))
	m.duration.WithLabelValues(agent).Observe(d.Seconds())
}

func (m *Metrics) ObserveQuestion(outcome string, execAttempts int) {
	if m == nil {
		return
	}
	m.questions.WithLabelValues(outcome).Inc()
	if execAttempts > 0 {
		m.execAttempts.Observe(float64(execAttempts))
	}
}

func (m *Metrics) ObserveResolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}
