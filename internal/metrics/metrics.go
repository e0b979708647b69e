// Package metrics provides Prometheus metrics for the session machine and the backend API.
// Labels stay low-cardinality: no session ids.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionTransitions counts state machine transitions.
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_demo_session_transitions_total",
		Help: "Total number of session state transitions, by source and target state.",
	}, []string{"from", "to"})

	// SessionErrors counts error codes raised by the session machine.
	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_demo_session_errors_total",
		Help: "Total number of session failures, by error code.",
	}, []string{"code"})

	// StageDuration observes how long each transient stage took.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "live_demo_session_stage_duration_seconds",
		Help:    "Time spent in a transient session stage before leaving it.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"stage"})

	// ResumeAttempts counts resume calls made while reconnecting.
	ResumeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_demo_session_resume_attempts_total",
		Help: "Total number of transport resume attempts, by result.",
	}, []string{"result"})

	// ControlSignals counts dock control signals forwarded to the transport.
	ControlSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_demo_control_signals_total",
		Help: "Total number of control signals, by signal and result (sent/throttled).",
	}, []string{"signal", "result"})

	// APISessions counts backend session provisioning requests.
	APISessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_demo_api_sessions_total",
		Help: "Total number of session provisioning requests served, by result.",
	}, []string{"result"})
)

// RecordTransition counts one state change.
func RecordTransition(from, to string) {
	SessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordError counts a surfaced session error.
func RecordError(code string) {
	if code == "" {
		return
	}
	SessionErrors.WithLabelValues(code).Inc()
}

func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func RecordResume(ok bool) {
	if ok {
		ResumeAttempts.WithLabelValues("ok").Inc()
		return
	}
	ResumeAttempts.WithLabelValues("failed").Inc()
}

func RecordControl(signal string, sent bool) {
	result := "sent"
	if !sent {
		result = "throttled"
	}
	ControlSignals.WithLabelValues(signal, result).Inc()
}
