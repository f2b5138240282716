package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "transcript_pipeline"

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	StageInvocations *prometheus.CounterVec
	WorkerAttempts   *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	FanOutInFlight   *prometheus.GaugeVec
	Runs             *prometheus.CounterVec
	TriggerEvents    *prometheus.CounterVec
	Reconciliations  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_invocations_total",
			Help:      "Stage invocations by outcome (success, failure).",
		}, []string{"stage", "outcome"}),
		WorkerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_attempts_total",
			Help:      "Worker calls including retries.",
		}, []string{"stage"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of a stage invocation including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"stage"}),
		FanOutInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fanout_in_flight",
			Help:      "Worker invocations currently in flight inside a fan-out stage.",
		}, []string{"stage"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		TriggerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_events_total",
			Help:      "Object-created notifications by decision (started, duplicate, recovered, ignored, start_failed).",
		}, []string{"decision"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Run-status notifications reconciled into the record store.",
		}, []string{"status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.StageInvocations,
			m.WorkerAttempts,
			m.StageDuration,
			m.FanOutInFlight,
			m.Runs,
			m.TriggerEvents,
			m.Reconciliations,
		)
	}
	return m
}

// ObserveStage records one finished stage invocation
func (m *Metrics) ObserveStage(stage string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.StageInvocations.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// Attempt records one worker call
func (m *Metrics) Attempt(stage string) {
	if m == nil {
		return
	}
	m.WorkerAttempts.WithLabelValues(stage).Inc()
}

// InFlight adjusts the fan-out in-flight gauge by delta
func (m *Metrics) InFlight(stage string, delta float64) {
	if m == nil {
		return
	}
	m.FanOutInFlight.WithLabelValues(stage).Add(delta)
}

// RunFinished counts a run reaching a terminal status
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
}

// Trigger counts one trigger decision
func (m *Metrics) Trigger(decision string) {
	if m == nil {
		return
	}
	m.TriggerEvents.WithLabelValues(decision).Inc()
}

// Reconciled counts one reconciled run-status notification
func (m *Metrics) Reconciled(status string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(status).Inc()
}
