package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	governanceDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmcp_gate_governance_decisions_total",
		Help: "Governance decisions by tool and verdict.",
	}, []string{"tool", "decision"})

	planSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmcp_gate_plan_steps_total",
		Help: "Executed plan steps by tool and outcome.",
	}, []string{"tool", "status"})

	stepLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "openmcp_gate_plan_step_duration_seconds",
		Help:    "Plan step duration including governance and verification.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tool"})

	planRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmcp_gate_plan_runs_total",
		Help: "Plan runs by terminal status.",
	}, []string{"status"})

	propagationTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmcp_gate_propagation_timeouts_total",
		Help: "Propagation waiters that gave up before the resource became readable.",
	}, []string{"tool"})

	consentBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmcp_gate_consent_blocks_total",
		Help: "Destructive calls intercepted by the consent gate.",
	}, []string{"state"})

	taskEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openmcp_gate_tasks_total",
		Help: "Asynchronous run lifecycle events.",
	}, []string{"event"})
)

// ObserveDecision counts one governance verdict.
func ObserveDecision(tool, decision string) {
	governanceDecisions.WithLabelValues(tool, decision).Inc()
}

// ObserveStep records the outcome and duration of a plan step.
func ObserveStep(tool, status string, duration time.Duration) {
	planSteps.WithLabelValues(tool, status).Inc()
	stepLatency.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveRun counts a finished plan run.
func ObserveRun(status string) {
	planRuns.WithLabelValues(status).Inc()
}

// ObservePropagationTimeout counts a waiter timeout.
func ObservePropagationTimeout(tool string) {
	propagationTimeouts.WithLabelValues(tool).Inc()
}

// ObserveConsentBlock counts a call intercepted in the given consent state.
func ObserveConsentBlock(state string) {
	consentBlocks.WithLabelValues(state).Inc()
}

// ObserveTaskEvent counts submitted, succeeded, failed and retried runs.
func ObserveTaskEvent(event string) {
	taskEvents.WithLabelValues(event).Inc()
}
