// Package metrics exposes Prometheus instrumentation for the task
// lifecycle, rate governor, budget ledger, and resource pool, grounded
// on Kocoro-lab/Shannon's internal/metrics package (package-level
// promauto vectors, one file, registered against the default
// registry).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCreated counts CreateTask calls by task type.
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_tasks_created_total",
			Help: "Total number of tasks created",
		},
		[]string{"task_type"},
	)

	// TaskTransitions counts lifecycle transitions by resulting status.
	TaskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_task_transitions_total",
			Help: "Total number of task lifecycle transitions",
		},
		[]string{"status"},
	)

	// TaskDuration observes time spent (ms) per completed task.
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_task_duration_ms",
			Help:    "Task execution duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 60000, 300000},
		},
		[]string{"model_tier"},
	)

	// AssignAttempts counts assign() admission outcomes.
	AssignAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_assign_attempts_total",
			Help: "Total number of assign attempts by outcome",
		},
		[]string{"outcome"}, // admitted | denied
	)

	// ResourcePoolInUse reports current held slots per tier.
	ResourcePoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_resource_pool_in_use",
			Help: "Resource pool slots currently held, by tier",
		},
		[]string{"tier"},
	)

	// RateGovernorDelay observes the delay (ms) WaitForCapacity imposed.
	RateGovernorDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_rate_governor_delay_ms",
			Help:    "Delay imposed by the rate governor before a call, in milliseconds",
			Buckets: []float64{0, 50, 200, 500, 1000, 5000, 15000},
		},
		[]string{"tier"},
	)

	// BudgetSpentCents tracks the running daily spend.
	BudgetSpentCents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_budget_spent_cents",
			Help: "Cents spent against today's daily budget cap",
		},
	)

	// BudgetBackpressureLevel reports the current backpressure level as
	// a 0-4 ordinal (none, low, medium, high, critical).
	BudgetBackpressureLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmesh_budget_backpressure_level",
			Help: "Current budget backpressure level (0=none .. 4=critical)",
		},
	)

	// AgentsByStatus reports the current agent count per status.
	AgentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_agents_by_status",
			Help: "Number of agents currently in each status",
		},
		[]string{"status"},
	)

	// ValidationOutcomes counts Async Validation pipeline results.
	ValidationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_validation_outcomes_total",
			Help: "Total number of validation runs by pass/fail outcome",
		},
		[]string{"outcome"}, // passed | failed
	)

	// MissionsByStatus reports the current mission count per status.
	MissionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_missions_by_status",
			Help: "Number of missions currently in each status",
		},
		[]string{"status"},
	)
)

// BackpressureLevelOrdinal converts a budget.Ledger backpressure level
// string into the ordinal BudgetBackpressureLevel expects.
func BackpressureLevelOrdinal(level string) float64 {
	switch level {
	case "low":
		return 1
	case "medium":
		return 2
	case "high":
		return 3
	case "critical":
		return 4
	default:
		return 0
	}
}
