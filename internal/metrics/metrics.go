package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixel_tasks_submitted_total",
		Help: "Tasks accepted by a provider, by kind.",
	}, []string{"kind"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixel_tasks_completed_total",
		Help: "Tasks reaching a terminal state, by kind and status.",
	}, []string{"kind", "status"})

	RefundsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pixel_refunds_applied_total",
		Help: "Credit refunds applied.",
	})

	RefundErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pixel_refund_errors_total",
		Help: "Refund attempts that errored and were left for the next reconciliation pass.",
	})

	LockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pixel_completion_lock_contention_total",
		Help: "Completion attempts that found the task lock already held.",
	})

	RelayFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pixel_relay_local_fallback_total",
		Help: "Relays that fell back to the buffered local-file path.",
	})

	PollsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pixel_polls_scheduled_total",
		Help: "Delayed status polls enqueued.",
	})
)
