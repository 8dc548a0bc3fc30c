// ABOUTME: Prometheus collectors for broker activity
// ABOUTME: Exposed on /metrics by the HTTP server

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConversationsLive tracks conversations not yet DESTROYED.
	ConversationsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Name:      "conversations_live",
		Help:      "Number of live conversations.",
	})

	// EventsTriggered counts events appended, by detail kind.
	EventsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "events_triggered_total",
		Help:      "Events appended to conversation logs.",
	}, []string{"kind"})

	// TasksStarted counts tasks created, by runnable kind.
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "tasks_started_total",
		Help:      "Tasks submitted for execution.",
	}, []string{"kind"})

	// TasksFinished counts tasks reaching a terminal status.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"status"})

	// ListenerFanoutTimeouts counts fan-outs that hit the listener budget.
	ListenerFanoutTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Name:      "listener_fanout_timeouts_total",
		Help:      "Event fan-outs abandoned because listeners exceeded the budget.",
	})
)
