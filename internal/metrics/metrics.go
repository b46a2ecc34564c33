// Package metrics exposes the conductor's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caseflow_events_handled_total",
		Help: "Inbound events handled, by command.",
	}, []string{"command"})

	AckDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "caseflow_ack_decisions_total",
		Help: "Terminal ack decisions taken for inbound deliveries.",
	}, []string{"decision"})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caseflow_dead_letters_total",
		Help: "Deliveries routed to the dead-letter queue.",
	})

	CasesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caseflow_cases_completed_total",
		Help: "Cases that reached COMPLETED.",
	})

	CasesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caseflow_cases_failed_total",
		Help: "Cases that reached FAILED.",
	})

	GPUReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caseflow_gpu_reservations_total",
		Help: "Successful GPU slot reservations.",
	})

	ParkedCases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caseflow_parked_cases",
		Help: "Cases currently parked waiting for a GPU.",
	})

	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caseflow_dlq_depth",
		Help: "Messages sitting in the inbox dead-letter queue.",
	})
)
