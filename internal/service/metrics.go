package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics.
var (
	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "The total number of messages sent into call channels",
		},
		[]string{"type"},
	)

	sessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_session_transitions_total",
			Help: "The total number of persisted call session status transitions",
		},
		[]string{"status"},
	)

	callErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_errors_total",
			Help: "The total number of failed call attempts by error kind",
		},
		[]string{"kind"},
	)

	activeCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calls_active",
			Help: "The number of calls currently in the active state",
		},
	)

	callDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "call_duration_seconds",
			Help:    "Duration of ended calls",
			Buckets: []float64{60, 300, 600, 900, 1200, 1800, 2700, 3600, 5400},
		},
	)

	billedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_billed_total",
			Help: "The total amount billed for ended calls",
		},
		[]string{"currency"},
	)
)
