package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_router_decisions_total",
		Help: "Queries routed, by engine and data source kind",
	}, []string{"engine", "kind"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analyst_router_execution_duration_seconds",
		Help:    "Engine execution time including retries",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"engine"})

	routerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_router_failures_total",
		Help: "Typed query failures by code",
	}, []string{"code"})

	truncatedResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_router_truncated_results_total",
		Help: "Results cut at the row cap",
	}, []string{"engine"})
)
