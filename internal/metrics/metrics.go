// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesRun counts completed trading cycles per engine.
	CyclesRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "options_engine",
		Name:      "cycles_total",
		Help:      "Completed trading cycles.",
	}, []string{"engine"})

	// CycleErrors counts cycles that aborted with an error.
	CycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "options_engine",
		Name:      "cycle_errors_total",
		Help:      "Trading cycles aborted by an error.",
	}, []string{"engine"})

	// TradesEntered counts entry orders submitted.
	TradesEntered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "options_engine",
		Name:      "trades_entered_total",
		Help:      "Entry orders submitted.",
	}, []string{"engine"})

	// TradesExited counts exits by rule.
	TradesExited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "options_engine",
		Name:      "trades_exited_total",
		Help:      "Position exits by rule.",
	}, []string{"rule"})

	// BreakerTrips counts circuit breaker activations.
	BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "options_engine",
		Name:      "breaker_trips_total",
		Help:      "Circuit breaker activations.",
	})

	// OpenPositions tracks currently held positions per engine.
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "options_engine",
		Name:      "open_positions",
		Help:      "Currently held positions.",
	}, []string{"engine"})
)
