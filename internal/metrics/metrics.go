// Package metrics exposes Prometheus collectors for the governors and the truth ledger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GovernorStates lists every throttle controller state label
var GovernorStates = []string{"cruise", "nitrous", "throttle_hold", "lockdown"}

var (
	DecayThreshold = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "venom_decay_threshold", Help: "Current decay governor confidence threshold"},
	)
	DecayTier = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "venom_decay_tier", Help: "Current decay governor tier level (0-4)"},
	)
	DecayPressureOverrides = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "venom_decay_pressure_overrides_total", Help: "90-minute pressure override resets"},
	)

	// ThrottleState flips one labeled series to 1 and the rest to 0.
	ThrottleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "venom_throttle_state", Help: "Active throttle controller state (1 = active)"},
		[]string{"state"},
	)
	ThrottleThresholds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "venom_throttle_thresholds", Help: "Throttle controller gate thresholds"},
		[]string{"gate"},
	)
	ThrottleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "venom_throttle_transitions_total", Help: "Throttle controller state transitions"},
		[]string{"from", "to"},
	)

	LedgerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "venom_ledger_events_total", Help: "Truth ledger entries appended by status"},
		[]string{"status"},
	)
	SignalResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "venom_signal_results_total", Help: "Completed signals by result"},
		[]string{"result"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "venom_notifications_total", Help: "Operator notifications by outcome"},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		DecayThreshold, DecayTier, DecayPressureOverrides,
		ThrottleState, ThrottleThresholds, ThrottleTransitions,
		LedgerEvents, SignalResults, Notifications,
	)
}

// SetThrottleState marks state as the single active series
func SetThrottleState(state string) {
	for _, s := range GovernorStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ThrottleState.WithLabelValues(s).Set(v)
	}
}

// SetThrottleThresholds records the confidence and secondary gates
func SetThrottleThresholds(tcs, ml float64) {
	ThrottleThresholds.WithLabelValues("tcs").Set(tcs)
	ThrottleThresholds.WithLabelValues("ml").Set(ml)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLedgerEntry counts an appended ledger entry and, for completions, its result
func ObserveLedgerEntry(status, result string) {
	LedgerEvents.WithLabelValues(status).Inc()
	if result != "" {
		SignalResults.WithLabelValues(result).Inc()
	}
}
