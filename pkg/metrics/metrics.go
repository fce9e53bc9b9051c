// Package metrics provides Prometheus metrics for drfw's apply and rollback
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "drfw"
)

// EngineStates are the label values of EngineState, one per engine state.
var EngineStates = []string{
	"idle",
	"verifying",
	"awaiting_apply",
	"applying",
	"pending_confirmation",
	"confirmed",
	"reverting",
	"failed",
}

// Verify metrics
var (
	// VerifyTotal counts nft check runs by result
	VerifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "total",
			Help:      "nft --check runs",
		},
		[]string{"result"}, // passed, failed, timed_out, error
	)

	// VerifyDuration tracks check latency, elevation prompt included
	VerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "duration_seconds",
			Help:      "Time to verify a generated config",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Apply metrics
var (
	// ApplyTotal counts apply attempts by result
	ApplyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apply",
			Name:      "total",
			Help:      "Ruleset apply attempts",
		},
		[]string{"result"}, // confirmed, reverted, failed
	)

	// ApplyDuration tracks the nft apply call
	ApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "apply",
			Name:      "duration_seconds",
			Help:      "Time to load a ruleset with nft",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RulesApplied is the rule count of the last applied config
	RulesApplied = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "apply",
			Name:      "rules",
			Help:      "Number of rules in the last applied config",
		},
	)

	// CountdownRemaining is the time left to confirm the pending apply
	CountdownRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "apply",
			Name:      "countdown_remaining_seconds",
			Help:      "Seconds until an unconfirmed apply is reverted",
		},
	)
)

// Revert metrics
var (
	// RevertTotal counts restores by the source that succeeded
	RevertTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revert",
			Name:      "total",
			Help:      "Completed restores",
		},
		[]string{"reason", "source"}, // timeout/operator/apply_failed/manual, primary/fallback/emergency
	)

	// RevertExhaustedTotal counts restores where every source failed
	RevertExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revert",
			Name:      "exhausted_total",
			Help:      "Restores that failed including the emergency config",
		},
	)
)

// Elevation metrics
var (
	// ElevationTotal counts nft invocations by method and outcome
	ElevationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "elevation",
			Name:      "invocations_total",
			Help:      "Privileged nft invocations",
		},
		[]string{"method", "status"},
	)
)

// Engine metrics
var (
	// EngineState is 1 for the engine's current state and 0 for the rest
	EngineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "state",
			Help:      "Current apply engine state",
		},
		[]string{"state"},
	)
)

// Build info metric
var (
	// BuildInfo exposes build information
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "go_version"},
	)
)

// SetBuildInfo sets the build information metric
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// SetEngineState marks state as current.
func SetEngineState(state string) {
	for _, s := range EngineStates {
		v := 0.0
		if s == state {
			v = 1
		}
		EngineState.WithLabelValues(s).Set(v)
	}
}
