// Package observability exposes Prometheus instrumentation for the
// agent core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the daemon's counters. One instance is created at start
// and threaded through the executor and registry.
type Metrics struct {
	Turns           *prometheus.CounterVec
	ProviderCalls   *prometheus.CounterVec
	ToolInvocations *prometheus.CounterVec
	Approvals       *prometheus.CounterVec
}

// NewMetrics registers the counters on the given registerer (nil uses
// the default registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rovot",
			Name:      "agent_turns_total",
			Help:      "Agent turns by outcome (final, suspended, exhausted, error).",
		}, []string{"outcome"}),
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rovot",
			Name:      "provider_calls_total",
			Help:      "Chat-completion calls by status.",
		}, []string{"status"}),
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rovot",
			Name:      "tool_invocations_total",
			Help:      "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		Approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rovot",
			Name:      "approvals_total",
			Help:      "Approval lifecycle transitions by decision.",
		}, []string{"decision"}),
	}
}
