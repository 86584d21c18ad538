// Package metrics holds the Prometheus collectors exported by the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "localsandbox"

var (
	PoolConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_connections",
		Help:      "Engine connections currently held by the pool",
	})
	PoolEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pool_evictions_total",
		Help:      "Engine connections evicted from the pool",
	}, []string{"reason"})
	ImageResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_resolutions_total",
		Help:      "Base image resolutions by source",
	}, []string{"agent", "source"})
	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Commands run in sandboxes by outcome",
	}, []string{"agent", "outcome"})
	ActiveSandboxes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sandboxes",
		Help:      "Initialized sandboxes that have not been killed",
	}, []string{"agent"})
)

// Eviction reasons.
const (
	ReasonCapacity = "capacity"
	ReasonTTL      = "ttl"
)

// Image sources.
const (
	SourceRegistry = "registry"
	SourceBuild    = "build"
	SourceGeneric  = "generic"
)

// Command outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
	OutcomeKilled   = "killed"
)

func init() {
	prometheus.MustRegister(PoolConnections, PoolEvictions, ImageResolutions, Commands, ActiveSandboxes)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
