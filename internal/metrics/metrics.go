// Package metrics holds the Prometheus collectors instrumenting the
// mirror pipeline: one counter/gauge family per registry, labeled by
// registry short name.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ObjectsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrcache_objects_ingested_total",
		Help: "RPSL objects successfully classified and applied to a registry index.",
	}, []string{"registry"})

	ObservationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrcache_observation_events_total",
		Help: "Non-fatal anomalies observed while ingesting or syncing a registry (see spec §7).",
	}, []string{"registry", "kind"})

	BootstrapAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrcache_bootstrap_attempts_total",
		Help: "Bootstrap dump-load attempts per registry, labeled by outcome.",
	}, []string{"registry", "outcome"})

	RealtimeReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "irrcache_realtime_reconnects_total",
		Help: "Realtime NRTM session (re)connection attempts per registry.",
	}, []string{"registry"})

	CurrentSerial = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "irrcache_current_serial",
		Help: "Current committed NRTM serial per registry.",
	}, []string{"registry"})
)
