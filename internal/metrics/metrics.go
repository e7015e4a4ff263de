// Package metrics exposes the server's Prometheus collectors. They are
// registered on the default registry and served by the operator API's
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ticks counts completed simulation steps.
	Ticks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_ticks_total",
		Help: "Completed server simulation ticks.",
	})

	// Clients tracks currently registered clients.
	Clients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_clients",
		Help: "Currently connected clients.",
	})

	// SnapshotsSent counts snapshot datagrams handed to the socket.
	SnapshotsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_snapshots_sent_total",
		Help: "Snapshot datagrams sent to ready clients.",
	})

	// DatagramsDropped counts inbound datagrams discarded as malformed or
	// unroutable.
	DatagramsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_datagrams_dropped_total",
		Help: "Inbound datagrams dropped (malformed or unknown client).",
	})

	// MapLoads counts map load attempts by outcome.
	MapLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_map_loads_total",
		Help: "Map load attempts by outcome.",
	}, []string{"outcome"})
)
