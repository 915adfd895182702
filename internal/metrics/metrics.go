// Package metrics holds the commander's Prometheus instrumentation. A single
// Metrics value is created in main and handed to the components that update
// it; the HTTP layer mounts the exposition handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every commander-side instrument.
type Metrics struct {
	registry *prometheus.Registry

	// ConnectedAgents tracks live post-handshake sessions, by OS tag.
	ConnectedAgents *prometheus.GaugeVec
	// Dispatches counts per-target dispatch outcomes.
	Dispatches *prometheus.CounterVec
	// RepliesFlushed counts correlated replies written to the event log.
	RepliesFlushed prometheus.Counter
	// FramesRead counts inbound frames by message kind.
	FramesRead *prometheus.CounterVec
}

// New creates the commander metric set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ConnectedAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "commander_connected_agents",
			Help: "Number of bot-agents with a live session, by OS.",
		}, []string{"os"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commander_dispatches_total",
			Help: "Per-target dispatch outcomes.",
		}, []string{"event", "outcome"}),
		RepliesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commander_replies_flushed_total",
			Help: "Command replies correlated and flushed to the event log.",
		}),
		FramesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commander_frames_read_total",
			Help: "Inbound frames by message kind.",
		}, []string{"message"}),
	}

	reg.MustRegister(m.ConnectedAgents, m.Dispatches, m.RepliesFlushed, m.FramesRead)
	return m
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
