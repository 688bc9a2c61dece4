// Package metrics owns the Prometheus registry for one node: protocol
// counters, per-stage latency histograms, and cluster gauges, exposed at
// GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "distsearch"

// Metrics bundles every instrument with its private registry.
type Metrics struct {
	registry *prometheus.Registry

	HeartbeatsSent     prometheus.Counter
	HeartbeatsReceived prometheus.Counter
	PeerTransitions    *prometheus.CounterVec
	PeersOnline        prometheus.Gauge

	RoleGauge prometheus.Gauge // 0 follower, 1 candidate, 2 coordinator
	TermGauge prometheus.Gauge

	RPCCalls   *prometheus.CounterVec // type, outcome
	RPCLatency *prometheus.HistogramVec

	Writes       *prometheus.CounterVec // outcome: committed, quorum_failed, conflict, error
	WriteLatency prometheus.Histogram

	Queries      prometheus.Counter
	QueryLatency *prometheus.HistogramVec // stage: only "total" is recorded
	FreshnessTag *prometheus.CounterVec

	Placements         prometheus.Gauge
	DegradedPlacements prometheus.Gauge
}

// New builds and registers every instrument.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}
	}
	gauge := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}
	}

	m := &Metrics{
		registry: reg,

		HeartbeatsSent:     prometheus.NewCounter(factory("heartbeats_sent_total", "Heartbeats emitted.")),
		HeartbeatsReceived: prometheus.NewCounter(factory("heartbeats_received_total", "Heartbeats observed.")),
		PeerTransitions: prometheus.NewCounterVec(
			factory("peer_transitions_total", "Peer liveness transitions."), []string{"to"}),
		PeersOnline: prometheus.NewGauge(gauge("peers_online", "Peers currently ONLINE, self included.")),

		RoleGauge: prometheus.NewGauge(gauge("role", "Election role: 0 follower, 1 candidate, 2 coordinator.")),
		TermGauge: prometheus.NewGauge(gauge("term", "Current election term.")),

		RPCCalls: prometheus.NewCounterVec(
			factory("rpc_calls_total", "Outbound RPCs by type and outcome."), []string{"type", "outcome"}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rpc_latency_seconds", Help: "Outbound RPC latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),

		Writes: prometheus.NewCounterVec(
			factory("writes_total", "Primary write outcomes."), []string{"outcome"}),
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "write_latency_seconds", Help: "Primary write latency to commit or failure.",
			Buckets: prometheus.DefBuckets,
		}),

		Queries: prometheus.NewCounter(factory("queries_total", "Distributed queries originated here.")),
		QueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_latency_seconds", Help: "Query latency by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		FreshnessTag: prometheus.NewCounterVec(
			factory("responses_by_freshness_total", "Responses by freshness tag."), []string{"tag"}),

		Placements:         prometheus.NewGauge(gauge("placements", "Placements tracked by the location index.")),
		DegradedPlacements: prometheus.NewGauge(gauge("placements_degraded", "Placements with no live holder.")),
	}

	reg.MustRegister(
		m.HeartbeatsSent, m.HeartbeatsReceived, m.PeerTransitions, m.PeersOnline,
		m.RoleGauge, m.TermGauge,
		m.RPCCalls, m.RPCLatency,
		m.Writes, m.WriteLatency,
		m.Queries, m.QueryLatency, m.FreshnessTag,
		m.Placements, m.DegradedPlacements,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
