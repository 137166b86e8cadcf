// Package metrics exposes the process-wide Prometheus counters and
// gauges an operator scrapes to observe registry size, router drop
// policy, and session eviction. Every metric method is nil-receiver
// safe so components can be constructed with a nil *Metrics when
// metrics collection is disabled, without branching at every call
// site.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the counters and gauges registered against a single
// prometheus.Registerer. Alongside the Prometheus series, it keeps a
// plain atomic tally of the two counters the /health endpoint reports
// inline (so /health never has to read back through the Prometheus
// collector interface just to render two integers).
type Metrics struct {
	connectionsWorkstations prometheus.Gauge
	connectionsClients      prometheus.Gauge
	routerDroppedFrames     prometheus.Counter
	sessionsEvicted         *prometheus.CounterVec
	framesDecodeErrors      prometheus.Counter
	internalErrors          prometheus.Counter

	droppedTally  atomic.Uint64
	evictedTally  atomic.Uint64
}

// New registers and returns a Metrics bound to reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer for the global one.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsWorkstations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunneld_connections_workstations",
			Help: "Number of workstation sessions currently registered.",
		}),
		connectionsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunneld_connections_clients",
			Help: "Number of mobile client sessions currently registered.",
		}),
		routerDroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunneld_router_dropped_frames_total",
			Help: "Message frames silently dropped because the target peer was not found.",
		}),
		sessionsEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunneld_sessions_evicted_total",
			Help: "Sessions evicted by the liveness supervisor or cascade close, by reason.",
		}, []string{"reason"}),
		framesDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunneld_frames_decode_errors_total",
			Help: "Frames that failed to decode.",
		}),
		internalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunneld_internal_errors_total",
			Help: "Internal errors: TunnelId allocation retry exhaustion during workstation registration.",
		}),
	}

	reg.MustRegister(
		m.connectionsWorkstations,
		m.connectionsClients,
		m.routerDroppedFrames,
		m.sessionsEvicted,
		m.framesDecodeErrors,
		m.internalErrors,
	)

	return m
}

func (m *Metrics) SetWorkstationConnections(n int) {
	if m == nil {
		return
	}
	m.connectionsWorkstations.Set(float64(n))
}

func (m *Metrics) SetClientConnections(n int) {
	if m == nil {
		return
	}
	m.connectionsClients.Set(float64(n))
}

func (m *Metrics) IncRouterDropped() {
	if m == nil {
		return
	}
	m.routerDroppedFrames.Inc()
	m.droppedTally.Add(1)
}

func (m *Metrics) IncSessionsEvicted(reason string) {
	if m == nil {
		return
	}
	m.sessionsEvicted.WithLabelValues(reason).Inc()
	m.evictedTally.Add(1)
}

// DroppedFrames returns the current router_dropped_frames_total
// tally, for inline reporting on /health.
func (m *Metrics) DroppedFrames() uint64 {
	if m == nil {
		return 0
	}
	return m.droppedTally.Load()
}

// SessionsEvicted returns the current sessions_evicted_total tally
// (summed across reasons), for inline reporting on /health.
func (m *Metrics) SessionsEvicted() uint64 {
	if m == nil {
		return 0
	}
	return m.evictedTally.Load()
}

func (m *Metrics) IncFramesDecodeErrors() {
	if m == nil {
		return
	}
	m.framesDecodeErrors.Inc()
}

func (m *Metrics) IncInternalErrors() {
	if m == nil {
		return
	}
	m.internalErrors.Inc()
}
