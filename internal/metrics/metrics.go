// Package metrics holds the Prometheus collectors of the sync engine.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "chatsync"

// Metrics groups the engine's collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	// ConnectionState is 1 for the current transport state, 0 otherwise.
	// Labels: state
	ConnectionState *prometheus.GaugeVec

	// ReconnectAttempts counts reconnection attempts after a drop.
	ReconnectAttempts prometheus.Counter

	// TransportFallbacks counts auto-mode falls back from socket to polling.
	TransportFallbacks prometheus.Counter

	// Emits counts outbound events. Labels: event, result (sent|dropped|error)
	Emits *prometheus.CounterVec

	// EventsDispatched counts events delivered by the router. Labels: event
	EventsDispatched *prometheus.CounterVec

	// Reconciled counts confirmations by how they were applied.
	// Labels: match (client_id|content|appended|duplicate)
	Reconciled *prometheus.CounterVec

	// Rollbacks counts removed optimistic messages. Labels: reason
	Rollbacks *prometheus.CounterVec

	// JoinFailures counts rejected channel joins.
	JoinFailures prometheus.Counter

	// ResyncFailures counts failed authoritative fetches. Labels: kind
	ResyncFailures *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current transport connection state (1 for the active state).",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts made after a transport drop.",
		}),
		TransportFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_fallbacks_total",
			Help:      "Times auto mode fell back from socket to polling.",
		}),
		Emits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emits_total",
			Help:      "Outbound events by result.",
		}, []string{"event", "result"}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Events delivered to router listeners.",
		}, []string{"event"}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_reconciled_total",
			Help:      "Server confirmations applied to the message list.",
		}, []string{"match"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_rollbacks_total",
			Help:      "Optimistic messages removed without confirmation.",
		}, []string{"reason"}),
		JoinFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_failures_total",
			Help:      "Channel joins rejected by the server.",
		}),
		ResyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resync_failures_total",
			Help:      "Failed authoritative fetches.",
		}, []string{"kind"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionState,
		m.ReconnectAttempts,
		m.TransportFallbacks,
		m.Emits,
		m.EventsDispatched,
		m.Reconciled,
		m.Rollbacks,
		m.JoinFailures,
		m.ResyncFailures,
	)
	return m
}

// SetState marks state as the active connection state.
func (m *Metrics) SetState(state string, all ...string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.ConnectionState.WithLabelValues(s).Set(0)
	}
	m.ConnectionState.WithLabelValues(state).Set(1)
}

// ReconnectAttempt records one reconnection attempt.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// Fallback records a socket to polling fallback.
func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.TransportFallbacks.Inc()
}

// Emit records an outbound event result.
func (m *Metrics) Emit(event, result string) {
	if m == nil {
		return
	}
	m.Emits.WithLabelValues(event, result).Inc()
}

// Dispatched records an event delivered by the router.
func (m *Metrics) Dispatched(event string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(event).Inc()
}

// Reconcile records how a confirmation was applied.
func (m *Metrics) Reconcile(match string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(match).Inc()
}

// Rollback records a removed optimistic message.
func (m *Metrics) Rollback(reason string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(reason).Inc()
}

// JoinFailed records a rejected join.
func (m *Metrics) JoinFailed() {
	if m == nil {
		return
	}
	m.JoinFailures.Inc()
}

// ResyncFailed records a failed authoritative fetch.
func (m *Metrics) ResyncFailed(kind string) {
	if m == nil {
		return
	}
	m.ResyncFailures.WithLabelValues(kind).Inc()
}
