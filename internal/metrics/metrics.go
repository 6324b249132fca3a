// Package metrics exposes the hub's Prometheus collectors behind a
// small recorder interface so the hot paths never depend on the
// registry directly and tests can pass a no-op.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the hub's components report into.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageReceived(msgType string)
	MessageSent(msgType string)
	DeltaAppended()
	CausalityRejected()
	BroadcastFanout(n int)
	SlowConsumerClosed()
	AuthFailed()
	PubSubPublished()
	PubSubReceived()
	StorageError()
}

// Nop is the no-op recorder used by tests.
type Nop struct{}

func (Nop) ConnectionOpened()          {}
func (Nop) ConnectionClosed()          {}
func (Nop) MessageReceived(string)     {}
func (Nop) MessageSent(string)         {}
func (Nop) DeltaAppended()             {}
func (Nop) CausalityRejected()         {}
func (Nop) BroadcastFanout(int)        {}
func (Nop) SlowConsumerClosed()        {}
func (Nop) AuthFailed()                {}
func (Nop) PubSubPublished()           {}
func (Nop) PubSubReceived()            {}
func (Nop) StorageError()              {}

// Registry wires the Prometheus collectors.
type Registry struct {
	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	messagesReceived   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	deltasAppended     prometheus.Counter
	causalityRejected  prometheus.Counter
	broadcastFanout    prometheus.Counter
	slowConsumers      prometheus.Counter
	authFailures       prometheus.Counter
	pubsubPublished    prometheus.Counter
	pubsubReceived     prometheus.Counter
	storageErrors      prometheus.Counter
}

// NewRegistry creates and registers the hub's collectors on the default
// Prometheus registry.
func NewRegistry() *Registry {
	return &Registry{
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synckit_connections_active",
			Help: "Number of live WebSocket connections",
		}),
		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synckit_connections_total",
			Help: "Total number of accepted WebSocket connections",
		}),
		messagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_messages_received_total",
			Help: "Inbound messages by wire type",
		}, []string{"type"}),
		messagesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synckit_messages_sent_total",
			Help: "Outbound messages by wire type",
		}, []string{"type"}),
		deltasAppended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synckit_deltas_appended_total",
			Help: "Deltas accepted and persisted",
		}),
		causalityRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synckit_causality_rejections_total",
			Help: "Deltas rejected for a per-client clock gap or reorder",
		}),
		broadcastFanout: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synckit_broadcast_fanout_total",
			Help: "Frames fanned out to local subscribers",
		}),
		slowConsumers: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synckit_slow_consumers_closed_total",
			Help: "Connections shed for a full outbound queue",
		}),
		authFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synckit_auth_failures_total",
			Help: "Failed authentication attempts",
		}),
		pubsubPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synckit_pubsub_published_total",
			Help: "Envelopes published to the cross-node bus",
		}),
		pubsubReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synckit_pubsub_received_total",
			Help: "Envelopes received from the cross-node bus",
		}),
		storageErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synckit_storage_errors_total",
			Help: "Storage operations that returned an error",
		}),
	}
}

func (r *Registry) ConnectionOpened() {
	r.connectionsActive.Inc()
	r.connectionsTotal.Inc()
}
func (r *Registry) ConnectionClosed()            { r.connectionsActive.Dec() }
func (r *Registry) MessageReceived(msgType string) { r.messagesReceived.WithLabelValues(msgType).Inc() }
func (r *Registry) MessageSent(msgType string)     { r.messagesSent.WithLabelValues(msgType).Inc() }
func (r *Registry) DeltaAppended()               { r.deltasAppended.Inc() }
func (r *Registry) CausalityRejected()           { r.causalityRejected.Inc() }
func (r *Registry) BroadcastFanout(n int)        { r.broadcastFanout.Add(float64(n)) }
func (r *Registry) SlowConsumerClosed()          { r.slowConsumers.Inc() }
func (r *Registry) AuthFailed()                  { r.authFailures.Inc() }
func (r *Registry) PubSubPublished()             { r.pubsubPublished.Inc() }
func (r *Registry) PubSubReceived()              { r.pubsubReceived.Inc() }
func (r *Registry) StorageError()                { r.storageErrors.Inc() }

// Handler serves the collectors over HTTP.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
