// Package metrics holds the prometheus instruments for the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scope label values.
const (
	ScopeGroup  = "group"
	ScopeGlobal = "global"
)

var (
	// Connection registry
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "groupchat_connections_active",
			Help: "Live streaming connections currently registered",
		},
		[]string{"scope"},
	)

	ConnectionsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_connections_admitted_total",
			Help: "Connections admitted into the registry",
		},
		[]string{"scope"},
	)

	AuthRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupchat_auth_rejections_total",
			Help: "Group connections closed before admission because the session did not resolve",
		},
	)

	// Broadcast engine
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_broadcasts_total",
			Help: "Broadcast fan-outs started",
		},
		[]string{"scope"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_broadcast_deliveries_total",
			Help: "Payloads enqueued to individual connections",
		},
		[]string{"scope"},
	)

	DeadPeers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_dead_peers_total",
			Help: "Connections evicted because a payload could not be enqueued",
		},
		[]string{"scope"},
	)

	// Session protocol
	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupchat_messages_persisted_total",
			Help: "Chat messages appended to the message store",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "groupchat_message_persist_failures_total",
			Help: "Chat messages dropped because the store append failed",
		},
	)

	InboundDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupchat_inbound_dropped_total",
			Help: "Inbound frames ignored by the relay loop",
		},
		[]string{"reason"}, // "empty", "binary", "rate_limited"
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "groupchat_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
