package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	ConnectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xat_connection_attempts_total",
			Help: "Chat WebSocket dial attempts",
		},
		[]string{"result"}, // "ok" or "error"
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xat_reconnects_total",
			Help: "Automatic reconnects scheduled after a connection failure",
		},
	)

	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xat_connection_state",
			Help: "Chat transports by connection state",
		},
		[]string{"state"},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xat_frames_received_total",
			Help: "Inbound frames by normalization outcome",
		},
		[]string{"outcome"}, // "message", "server_error", "ignored", "malformed"
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xat_messages_sent_total",
			Help: "Outbound chat messages by result",
		},
		[]string{"result"}, // "ok", "not_connected", "error"
	)

	HistoryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xat_history_fetches_total",
			Help: "Chat history fetches by result",
		},
		[]string{"result"},
	)

	// Dev server metrics
	ServerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "xat_devserver_connections",
			Help: "WebSocket peers currently registered with the dev server hub",
		},
	)

	ServerMessagesStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xat_devserver_messages_stored_total",
			Help: "Chat messages stored by the dev server",
		},
	)
)
