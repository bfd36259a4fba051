package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_commands_total",
			Help: "Commands handled by the broker stores.",
		},
		[]string{"command", "result"},
	)

	DeltasPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_deltas_published_total",
			Help: "Deltas committed to the fan-out engine.",
		},
		[]string{"topic", "op"},
	)

	SubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_subscriptions_active",
			Help: "Live subscriptions per topic.",
		},
		[]string{"topic"},
	)

	SubscriptionsLaggedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_subscriptions_lagged_total",
			Help: "Subscriptions closed because their buffer overflowed.",
		},
		[]string{"topic"},
	)

	StatusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_status_transitions_total",
			Help: "Delivery-state transitions of messages.",
		},
		[]string{"to"},
	)

	TypingExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_typing_expired_total",
			Help: "Typing signals removed by the TTL sweep.",
		},
	)

	PresenceStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_presence_stale_total",
			Help: "Principals flipped offline by the heartbeat sweep.",
		},
	)

	BlobBytesStored = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_blob_bytes",
			Help:    "Sizes of stored attachment payloads.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	WSConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_ws_connections_active",
			Help: "Open WebSocket connections.",
		},
	)

	RelayedDeltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_relayed_deltas_total",
			Help: "Deltas exchanged with other nodes.",
		},
		[]string{"direction", "result"},
	)

	JournalEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_journal_events_total",
			Help: "Message events appended to the journal stream.",
		},
		[]string{"event_type", "result"},
	)

	PushNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_push_notifications_total",
			Help: "Offline notifications handed to a notifier.",
		},
		[]string{"result"},
	)
)

// MustRegister registers every collector on the default registry.
func MustRegister() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		CommandsTotal,
		DeltasPublishedTotal,
		SubscriptionsActive,
		SubscriptionsLaggedTotal,
		StatusTransitionsTotal,
		TypingExpiredTotal,
		PresenceStaleTotal,
		BlobBytesStored,
		WSConnectionsActive,
		RelayedDeltasTotal,
		JournalEventsTotal,
		PushNotificationsTotal,
	)
}

// Result labels a command outcome.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
