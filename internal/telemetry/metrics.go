package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	MessagesPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_messages_published_total", Help: "Messages handed to the broker"})
	MessagesReceived  = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_messages_received_total", Help: "Messages received from subscriptions"})
	MessagesDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_messages_dropped_total", Help: "Oldest unsent messages dropped on queue overflow"})
	PublishErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_publish_errors_total", Help: "Publish attempts that failed"})
	SendQueueDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_send_queue_depth", Help: "Outbound messages waiting in the send queue"})

	DeliveriesQueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_deliveries_queued_total", Help: "Consultation deliveries persisted for offline devices"})
	DeliveriesSent      = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_deliveries_sent_total", Help: "Queued deliveries sent to a device"})
	DeliveriesExpired   = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_deliveries_expired_total", Help: "Queued deliveries purged past their TTL or retry budget"})
	DeliveriesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_deliveries_failed_total", Help: "Delivery attempts that failed and will retry"})
	PresenceUpdates     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_presence_updates_total", Help: "Effective device presence changes"})
	PresenceDropped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_presence_dropped_total", Help: "Presence payloads dropped as unparseable"})
	ServiceRestarts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_service_restarts_total", Help: "Supervisor-initiated service restarts"})
	DeviceCacheHits     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_device_cache_hits_total", Help: "Device reads served from the cache"})
	DeviceCacheMisses   = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_device_cache_misses_total", Help: "Device reads that fell through to Postgres"})
	DevicesOnlineGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_devices_online", Help: "Devices currently tracked as online"})
	PendingDeliveryGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_deliveries_pending", Help: "Queued deliveries in pending state"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			MessagesPublished,
			MessagesReceived,
			MessagesDropped,
			PublishErrors,
			SendQueueDepth,
			DeliveriesQueued,
			DeliveriesSent,
			DeliveriesExpired,
			DeliveriesFailed,
			PresenceUpdates,
			PresenceDropped,
			ServiceRestarts,
			DeviceCacheHits,
			DeviceCacheMisses,
			DevicesOnlineGauge,
			PendingDeliveryGauge,
		)
	})
	return promhttp.Handler()
}
