package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for clubpulse
type Metrics struct {
	// Transport metrics
	ConnectionState       prometheus.Gauge
	ConnectAttemptsTotal  prometheus.Counter
	DisconnectsTotal      prometheus.Counter
	BreakerTripsTotal     prometheus.Counter
	FramesReceivedTotal   *prometheus.CounterVec
	FramesSentTotal       *prometheus.CounterVec
	PublishDroppedTotal   prometheus.Counter
	SubscriptionsLive     prometheus.Gauge
	SubscriptionsPending  prometheus.Gauge
	HandlerPanicsTotal    prometheus.Counter
	HeartbeatTimeoutTotal prometheus.Counter

	// Notification store metrics
	StoreRecords         prometheus.Gauge
	StoreUnread          prometheus.Gauge
	PushesMergedTotal    *prometheus.CounterVec
	PushParseErrorsTotal prometheus.Counter
	StoreMutationsTotal  *prometheus.CounterVec

	// Gateway metrics
	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// Health monitor metrics
	ServerHealthy     prometheus.Gauge
	HealthChecksTotal *prometheus.CounterVec

	// Local API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Change stream metrics
	StreamSubscribers  prometheus.Gauge
	StreamEventsTotal  *prometheus.CounterVec
	StreamFlushLatency prometheus.Histogram
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// Transport metrics
	m.ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clubpulse_transport_connection_state",
			Help: "Broker connection state (0=disconnected, 1=connecting, 2=connected, 3=failed)",
		},
	)

	m.ConnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubpulse_transport_connect_attempts_total",
			Help: "Total number of broker connection attempts",
		},
	)

	m.DisconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubpulse_transport_disconnects_total",
			Help: "Total number of broker disconnects, including failed attempts",
		},
	)

	m.BreakerTripsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubpulse_transport_breaker_trips_total",
			Help: "Number of times automatic reconnection was abandoned after too many retries",
		},
	)

	m.FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubpulse_transport_frames_received_total",
			Help: "Total number of STOMP frames received",
		},
		[]string{"command"},
	)

	m.FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubpulse_transport_frames_sent_total",
			Help: "Total number of STOMP frames sent",
		},
		[]string{"command"},
	)

	m.PublishDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubpulse_transport_publish_dropped_total",
			Help: "Publishes dropped because the broker was not connected",
		},
	)

	m.SubscriptionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clubpulse_transport_subscriptions_live",
			Help: "Number of topics attached to the live broker connection",
		},
	)

	m.SubscriptionsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clubpulse_transport_subscriptions_registered",
			Help: "Number of topics in the subscription registry",
		},
	)

	m.HandlerPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubpulse_transport_handler_panics_total",
			Help: "Message handlers that panicked and were recovered",
		},
	)

	m.HeartbeatTimeoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubpulse_transport_heartbeat_timeouts_total",
			Help: "Connections dropped because no data arrived within the heart-beat window",
		},
	)

	// Notification store metrics
	m.StoreRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clubpulse_store_records",
			Help: "Number of notification records held in memory",
		},
	)

	m.StoreUnread = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clubpulse_store_unread",
			Help: "Number of unread notification records",
		},
	)

	m.PushesMergedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubpulse_store_pushes_total",
			Help: "Live pushes merged into the store",
		},
		[]string{"result"}, // inserted, merged
	)

	m.PushParseErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clubpulse_store_push_parse_errors_total",
			Help: "Live pushes discarded because they could not be parsed",
		},
	)

	m.StoreMutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubpulse_store_mutations_total",
			Help: "Store mutations by operation and outcome",
		},
		[]string{"operation", "success"},
	)

	// Gateway metrics
	m.GatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubpulse_gateway_requests_total",
			Help: "Total number of REST gateway requests",
		},
		[]string{"operation", "status"},
	)

	m.GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clubpulse_gateway_request_duration_seconds",
			Help:    "REST gateway request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // from 5ms to ~10s
		},
		[]string{"operation"},
	)

	// Health monitor metrics
	m.ServerHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clubpulse_server_healthy",
			Help: "Whether the last backend health check succeeded (1) or failed (0)",
		},
	)

	m.HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubpulse_health_checks_total",
			Help: "Total number of backend health checks",
		},
		[]string{"result"},
	)

	// Local API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubpulse_api_requests_total",
			Help: "Total number of local API requests",
		},
		[]string{"method", "route", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clubpulse_api_request_duration_seconds",
			Help:    "Local API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // from 1ms to ~2s
		},
		[]string{"method", "route"},
	)

	// Change stream metrics
	m.StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "clubpulse_stream_subscribers",
			Help: "Number of connected change stream subscribers",
		},
	)

	m.StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clubpulse_stream_events_total",
			Help: "Total number of change events fanned out to subscribers",
		},
		[]string{"result"},
	)

	m.StreamFlushLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clubpulse_stream_flush_duration_seconds",
			Help:    "Time spent fanning a change event out to subscribers",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
		},
	)

	return m
}
