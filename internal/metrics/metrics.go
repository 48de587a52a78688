package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Routing metrics
	MessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_messages_submitted_total",
			Help: "Messages submitted to the router by outcome",
		},
		[]string{"outcome"}, // error code or "accepted"
	)

	SecurityRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_security_rejections_total",
			Help: "Messages rejected by the security pipeline by rule",
		},
		[]string{"rule"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switchboard_scan_duration_seconds",
			Help:    "Security scan duration",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "switchboard_queue_depth",
			Help: "Queued plus held messages per workspace",
		},
		[]string{"workspace"},
	)

	ActiveWorkspaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_active_workspaces",
			Help: "Workspaces with a live queue",
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_deliveries_total",
			Help: "Per-target delivery attempts by result",
		},
		[]string{"result"}, // "delivered", "failed", "gone"
	)

	DeliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_delivery_retries_total",
			Help: "Delivery retries after a transient send failure",
		},
	)

	MessagesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_messages_expired_total",
			Help: "Held messages that expired before delivery",
		},
	)

	// Connection and presence metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_active_connections",
			Help: "Registered transport connections",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_connections_rejected_total",
			Help: "Connections refused by reason",
		},
		[]string{"reason"},
	)

	PresenceChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_presence_changes_total",
			Help: "Presence transitions by new status",
		},
		[]string{"status"},
	)

	// Encryption metrics
	KeyRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "switchboard_key_rotations_total",
			Help: "Workspace key rotations",
		},
	)

	CryptoErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_crypto_errors_total",
			Help: "Encryption service failures by operation",
		},
		[]string{"op"},
	)

	// Events and persistence
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_events_dropped_total",
			Help: "Bus events dropped because a subscriber was slow",
		},
		[]string{"kind"},
	)

	EventsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_events_forwarded_total",
			Help: "Bus events forwarded to the external publisher",
		},
		[]string{"result"},
	)

	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "switchboard_outbox_pending",
			Help: "Persistence operations waiting in the outbox",
		},
	)

	OutboxFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_outbox_failures_total",
			Help: "Outbox operations by failure kind",
		},
		[]string{"reason"}, // "full", "retry", "exhausted"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "switchboard_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "switchboard_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "switchboard_store_latency_seconds",
			Help:    "Durable store latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
		[]string{"backend", "op"},
	)
)
