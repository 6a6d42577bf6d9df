package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Classroom metrics
	ClassroomsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_classrooms_created_total",
			Help: "Total classrooms created",
		},
	)

	AccessCodeCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_access_code_collisions_total",
			Help: "Generated access codes that were already taken",
		},
	)

	ClassroomJoins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_classroom_joins_total",
			Help: "Join attempts by result",
		},
		[]string{"result"}, // "joined", "invalid_code", "already_member", "error"
	)

	// Message metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_messages_persisted_total",
			Help: "Total messages stored",
		},
		[]string{"scope"}, // "classroom" or "global"
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_rate_limit_hits_total",
			Help: "Submissions rejected by the per-author rate limiter",
		},
	)

	// Broadcast metrics
	BroadcastDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_broadcast_deliveries_total",
			Help: "Per-connection broadcast outcomes",
		},
		[]string{"result"}, // "delivered", "dropped"
	)

	BroadcastPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classchat_broadcast_publishes_total",
			Help: "Publish calls by outcome",
		},
		[]string{"result"}, // "queued", "duplicate", "queue_full", "relayed", "relay_error"
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classchat_websocket_connections",
			Help: "Open websocket connections",
		},
	)

	RoomSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classchat_room_subscriptions",
			Help: "Current connection-to-room subscriptions",
		},
	)

	// Infrastructure metrics
	UploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classchat_upload_bytes_total",
			Help: "Bytes written to the blob store",
		},
	)
)
