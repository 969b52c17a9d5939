package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Ride requests accepted into the state machine"})
	RidesRejected  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "rides_rejected_total", Help: "Ride requests rejected at creation"}, []string{"reason"})
	RidesFinished  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "rides_finished_total", Help: "Rides reaching a terminal state"}, []string{"state", "reason"})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_active", Help: "Ride sessions not yet terminal"})

	OffersTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Offer outcomes"}, []string{"outcome"})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from request to accepted assignment", Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120}})
	Reassignments  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reassignments_total", Help: "Assignments released because the driver stalled"})
	DriversTracked = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_tracked", Help: "Driver presences held in the position store"})

	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "oracle_requests_total", Help: "Distance oracle lookups"}, []string{"backend", "result"})

	HubConnections   = promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "hub_connections", Help: "Bound channels by role"}, []string{"role"})
	HubSendMisses    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "hub_send_misses_total", Help: "Events dropped because no channel was bound"}, []string{"role", "type"})
	HubHeartbeatLoss = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "hub_heartbeat_loss_total", Help: "Channels evicted for missing heartbeats"}, []string{"role"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
