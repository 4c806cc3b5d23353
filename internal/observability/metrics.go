package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	OrdersRequested  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "orders_requested_total", Help: "Total number of ride requests accepted for dispatch"})
	OrderTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "order_transitions_total", Help: "Order status transitions by target status and outcome"},
		[]string{"to", "outcome"},
	)
	OffersResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_resolved_total", Help: "Ride offers by final state"},
		[]string{"state"},
	)
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from request to driver acceptance"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	ChannelsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "channels_active", Help: "Live channels by party type"},
		[]string{"party_type"},
	)
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "heartbeat_timeouts_total", Help: "Channels unbound after missing heartbeats"})
	EventsDropped     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events addressed to parties with no live channel"},
		[]string{"event"},
	)
	LocationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "locations_ingested_total", Help: "Driver location pings by result"},
		[]string{"result"},
	)

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
