package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btmux",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "btmux",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	muxConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "btmux",
			Subsystem: "mux",
			Name:      "connections",
			Help:      "Client connections by collection (live or parked).",
		},
		[]string{"collection"},
	)
	muxAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "btmux",
			Subsystem: "mux",
			Name:      "accepted_total",
			Help:      "Client connections accepted.",
		},
	)
	muxAcceptPauses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "btmux",
			Subsystem: "mux",
			Name:      "accept_pauses_total",
			Help:      "Times a listener was detached after an accept error.",
		},
	)
	muxDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btmux",
			Subsystem: "mux",
			Name:      "disconnects_total",
			Help:      "Client connections torn down, by reason.",
		},
		[]string{"reason"},
	)
	muxDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btmux",
			Subsystem: "mux",
			Name:      "dispatches_total",
			Help:      "Frames offered upstream, by attempt kind and result.",
		},
		[]string{"attempt", "result"},
	)
	muxBytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "btmux",
			Subsystem: "mux",
			Name:      "read_bytes_total",
			Help:      "Bytes read from client connections.",
		},
	)
	muxBroadcastWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btmux",
			Subsystem: "mux",
			Name:      "broadcast_writes_total",
			Help:      "Per-connection broadcast writes, by result.",
		},
		[]string{"result"},
	)

	upstreamQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "btmux",
			Subsystem: "upstream",
			Name:      "queue_depth",
			Help:      "Messages waiting for the controller driver.",
		},
	)
	upstreamSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btmux",
			Subsystem: "upstream",
			Name:      "sends_total",
			Help:      "Messages handed to the controller driver, by result.",
		},
		[]string{"driver", "success"},
	)
	upstreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "btmux",
			Subsystem: "upstream",
			Name:      "reconnects_total",
			Help:      "Controller device reopen attempts.",
		},
		[]string{"driver"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			muxConnections,
			muxAccepted,
			muxAcceptPauses,
			muxDisconnects,
			muxDispatches,
			muxBytesRead,
			muxBroadcastWrites,
			upstreamQueueDepth,
			upstreamSends,
			upstreamReconnects,
		)
	})
}

// RecordHTTPRequest counts one admin request by route template and status
// class.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	code := StatusClass(status)
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

func SetMuxConnections(live, parked int) {
	RegisterMetrics()
	muxConnections.WithLabelValues("live").Set(float64(live))
	muxConnections.WithLabelValues("parked").Set(float64(parked))
}

func RecordAccept() {
	RegisterMetrics()
	muxAccepted.Inc()
}

func RecordAcceptPause() {
	RegisterMetrics()
	muxAcceptPauses.Inc()
}

func RecordDisconnect(reason string) {
	RegisterMetrics()
	muxDisconnects.WithLabelValues(reason).Inc()
}

// RecordDispatch counts one upstream offer. attempt is "first" or "retry".
func RecordDispatch(attempt, result string) {
	RegisterMetrics()
	muxDispatches.WithLabelValues(attempt, result).Inc()
}

func AddBytesRead(n int) {
	RegisterMetrics()
	muxBytesRead.Add(float64(n))
}

func RecordBroadcast(delivered, failed int) {
	RegisterMetrics()
	muxBroadcastWrites.WithLabelValues("ok").Add(float64(delivered))
	muxBroadcastWrites.WithLabelValues("failed").Add(float64(failed))
}

func SetUpstreamQueueDepth(n int) {
	RegisterMetrics()
	upstreamQueueDepth.Set(float64(n))
}

func RecordUpstreamSend(driver string, success bool) {
	RegisterMetrics()
	upstreamSends.WithLabelValues(driver, strconv.FormatBool(success)).Inc()
}

func RecordUpstreamReconnect(driver string) {
	RegisterMetrics()
	upstreamReconnects.WithLabelValues(driver).Inc()
}
