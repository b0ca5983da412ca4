package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Frame directions and drop reasons reported by the session pipeline.
const (
	DirectionIn  = "in"
	DirectionOut = "out"

	DropMalformed  = "malformed"
	DropStray      = "stray"
	DropUnexpected = "unexpected_request"
	DropNoHandler  = "no_handler"
)

var (
	registerOnce sync.Once

	sessionCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rmbridge",
			Subsystem: "session",
			Name:      "calls_total",
			Help:      "Synchronous calls by command and result.",
		},
		[]string{"side", "command", "result"},
	)
	sessionCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rmbridge",
			Subsystem: "session",
			Name:      "call_duration_seconds",
			Help:      "Synchronous call latency in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"side", "command"},
	)
	sessionFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rmbridge",
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Frames sent and received.",
		},
		[]string{"side", "direction", "kind"},
	)
	sessionDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rmbridge",
			Subsystem: "session",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without dispatch.",
		},
		[]string{"side", "reason"},
	)
	sessionPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rmbridge",
			Subsystem: "session",
			Name:      "pending_calls",
			Help:      "Calls awaiting a response.",
		},
		[]string{"side"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rmbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rmbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionCalls, sessionCallDuration, sessionFrames, sessionDropped, sessionPending,
			httpRequests, httpDuration,
		)
	})
}

// RecordCall counts one finished call. result is "ok" or an error class.
func RecordCall(side, command, result string, duration time.Duration) {
	RegisterMetrics()
	sessionCalls.WithLabelValues(side, command, result).Inc()
	sessionCallDuration.WithLabelValues(side, command).Observe(duration.Seconds())
}

func RecordFrame(side, direction, kind string) {
	RegisterMetrics()
	sessionFrames.WithLabelValues(side, direction, kind).Inc()
}

func RecordDrop(side, reason string) {
	RegisterMetrics()
	sessionDropped.WithLabelValues(side, reason).Inc()
}

func SetPending(side string, n int) {
	RegisterMetrics()
	sessionPending.WithLabelValues(side).Set(float64(n))
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
