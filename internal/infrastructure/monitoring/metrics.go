package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call outcomes used as the "outcome" label.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeRejected = "rejected"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Correlator metrics
	CallsTotal      *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	PendingRequests prometheus.Gauge

	// Transport metrics
	WSMessages        *prometheus.CounterVec
	MalformedMessages prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ConnectionState   prometheus.Gauge

	// Update metrics
	UpdatesDispatched   prometheus.Counter
	UpdatesDropped      prometheus.Counter
	SubscriptionsActive prometheus.Gauge

	// Sink metrics
	SinkMessages *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests     int64   `json:"totalRequests"`
	TotalErrors       int64   `json:"totalErrors"`
	Calls             int64   `json:"calls"`
	FailedCalls       int64   `json:"failedCalls"`
	Pending           int64   `json:"pending"`
	UpdatesDispatched int64   `json:"updatesDispatched"`
	UpdatesDropped    int64   `json:"updatesDropped"`
	Reconnects        int64   `json:"reconnects"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`
}

// NewMetrics creates a metrics collector registered with reg. A nil reg
// registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{startTime: time.Now()}

	// HTTP metrics
	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
	m.ResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path"},
	)

	// Correlator metrics
	m.CallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_ws_calls_total",
			Help: "Total number of request/response calls by outcome",
		},
		[]string{"action", "outcome"},
	)
	m.CallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dashboard_ws_call_duration_seconds",
			Help:    "Request/response round trip in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"action"},
	)
	m.PendingRequests = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_ws_pending_requests",
			Help: "Requests awaiting a response",
		},
	)

	// Transport metrics
	m.WSMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_ws_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction", "type"},
	)
	m.MalformedMessages = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboard_ws_malformed_messages_total",
			Help: "Inbound frames that could not be decoded",
		},
	)
	m.ReconnectAttempts = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboard_ws_reconnect_attempts_total",
			Help: "Automatic reconnection attempts",
		},
	)
	m.ConnectionState = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_ws_connection_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 connected)",
		},
	)

	// Update metrics
	m.UpdatesDispatched = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboard_ws_updates_dispatched_total",
			Help: "Push updates delivered to observers",
		},
	)
	m.UpdatesDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "dashboard_ws_updates_dropped_total",
			Help: "Push updates discarded because an observer fell behind",
		},
	)
	m.SubscriptionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_ws_subscriptions_active",
			Help: "Acknowledged server-side subscriptions",
		},
	)

	// Sink metrics
	m.SinkMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_sink_messages_total",
			Help: "Updates forwarded to the message broker by outcome",
		},
		[]string{"outcome"},
	)

	// System metrics
	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "dashboard_uptime_seconds",
			Help: "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, respSize int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordCall records a completed request/response call
func (m *Metrics) RecordCall(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(action, outcome).Inc()
	m.CallDuration.WithLabelValues(action).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.Calls++
	if outcome != OutcomeSuccess {
		m.snapshot.FailedCalls++
	}
	m.mu.Unlock()
}

// SetPending sets the number of in-flight requests
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingRequests.Set(float64(n))
	m.mu.Lock()
	m.snapshot.Pending = int64(n)
	m.mu.Unlock()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncMalformed counts an undecodable inbound frame
func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	m.MalformedMessages.Inc()
}

// IncReconnectAttempts counts an automatic reconnection attempt
func (m *Metrics) IncReconnectAttempts() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
	m.mu.Lock()
	m.snapshot.Reconnects++
	m.mu.Unlock()
}

// SetConnectionState sets the connection state gauge
func (m *Metrics) SetConnectionState(value int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(value))
}

// AddUpdatesDispatched counts updates delivered to observers
func (m *Metrics) AddUpdatesDispatched(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UpdatesDispatched.Add(float64(n))
	m.mu.Lock()
	m.snapshot.UpdatesDispatched += int64(n)
	m.mu.Unlock()
}

// IncUpdatesDropped counts an update discarded for a slow observer
func (m *Metrics) IncUpdatesDropped() {
	if m == nil {
		return
	}
	m.UpdatesDropped.Inc()
	m.mu.Lock()
	m.snapshot.UpdatesDropped++
	m.mu.Unlock()
}

// SetSubscriptionsActive sets the number of acknowledged subscriptions
func (m *Metrics) SetSubscriptionsActive(n int) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Set(float64(n))
}

// RecordSinkMessage records a broker write outcome
func (m *Metrics) RecordSinkMessage(outcome string) {
	if m == nil {
		return
	}
	m.SinkMessages.WithLabelValues(outcome).Inc()
}

// Snapshot returns current values for the JSON status API
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	snap := m.snapshot
	m.mu.RUnlock()
	snap.UptimeSeconds = time.Since(m.startTime).Seconds()
	return snap
}
