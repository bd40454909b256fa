package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Connection metrics
	connectionsTotal    prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionDuration  prometheus.Histogram
	connectionsAccepted prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsErrors   prometheus.Counter

	// Message metrics
	messagesReceived    prometheus.Counter
	messagesSent        prometheus.Counter
	messagesPerSecond   prometheus.Gauge
	messageSize         prometheus.Histogram
	messageDuplicates   prometheus.Counter

	// Latency metrics
	messageLatency prometheus.Histogram
	natsLatency    prometheus.Histogram

	// Error metrics
	errorsTotal      prometheus.Counter
	errorsByType     *prometheus.CounterVec
	lastErrorTime    prometheus.Gauge

	// System metrics
	goroutinesCount prometheus.Gauge
	memoryUsage     prometheus.Gauge
	cpuUsage        prometheus.Gauge

	// NATS metrics
	natsConnectionStatus prometheus.Gauge
	natsReconnects       prometheus.Counter
	natsMessages         prometheus.Counter

	// Internal tracking
	startTime    time.Time
	mu           sync.RWMutex
	clientsCount int64
}

func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// Connection metrics
		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netcode_sessions_total",
			Help: "Total number of client sessions attempted",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netcode_sessions_active",
			Help: "Number of currently connected clients",
		}),
		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "netcode_session_duration_seconds",
			Help:    "Duration of client sessions",
			Buckets: prometheus.DefBuckets,
		}),
		connectionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netcode_sessions_accepted_total",
			Help: "Total number of accepted client sessions",
		}),
		connectionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netcode_sessions_closed_total",
			Help: "Total number of closed client sessions",
		}),
		connectionsErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netcode_sessions_errors_total",
			Help: "Total number of session errors",
		}),

		// Message metrics
		messagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netcode_messages_received_total",
			Help: "Total number of channel messages received from clients",
		}),
		messagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netcode_messages_sent_total",
			Help: "Total number of channel messages sent to clients",
		}),
		messagesPerSecond: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netcode_messages_per_second",
			Help: "Current channel message rate per second",
		}),
		messageSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "netcode_message_size_bytes",
			Help:    "Size of channel messages in bytes",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000},
		}),
		messageDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netcode_messages_duplicates_total",
			Help: "Total number of duplicate channel messages dropped",
		}),

		// Latency metrics
		messageLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "netcode_message_latency_seconds",
			Help:    "Latency of channel message processing",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		natsLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Latency of NATS message processing",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		// Error metrics
		errorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "netcode_errors_total",
			Help: "Total number of errors",
		}),
		errorsByType: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "netcode_errors_by_type_total",
			Help: "Total number of errors by type",
		}, []string{"type"}),
		lastErrorTime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netcode_last_error_timestamp",
			Help: "Timestamp of the last error",
		}),

		// System metrics
		goroutinesCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netcode_goroutines_count",
			Help: "Number of goroutines",
		}),
		memoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netcode_memory_usage_bytes",
			Help: "Memory usage in bytes",
		}),
		cpuUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "netcode_cpu_usage_percent",
			Help: "CPU usage percentage",
		}),

		// NATS metrics
		natsConnectionStatus: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nats_connection_status",
			Help: "NATS connection status (1=connected, 0=disconnected)",
		}),
		natsReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nats_reconnects_total",
			Help: "Total number of NATS reconnections",
		}),
		natsMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages processed",
		}),
	}

	return m
}

// Connection tracking
func (m *Metrics) IncrementConnections() {
	m.connectionsTotal.Inc()
	m.connectionsAccepted.Inc()
	m.mu.Lock()
	m.clientsCount++
	m.mu.Unlock()
	m.connectionsActive.Inc()
}

func (m *Metrics) DecrementConnections() {
	m.connectionsClosed.Inc()
	m.mu.Lock()
	m.clientsCount--
	m.mu.Unlock()
	m.connectionsActive.Dec()
}

func (m *Metrics) RecordConnectionError() {
	m.connectionsErrors.Inc()
	m.errorsTotal.Inc()
	m.errorsByType.WithLabelValues("connection").Inc()
}

func (m *Metrics) RecordConnectionDuration(duration time.Duration) {
	m.connectionDuration.Observe(duration.Seconds())
}

// Message tracking
func (m *Metrics) IncrementMessagesReceived() {
	m.messagesReceived.Inc()
}

func (m *Metrics) IncrementMessagesSent() {
	m.messagesSent.Inc()
}

func (m *Metrics) RecordMessageSize(size int) {
	m.messageSize.Observe(float64(size))
}

func (m *Metrics) IncrementDuplicates() {
	m.messageDuplicates.Inc()
}

func (m *Metrics) UpdateMessagesPerSecond(rate float64) {
	m.messagesPerSecond.Set(rate)
}

// Latency tracking
func (m *Metrics) RecordMessageLatency(duration time.Duration) {
	m.messageLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordNATSLatency(duration time.Duration) {
	m.natsLatency.Observe(duration.Seconds())
}

// Error tracking
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Inc()
	m.errorsByType.WithLabelValues(errorType).Inc()
	m.lastErrorTime.SetToCurrentTime()
}

// System metrics
func (m *Metrics) UpdateGoroutinesCount(count int) {
	m.goroutinesCount.Set(float64(count))
}

func (m *Metrics) UpdateMemoryUsage(bytes uint64) {
	m.memoryUsage.Set(float64(bytes))
}

func (m *Metrics) UpdateCPUUsage(percent float64) {
	m.cpuUsage.Set(percent)
}

// NATS metrics
func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.natsConnectionStatus.Set(1)
	} else {
		m.natsConnectionStatus.Set(0)
	}
}

func (m *Metrics) IncrementNATSReconnects() {
	m.natsReconnects.Inc()
}

func (m *Metrics) IncrementNATSMessages() {
	m.natsMessages.Inc()
}

// Getters for current values
func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientsCount
}

func (m *Metrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// MessageRateTracker calculates messages per second over the last interval
type MessageRateTracker struct {
	lastCount     float64
	lastTime      time.Time
	currentRate   float64
	mu           sync.RWMutex
}

func NewMessageRateTracker() *MessageRateTracker {
	return &MessageRateTracker{
		lastTime: time.Now(),
	}
}

func (mrt *MessageRateTracker) Update(currentCount float64) {
	mrt.mu.Lock()
	defer mrt.mu.Unlock()

	now := time.Now()
	timeDelta := now.Sub(mrt.lastTime).Seconds()

	if timeDelta > 0 {
		countDelta := currentCount - mrt.lastCount
		mrt.currentRate = countDelta / timeDelta
		mrt.lastCount = currentCount
		mrt.lastTime = now
	}
}

func (mrt *MessageRateTracker) GetRate() float64 {
	mrt.mu.RLock()
	defer mrt.mu.RUnlock()
	return mrt.currentRate
}