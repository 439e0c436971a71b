package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles Prometheus metrics used across the sync service.
type Metrics struct {
	namespace string

	messagesReceived  prometheus.Counter
	droppedMessages   prometheus.Counter
	decodeErrors      prometheus.Counter
	packetsProcessed  *prometheus.CounterVec
	duplicatePackets  *prometheus.CounterVec
	dedupeDegraded    prometheus.Gauge
	storeErrors       prometheus.Counter
	signalsCreated    *prometheus.CounterVec
	signalsExpired    prometheus.Counter
	signalsEvicted    prometheus.Counter
	remoteWriteErrors prometheus.Counter
	imageUploads      *prometheus.CounterVec
	pendingImages     prometheus.Gauge
	activeListeners   prometheus.Gauge
	queueDepth        prometheus.Gauge
	messagesSent      *prometheus.CounterVec
	acksTimedOut      prometheus.Counter
	pipelineErrors    prometheus.Counter

	healthy atomic.Bool
}

// MetricsOption customises metrics creation.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace overrides the metric namespace (default: meshsync).
func WithNamespace(ns string) MetricsOption {
	return func(cfg *metricsConfig) {
		if ns != "" {
			cfg.namespace = ns
		}
	}
}

// WithRegistry overrides the Prometheus registerer (useful for tests).
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		if reg != nil {
			cfg.registry = reg
		}
	}
}

// NewMetrics initialises and registers sync metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "meshsync",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.registry)
	m := &Metrics{
		namespace: cfg.namespace,
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_received_total",
			Help:      "Total number of MQTT messages received from the broker.",
		}),
		droppedMessages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of MQTT messages dropped before decode.",
		}),
		decodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of envelopes that could not be decoded.",
		}),
		packetsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "packets_processed_total",
			Help:      "Total number of new mesh packets handed to business logic, by packet type.",
		}, []string{"packet_type"}),
		duplicatePackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "duplicate_packets_total",
			Help:      "Total number of mesh packets rejected as already seen, by packet type.",
		}, []string{"packet_type"}),
		dedupeDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "dedupe_store_degraded",
			Help:      "1 when the dedupe store failed to open and runs fail-open for the session.",
		}),
		storeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "store_errors_total",
			Help:      "Total number of local storage errors.",
		}),
		signalsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "signals_created_total",
			Help:      "Total number of signals created, by origin.",
		}, []string{"origin"}),
		signalsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "signals_expired_total",
			Help:      "Total number of signals removed by the expiry sweep.",
		}),
		signalsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "signals_evicted_total",
			Help:      "Total number of signals evicted by the local retention limit.",
		}),
		remoteWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "remote_write_errors_total",
			Help:      "Total number of failed writes to the remote document mirror.",
		}),
		imageUploads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "image_uploads_total",
			Help:      "Image upload outcomes (uploaded, committed, queued, failed, dropped).",
		}, []string{"outcome"}),
		pendingImages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "pending_image_updates",
			Help:      "Current number of image metadata commits awaiting retry.",
		}),
		activeListeners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "remote_listeners",
			Help:      "Current number of active remote document subscriptions.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "offline_queue_depth",
			Help:      "Current number of outbound messages waiting in the offline queue.",
		}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound message attempts, by result (delivered, retried, failed).",
		}, []string{"result"}),
		acksTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "acks_timed_out_total",
			Help:      "Total number of want-ack messages that never received a mesh ack.",
		}),
		pipelineErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "pipeline_errors_total",
			Help:      "Total number of pipeline errors forwarded to the supervisor.",
		}),
	}

	m.healthy.Store(true)
	return m
}

// IncMessagesReceived increments the raw message counter.
func (m *Metrics) IncMessagesReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) IncDroppedMessages() {
	if m == nil {
		return
	}
	m.droppedMessages.Inc()
}

// IncDecodeErrors counts envelopes that failed to parse.
func (m *Metrics) IncDecodeErrors() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// ObservePacket records a packet that passed deduplication.
func (m *Metrics) ObservePacket(packetType string) {
	if m == nil {
		return
	}
	m.packetsProcessed.WithLabelValues(packetType).Inc()
}

// ObserveDuplicate records a packet rejected by the dedupe store.
func (m *Metrics) ObserveDuplicate(packetType string) {
	if m == nil {
		return
	}
	m.duplicatePackets.WithLabelValues(packetType).Inc()
}

// SetDedupeDegraded flags the dedupe store as permanently failed and marks the service unhealthy.
func (m *Metrics) SetDedupeDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.dedupeDegraded.Set(1)
		m.healthy.Store(false)
		return
	}
	m.dedupeDegraded.Set(0)
}

// IncStoreErrors increments store error counter and marks service unhealthy.
func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
	m.healthy.Store(false)
}

// IncSignalCreated counts a new signal by origin ("local" or "mesh").
func (m *Metrics) IncSignalCreated(origin string) {
	if m == nil {
		return
	}
	m.signalsCreated.WithLabelValues(origin).Inc()
}

func (m *Metrics) AddSignalsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.signalsExpired.Add(float64(n))
}

func (m *Metrics) AddSignalsEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.signalsEvicted.Add(float64(n))
}

// IncRemoteWriteErrors counts a swallowed or retried remote write failure.
func (m *Metrics) IncRemoteWriteErrors() {
	if m == nil {
		return
	}
	m.remoteWriteErrors.Inc()
}

// ObserveImageUpload records an image upload outcome.
func (m *Metrics) ObserveImageUpload(outcome string) {
	if m == nil {
		return
	}
	m.imageUploads.WithLabelValues(outcome).Inc()
}

// SetPendingImages tracks the image commit retry table size.
func (m *Metrics) SetPendingImages(n int) {
	if m == nil {
		return
	}
	m.pendingImages.Set(float64(n))
}

// SetActiveListeners tracks the number of open remote subscriptions.
func (m *Metrics) SetActiveListeners(n int) {
	if m == nil {
		return
	}
	m.activeListeners.Set(float64(n))
}

// ObserveQueueDepth tracks the offline queue depth.
func (m *Metrics) ObserveQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// ObserveSend records an outbound send attempt result.
func (m *Metrics) ObserveSend(result string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(result).Inc()
}

func (m *Metrics) IncAckTimeouts() {
	if m == nil {
		return
	}
	m.acksTimedOut.Inc()
}

// IncPipelineErrors increments general pipeline error counter.
func (m *Metrics) IncPipelineErrors() {
	if m == nil {
		return
	}
	m.pipelineErrors.Inc()
}

// Healthy reports whether recent operations have seen errors.
func (m *Metrics) Healthy() bool {
	if m == nil {
		return true
	}
	return m.healthy.Load()
}

// MarkHealthy resets the healthy flag.
func (m *Metrics) MarkHealthy() {
	if m == nil {
		return
	}
	m.healthy.Store(true)
}
