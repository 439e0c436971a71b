package outbox

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/gotnull/meshsync/internal/observability"
)

// DefaultAckTimeout bounds how long a want-ack send waits for its routing ack.
const DefaultAckTimeout = 5 * time.Minute

// PendingAck is a sent packet awaiting a mesh acknowledgement.
type PendingAck struct {
	PacketID uint32
	To       uint32
	SentAt   time.Time
}

type pendingEntry struct {
	ack      PendingAck
	resolved atomic.Bool
}

// AckTracker matches routing acks to want-ack sends. Entries that outlive the
// timeout are reported by DeleteExpired.
type AckTracker struct {
	cache   *cache.Cache
	logger  *slog.Logger
	metrics *observability.Metrics

	onTimeout func(PendingAck)

	sweepMu  sync.Mutex
	timeouts atomic.Int64
}

// AckOption configures the tracker.
type AckOption func(*AckTracker)

// WithAckLogger injects a structured logger.
func WithAckLogger(logger *slog.Logger) AckOption {
	return func(t *AckTracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithAckMetrics attaches metrics instrumentation.
func WithAckMetrics(metrics *observability.Metrics) AckOption {
	return func(t *AckTracker) {
		if metrics != nil {
			t.metrics = metrics
		}
	}
}

// WithTimeoutHandler is called for every send that was never acknowledged.
func WithTimeoutHandler(fn func(PendingAck)) AckOption {
	return func(t *AckTracker) {
		t.onTimeout = fn
	}
}

// NewAckTracker builds a tracker. Expired entries are only removed by
// DeleteExpired.
func NewAckTracker(timeout time.Duration, opts ...AckOption) *AckTracker {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	t := &AckTracker{
		cache:  cache.New(timeout, 0),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cache.OnEvicted(t.evicted)
	return t
}

// Track registers a sent packet.
func (t *AckTracker) Track(packetID, to uint32, sentAt time.Time) {
	t.cache.SetDefault(ackKey(packetID), &pendingEntry{ack: PendingAck{PacketID: packetID, To: to, SentAt: sentAt}})
}

// Resolve marks packetID acknowledged. It reports false for unknown or
// already expired packets.
func (t *AckTracker) Resolve(packetID uint32) (PendingAck, bool) {
	key := ackKey(packetID)
	v, ok := t.cache.Get(key)
	if !ok {
		return PendingAck{}, false
	}
	entry := v.(*pendingEntry)
	if !entry.resolved.CompareAndSwap(false, true) {
		return PendingAck{}, false
	}
	t.cache.Delete(key)
	return entry.ack, true
}

// Len returns the number of outstanding acks, including expired ones not yet
// swept.
func (t *AckTracker) Len() int {
	return t.cache.ItemCount()
}

// DeleteExpired removes timed out entries and returns how many there were.
func (t *AckTracker) DeleteExpired() int {
	t.sweepMu.Lock()
	defer t.sweepMu.Unlock()

	before := t.timeouts.Load()
	t.cache.DeleteExpired()
	return int(t.timeouts.Load() - before)
}

func (t *AckTracker) evicted(_ string, v interface{}) {
	entry, ok := v.(*pendingEntry)
	if !ok || !entry.resolved.CompareAndSwap(false, true) {
		return
	}
	t.timeouts.Add(1)
	t.metrics.IncAckTimeouts()
	t.logger.Info("mesh ack timed out",
		slog.Uint64("packet_id", uint64(entry.ack.PacketID)),
		slog.Uint64("to", uint64(entry.ack.To)))
	if t.onTimeout != nil {
		t.onTimeout(entry.ack)
	}
}

func ackKey(packetID uint32) string {
	return strconv.FormatUint(uint64(packetID), 10)
}
