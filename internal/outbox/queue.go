package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gotnull/meshsync/internal/observability"
)

// Defaults for Config.
const (
	DefaultMaxRetries   = 3
	DefaultGatePolls    = 50
	DefaultGateInterval = 200 * time.Millisecond
	DefaultSuccessPause = 100 * time.Millisecond
	DefaultFailurePause = 2 * time.Second
)

// Sender transmits one text message over the mesh and returns the packet id used.
type Sender interface {
	SendText(ctx context.Context, text string, to uint32, channel uint8, wantAck bool, messageID uint32) (uint32, error)
}

// Message is a queued outbound text.
type Message struct {
	ID        string
	Text      string
	To        uint32
	Channel   uint8
	WantAck   bool
	PacketID  uint32
	Retries   int
	CreatedAt time.Time
}

// Config tunes the drain loop.
type Config struct {
	MaxRetries   int
	GatePolls    int
	GateInterval time.Duration
	SuccessPause time.Duration
	FailurePause time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.GatePolls <= 0 {
		c.GatePolls = DefaultGatePolls
	}
	if c.GateInterval <= 0 {
		c.GateInterval = DefaultGateInterval
	}
	if c.SuccessPause < 0 {
		c.SuccessPause = 0
	} else if c.SuccessPause == 0 {
		c.SuccessPause = DefaultSuccessPause
	}
	if c.FailurePause < 0 {
		c.FailurePause = 0
	} else if c.FailurePause == 0 {
		c.FailurePause = DefaultFailurePause
	}
}

// Queue holds messages while the radio link is down and sends them in order
// once it is up. A failed message moves to the tail so it never blocks the
// others; it is dropped after MaxRetries failures.
type Queue struct {
	cfg    Config
	sender Sender
	ready  func() bool

	logger      *slog.Logger
	metrics     *observability.Metrics
	onDelivered func(Message, uint32)
	onFailed    func(Message, error)

	mu        sync.Mutex
	items     []Message
	connected bool
	draining  bool
	idle      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the queue.
type Option func(*Queue)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(q *Queue) {
		if metrics != nil {
			q.metrics = metrics
		}
	}
}

// WithReadyGate makes every send wait until ready reports true.
func WithReadyGate(ready func() bool) Option {
	return func(q *Queue) {
		q.ready = ready
	}
}

// WithDeliveredHandler is called after each successful send.
func WithDeliveredHandler(fn func(msg Message, packetID uint32)) Option {
	return func(q *Queue) {
		q.onDelivered = fn
	}
}

// WithFailedHandler is called when a message is dropped.
func WithFailedHandler(fn func(msg Message, err error)) Option {
	return func(q *Queue) {
		q.onFailed = fn
	}
}

// NewQueue creates an empty, disconnected queue.
func NewQueue(cfg Config, sender Sender, opts ...Option) (*Queue, error) {
	if sender == nil {
		return nil, errors.New("outbox: sender is nil")
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg,
		sender: sender,
		logger: slog.Default(),
		idle:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue appends a message and returns its id. A drain starts when the link
// is up and no drain is running.
func (q *Queue) Enqueue(msg Message) string {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
	q.metrics.ObserveQueueDepth(len(q.items))
	if q.connected {
		q.startDrainLocked()
	}
	return msg.ID
}

// SetConnected records the link state. Going from down to up drains any
// queued messages.
func (q *Queue) SetConnected(connected bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	was := q.connected
	q.connected = connected
	if connected && !was && len(q.items) > 0 {
		q.startDrainLocked()
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the queue in send order.
func (q *Queue) Pending() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.items...)
}

// WaitIdle blocks until no drain is running.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.draining {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop aborts any running drain and waits for it to exit. Queued messages
// are kept.
func (q *Queue) Stop() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) startDrainLocked() {
	if q.draining || q.ctx.Err() != nil {
		return
	}
	q.draining = true
	q.wg.Add(1)
	go q.drain()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		msg, ok := q.head()
		if !ok {
			return
		}
		if !q.awaitReady() {
			q.finishDrain("link lost while waiting for radio")
			return
		}

		log := q.logger.With(slog.String("message_id", msg.ID))
		packetID, err := q.sender.SendText(q.ctx, msg.Text, msg.To, msg.Channel, msg.WantAck, msg.PacketID)
		if err == nil {
			q.pop(msg.ID)
			q.metrics.ObserveSend("delivered")
			log.Debug("queued message sent", slog.Uint64("packet_id", uint64(packetID)))
			if q.onDelivered != nil {
				q.onDelivered(msg, packetID)
			}
			if !q.pause(q.cfg.SuccessPause) {
				q.finishDrain("stopped")
				return
			}
			continue
		}
		if q.ctx.Err() != nil {
			q.finishDrain("stopped")
			return
		}

		msg.Retries++
		if msg.Retries >= q.cfg.MaxRetries {
			q.pop(msg.ID)
			q.metrics.ObserveSend("failed")
			log.Warn("queued message dropped", slog.Int("retries", msg.Retries), slog.Any("error", err))
			if q.onFailed != nil {
				q.onFailed(msg, err)
			}
		} else {
			q.requeue(msg)
			q.metrics.ObserveSend("retry")
			log.Info("queued message send failed; moved to tail", slog.Int("retries", msg.Retries), slog.Any("error", err))
		}
		if !q.pause(q.cfg.FailurePause) {
			q.finishDrain("stopped")
			return
		}
	}
}

// head returns the next message, ending the drain when there is nothing to
// do.
func (q *Queue) head() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.connected || len(q.items) == 0 || q.ctx.Err() != nil {
		q.endDrainLocked()
		return Message{}, false
	}
	return q.items[0], true
}

// finishDrain ends the drain. A reconnect that landed while the drain was
// giving up saw it still running and did nothing, so the drain is restarted
// here when the link is back and messages are waiting.
func (q *Queue) finishDrain(reason string) {
	q.mu.Lock()
	q.endDrainLocked()
	restart := q.connected && len(q.items) > 0 && q.ctx.Err() == nil
	if restart {
		q.startDrainLocked()
	}
	q.mu.Unlock()
	q.logger.Debug("queue drain aborted", slog.String("reason", reason), slog.Bool("restarted", restart))
}

func (q *Queue) endDrainLocked() {
	q.draining = false
	close(q.idle)
	q.idle = make(chan struct{})
}

func (q *Queue) pop(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
	q.metrics.ObserveQueueDepth(len(q.items))
}

func (q *Queue) requeue(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(msg.ID)
	q.items = append(q.items, msg)
}

func (q *Queue) removeLocked(id string) {
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

// awaitReady polls the ready gate. It gives up only when the link drops; after
// the poll budget the send is attempted anyway.
func (q *Queue) awaitReady() bool {
	if q.ready == nil {
		return true
	}
	for i := 0; i < q.cfg.GatePolls; i++ {
		if q.ready() {
			return true
		}
		if !q.isConnected() {
			return false
		}
		if !q.pause(q.cfg.GateInterval) {
			return false
		}
	}
	return q.isConnected()
}

func (q *Queue) isConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

func (q *Queue) pause(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}
