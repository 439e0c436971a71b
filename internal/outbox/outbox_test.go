package outbox_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/gotnull/meshsync/internal/codec"
	"github.com/gotnull/meshsync/internal/observability"
	"github.com/gotnull/meshsync/internal/outbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedSender struct {
	mu       sync.Mutex
	sent     []string
	failures map[string]int
	nextID   uint32
}

func newScriptedSender(failures map[string]int) *scriptedSender {
	return &scriptedSender{failures: failures, nextID: 100}
}

func (s *scriptedSender) SendText(_ context.Context, text string, _ uint32, _ uint8, _ bool, _ uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[text] > 0 {
		s.failures[text]--
		s.sent = append(s.sent, text+"(fail)")
		return 0, errors.New("radio busy")
	}
	s.sent = append(s.sent, text)
	s.nextID++
	return s.nextID, nil
}

func (s *scriptedSender) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func fastConfig() outbox.Config {
	return outbox.Config{
		GateInterval: time.Millisecond,
		SuccessPause: time.Millisecond,
		FailurePause: time.Millisecond,
	}
}

func newQueue(t *testing.T, sender outbox.Sender, opts ...outbox.Option) *outbox.Queue {
	t.Helper()
	q, err := outbox.NewQueue(fastConfig(), sender, append([]outbox.Option{outbox.WithLogger(observability.NoOpLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	t.Cleanup(q.Stop)
	return q
}

func waitIdle(t *testing.T, q *outbox.Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("queue did not go idle: %v", err)
	}
}

func TestQueueOrderUnderFailure(t *testing.T) {
	sender := newScriptedSender(map[string]int{"A": 2})
	var (
		mu        sync.Mutex
		delivered []string
	)
	q := newQueue(t, sender, outbox.WithDeliveredHandler(func(msg outbox.Message, _ uint32) {
		mu.Lock()
		delivered = append(delivered, msg.Text)
		mu.Unlock()
	}))

	q.Enqueue(outbox.Message{Text: "A"})
	q.Enqueue(outbox.Message{Text: "B"})
	q.Enqueue(outbox.Message{Text: "C"})
	if got := sender.order(); len(got) != 0 {
		t.Fatalf("nothing may be sent while disconnected, got %v", got)
	}

	q.SetConnected(true)
	waitIdle(t, q)

	want := []string{"A(fail)", "B", "C", "A(fail)", "A"}
	got := sender.order()
	if len(got) != len(want) {
		t.Fatalf("expected send order %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected send order %v, got %v", want, got)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 3 || delivered[2] != "A" {
		t.Fatalf("unexpected deliveries %v", delivered)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len())
	}
}

func TestQueueDropsAfterMaxRetries(t *testing.T) {
	sender := newScriptedSender(map[string]int{"X": 10})
	var failed atomic.Int32
	var retries atomic.Int32
	q := newQueue(t, sender, outbox.WithFailedHandler(func(msg outbox.Message, err error) {
		failed.Add(1)
		retries.Store(int32(msg.Retries))
	}))

	q.SetConnected(true)
	q.Enqueue(outbox.Message{Text: "X"})
	waitIdle(t, q)

	if got := sender.order(); len(got) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %v", got)
	}
	if failed.Load() != 1 || retries.Load() != 3 {
		t.Fatalf("expected one failure after 3 retries, got %d (retries %d)", failed.Load(), retries.Load())
	}
	if q.Len() != 0 {
		t.Fatalf("failed message must be removed")
	}
}

func TestQueueReadyGateAbortsOnDisconnect(t *testing.T) {
	sender := newScriptedSender(nil)
	var polls atomic.Int32
	var q *outbox.Queue
	q = newQueue(t, sender, outbox.WithReadyGate(func() bool {
		if polls.Add(1) == 3 {
			q.SetConnected(false)
		}
		return false
	}))

	q.SetConnected(true)
	q.Enqueue(outbox.Message{Text: "held"})
	waitIdle(t, q)

	if got := sender.order(); len(got) != 0 {
		t.Fatalf("nothing may be sent while the gate is closed, got %v", got)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected the drain to stop at the disconnect, got %d polls", polls.Load())
	}
	if q.Len() != 1 {
		t.Fatalf("message must stay queued, got %d", q.Len())
	}
}

func TestQueueResumesWhenLinkReturnsDuringGateWait(t *testing.T) {
	for i := 0; i < 50; i++ {
		sender := newScriptedSender(nil)
		var polls atomic.Int32
		var q *outbox.Queue
		q = newQueue(t, sender, outbox.WithReadyGate(func() bool {
			if polls.Add(1) == 1 {
				q.SetConnected(false)
				go q.SetConnected(true)
				return false
			}
			return true
		}))

		q.SetConnected(true)
		q.Enqueue(outbox.Message{Text: "flap"})

		deadline := time.Now().Add(2 * time.Second)
		for q.Len() != 0 {
			if time.Now().After(deadline) {
				t.Fatalf("iteration %d: queue stalled while connected with %d queued", i, q.Len())
			}
			time.Sleep(time.Millisecond)
		}
		waitIdle(t, q)
		if got := sender.order(); len(got) != 1 || got[0] != "flap" {
			t.Fatalf("iteration %d: expected one delivery, got %v", i, got)
		}
	}
}

func TestQueueReadyGateWaitsForRadio(t *testing.T) {
	sender := newScriptedSender(nil)
	var polls atomic.Int32
	q := newQueue(t, sender, outbox.WithReadyGate(func() bool {
		return polls.Add(1) > 4
	}))

	q.SetConnected(true)
	q.Enqueue(outbox.Message{Text: "later"})
	waitIdle(t, q)

	if got := sender.order(); len(got) != 1 || got[0] != "later" {
		t.Fatalf("expected message sent once ready, got %v", got)
	}
	if polls.Load() < 5 {
		t.Fatalf("expected the gate to be polled until ready, got %d polls", polls.Load())
	}
}

func TestQueueReconnectDrains(t *testing.T) {
	sender := newScriptedSender(nil)
	q := newQueue(t, sender)

	q.SetConnected(true)
	q.SetConnected(false)
	q.Enqueue(outbox.Message{Text: "one"})
	q.Enqueue(outbox.Message{Text: "two"})
	waitIdle(t, q)
	if len(sender.order()) != 0 {
		t.Fatalf("disconnected queue must hold messages")
	}

	q.SetConnected(true)
	waitIdle(t, q)
	if got := sender.order(); len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("expected FIFO drain after reconnect, got %v", got)
	}
}

func TestAckTrackerResolvesAndTimesOut(t *testing.T) {
	var timedOut []uint32
	tracker := outbox.NewAckTracker(20*time.Millisecond,
		outbox.WithAckLogger(observability.NoOpLogger()),
		outbox.WithTimeoutHandler(func(ack outbox.PendingAck) {
			timedOut = append(timedOut, ack.PacketID)
		}),
	)

	now := time.Now()
	tracker.Track(1, 0xaa, now)
	tracker.Track(2, 0xbb, now)

	ack, ok := tracker.Resolve(1)
	if !ok || ack.To != 0xaa {
		t.Fatalf("expected packet 1 resolved, got %+v (%v)", ack, ok)
	}
	if _, ok := tracker.Resolve(1); ok {
		t.Fatalf("packet 1 must resolve only once")
	}

	time.Sleep(40 * time.Millisecond)
	if n := tracker.DeleteExpired(); n != 1 {
		t.Fatalf("expected one timeout, got %d", n)
	}
	if len(timedOut) != 1 || timedOut[0] != 2 {
		t.Fatalf("expected packet 2 reported, got %v", timedOut)
	}
	if _, ok := tracker.Resolve(2); ok {
		t.Fatalf("timed out packet must not resolve")
	}
	if tracker.Len() != 0 {
		t.Fatalf("expected no outstanding acks, got %d", tracker.Len())
	}
}

type capturePublisher struct {
	mu      sync.Mutex
	topic   string
	payload []byte
	err     error
}

func (p *capturePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.payload = payload
	return nil
}

func (p *capturePublisher) Ready() bool { return true }

func TestMeshSenderPublishesEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	acks := outbox.NewAckTracker(time.Minute)
	sender, err := outbox.NewMeshSender(pub, outbox.MeshSenderConfig{
		Topic:     "msh/2/e/LongFast/!00000042",
		From:      0x42,
		ChannelID: "LongFast",
		GatewayID: "!00000042",
	}, acks)
	if err != nil {
		t.Fatalf("NewMeshSender: %v", err)
	}

	id, err := sender.SendText(context.Background(), "ping", 0x99, 0, true, 0)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected a generated packet id")
	}
	if pub.topic != "msh/2/e/LongFast/!00000042" {
		t.Fatalf("unexpected topic %q", pub.topic)
	}

	pkt, err := codec.Unmarshal(pub.payload)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if pkt.ID != id || pkt.From != 0x42 || pkt.To != 0x99 || !pkt.WantAck {
		t.Fatalf("unexpected packet %+v", pkt)
	}
	if pkt.PortNum != codec.PortText || string(pkt.Payload) != "ping" || pkt.HopLimit != 3 {
		t.Fatalf("unexpected payload %+v", pkt)
	}
	if acks.Len() != 1 {
		t.Fatalf("want-ack send should be tracked")
	}

	pub.err = errors.New("not connected")
	if _, err := sender.SendText(context.Background(), "x", 1, 0, false, 7); err == nil {
		t.Fatalf("expected publish error")
	}
}
