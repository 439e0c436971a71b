package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gotnull/meshsync/internal/codec"
	"github.com/gotnull/meshsync/internal/dedupe"
	"github.com/gotnull/meshsync/internal/observability"
	"github.com/gotnull/meshsync/internal/outbox"
	"github.com/gotnull/meshsync/internal/pipeline"
	"github.com/gotnull/meshsync/internal/signals"
)

type memoryDeduper struct {
	seen map[string]bool
}

func memoryKey(key dedupe.PacketKey) string {
	ch := -1
	if key.ChannelIndex != nil {
		ch = int(*key.ChannelIndex)
	}
	return fmt.Sprintf("%s/%d/%d/%d", key.PacketType, key.SenderNodeID, key.PacketID, ch)
}

func (m *memoryDeduper) HasSeen(_ context.Context, key dedupe.PacketKey, _ time.Duration) bool {
	return m.seen[memoryKey(key)]
}

func (m *memoryDeduper) MarkSeen(_ context.Context, key dedupe.PacketKey, _ time.Duration) {
	m.seen[memoryKey(key)] = true
}

type recordingSink struct {
	signals   []signals.MeshSignal
	proximity []uint32
	err       error
}

func (r *recordingSink) CreateSignalFromMesh(_ context.Context, in signals.MeshSignal) (*signals.Signal, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.signals = append(r.signals, in)
	return &signals.Signal{ID: in.SignalID}, nil
}

func (r *recordingSink) RecordProximity(node uint32) {
	r.proximity = append(r.proximity, node)
}

type recordingAcks struct {
	resolved []uint32
}

func (r *recordingAcks) Resolve(packetID uint32) (outbox.PendingAck, bool) {
	r.resolved = append(r.resolved, packetID)
	return outbox.PendingAck{PacketID: packetID, SentAt: time.Now()}, true
}

func newHandler(t *testing.T, sink *recordingSink, acks *recordingAcks) *pipeline.MeshHandler {
	t.Helper()
	h, err := pipeline.NewMeshHandler(&memoryDeduper{seen: map[string]bool{}}, sink,
		pipeline.WithAcks(acks),
		pipeline.WithHandlerLogger(observability.NoOpLogger()),
	)
	if err != nil {
		t.Fatalf("NewMeshHandler: %v", err)
	}
	return h
}

func signalPacket(id uint32, payload string) codec.Packet {
	return codec.Packet{
		ID:       id,
		From:     0x99,
		To:       codec.BroadcastAddr,
		HopLimit: 3,
		HopStart: 3,
		PortNum:  codec.PortPrivateApp,
		Payload:  []byte(payload),
	}
}

const meshSignalID = "3b7e9a52-1c4d-4f8a-9e26-5d0c7b1a8f34"

func TestMeshHandlerRoutesSignals(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	h := newHandler(t, sink, &recordingAcks{})

	if err := h.Handle(ctx, signalPacket(1, `{"sid":"`+meshSignalID+`","c":"hello","ttl":15,"lat":1.5,"lon":2.5,"loc":"Dock"}`)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := h.Handle(ctx, signalPacket(1, `{"sid":"`+meshSignalID+`","c":"hello","ttl":15}`)); err != nil {
		t.Fatalf("Handle duplicate: %v", err)
	}
	if err := h.Handle(ctx, signalPacket(2, `{"c":"legacy","ttl":5}`)); err != nil {
		t.Fatalf("Handle legacy: %v", err)
	}
	if err := h.Handle(ctx, signalPacket(3, `not json`)); err != nil {
		t.Fatalf("non-signal payloads are ignored, got %v", err)
	}

	if len(sink.signals) != 2 {
		t.Fatalf("expected 2 routed signals, got %+v", sink.signals)
	}
	first := sink.signals[0]
	if first.SignalID != meshSignalID || first.TTL != 15*time.Minute || first.SenderNodeID != 0x99 {
		t.Fatalf("unexpected signal %+v", first)
	}
	if first.Location == nil || first.Location.Name != "Dock" || first.Location.Longitude != 2.5 {
		t.Fatalf("unexpected location %+v", first.Location)
	}
	if sink.signals[1].SignalID != "" || sink.signals[1].Content != "legacy" {
		t.Fatalf("unexpected legacy signal %+v", sink.signals[1])
	}
	// Proximity is recorded for every non-duplicate packet heard directly.
	if len(sink.proximity) != 3 {
		t.Fatalf("expected 3 proximity pings, got %v", sink.proximity)
	}
}

func TestMeshHandlerIgnoresMalformedSignalIDs(t *testing.T) {
	sink := &recordingSink{}
	h := newHandler(t, sink, &recordingAcks{})
	if err := h.Handle(context.Background(), signalPacket(4, `{"sid":"../../escape","c":"x","ttl":5}`)); err != nil {
		t.Fatalf("malformed signals are dropped, got %v", err)
	}
	if len(sink.signals) != 0 {
		t.Fatalf("expected no routed signal, got %+v", sink.signals)
	}
}

func TestMeshHandlerProximityOnlyForDirectPackets(t *testing.T) {
	sink := &recordingSink{}
	h := newHandler(t, sink, &recordingAcks{})

	relayed := signalPacket(10, `{"c":"x","ttl":5}`)
	relayed.HopLimit = 1
	noHopStart := signalPacket(11, `{"c":"y","ttl":5}`)
	noHopStart.HopStart = 0
	encrypted := codec.Packet{ID: 12, From: 0x77, HopLimit: 3, HopStart: 3, Encrypted: true, Payload: []byte{1, 2}}

	for _, pkt := range []codec.Packet{relayed, noHopStart, encrypted} {
		if err := h.Handle(context.Background(), pkt); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if len(sink.proximity) != 1 || sink.proximity[0] != 0x77 {
		t.Fatalf("expected only the direct encrypted packet to count, got %v", sink.proximity)
	}
	if len(sink.signals) != 2 {
		t.Fatalf("relayed signals are still stored, got %d", len(sink.signals))
	}
}

func TestMeshHandlerResolvesRoutingAcks(t *testing.T) {
	acks := &recordingAcks{}
	h := newHandler(t, &recordingSink{}, acks)

	ack := codec.Packet{ID: 5, From: 0x99, PortNum: codec.PortRouting, RequestID: 0xAB}
	if err := h.Handle(context.Background(), ack); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	noRequest := codec.Packet{ID: 6, From: 0x99, PortNum: codec.PortRouting}
	if err := h.Handle(context.Background(), noRequest); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(acks.resolved) != 1 || acks.resolved[0] != 0xAB {
		t.Fatalf("expected ack 0xAB resolved, got %v", acks.resolved)
	}
}

func TestMeshHandlerSkipsDedupeForZeroID(t *testing.T) {
	sink := &recordingSink{}
	h := newHandler(t, sink, &recordingAcks{})
	pkt := signalPacket(0, `{"c":"zero","ttl":5}`)
	for i := 0; i < 2; i++ {
		if err := h.Handle(context.Background(), pkt); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if len(sink.signals) != 2 {
		t.Fatalf("packets without an id are never deduplicated, got %d", len(sink.signals))
	}
}

func TestMeshHandlerPropagatesStoreErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	h := newHandler(t, sink, &recordingAcks{})
	if err := h.Handle(context.Background(), signalPacket(1, `{"c":"x","ttl":5}`)); err == nil {
		t.Fatalf("expected store error")
	}
}
