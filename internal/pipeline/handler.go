package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gotnull/meshsync/internal/codec"
	"github.com/gotnull/meshsync/internal/dedupe"
	"github.com/gotnull/meshsync/internal/observability"
	"github.com/gotnull/meshsync/internal/outbox"
	"github.com/gotnull/meshsync/internal/signals"
)

// Deduper answers whether a packet was already processed.
type Deduper interface {
	HasSeen(ctx context.Context, key dedupe.PacketKey, ttl time.Duration) bool
	MarkSeen(ctx context.Context, key dedupe.PacketKey, ttl time.Duration)
}

// SignalSink receives signals and proximity pings from the mesh.
type SignalSink interface {
	CreateSignalFromMesh(ctx context.Context, in signals.MeshSignal) (*signals.Signal, error)
	RecordProximity(node uint32)
}

// AckResolver settles want-ack sends.
type AckResolver interface {
	Resolve(packetID uint32) (outbox.PendingAck, bool)
}

// MeshHandler drops duplicate packets and routes the rest: signal payloads to
// the signal service, routing acks to the ack tracker.
type MeshHandler struct {
	dedupe  Deduper
	signals SignalSink
	acks    AckResolver
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
}

// HandlerOption configures a MeshHandler.
type HandlerOption func(*MeshHandler)

// WithAcks routes routing acks to resolver.
func WithAcks(resolver AckResolver) HandlerOption {
	return func(h *MeshHandler) {
		h.acks = resolver
	}
}

// WithDedupeTTL overrides the duplicate window.
func WithDedupeTTL(ttl time.Duration) HandlerOption {
	return func(h *MeshHandler) {
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// WithHandlerLogger injects a structured logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *MeshHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHandlerMetrics attaches metrics instrumentation.
func WithHandlerMetrics(metrics *observability.Metrics) HandlerOption {
	return func(h *MeshHandler) {
		if metrics != nil {
			h.metrics = metrics
		}
	}
}

// NewMeshHandler builds the handler.
func NewMeshHandler(deduper Deduper, sink SignalSink, opts ...HandlerOption) (*MeshHandler, error) {
	if deduper == nil {
		return nil, errors.New("pipeline: deduper is nil")
	}
	if sink == nil {
		return nil, errors.New("pipeline: signal sink is nil")
	}
	h := &MeshHandler{
		dedupe:  deduper,
		signals: sink,
		ttl:     dedupe.DefaultTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle implements Handler.
func (h *MeshHandler) Handle(ctx context.Context, pkt codec.Packet) error {
	packetType := pkt.TypeName()

	// Packet id 0 is never assigned by firmware, so such packets cannot be deduplicated.
	if pkt.ID != 0 {
		key := dedupe.PacketKey{
			PacketType:   packetType,
			SenderNodeID: pkt.From,
			PacketID:     pkt.ID,
			ChannelIndex: dedupe.Channel(uint8(pkt.Channel)),
		}
		if h.dedupe.HasSeen(ctx, key, h.ttl) {
			h.metrics.ObserveDuplicate(packetType)
			return nil
		}
		h.dedupe.MarkSeen(ctx, key, h.ttl)
	}
	h.metrics.ObservePacket(packetType)

	if pkt.From != 0 && pkt.HeardDirectly() {
		h.signals.RecordProximity(pkt.From)
	}
	if pkt.Encrypted {
		return nil
	}

	switch pkt.PortNum {
	case codec.PortPrivateApp:
		return h.handleSignal(ctx, pkt)
	case codec.PortRouting:
		h.handleRouting(pkt)
	}
	return nil
}

func (h *MeshHandler) handleSignal(ctx context.Context, pkt codec.Packet) error {
	payload, err := codec.DecodeSignal(pkt.Payload)
	if err != nil {
		h.logger.Debug("private app payload is not a signal",
			slog.String("from", codec.NodeName(pkt.From)),
			slog.Any("error", err))
		return nil
	}

	in := signals.MeshSignal{
		SignalID:     payload.ID,
		SenderNodeID: pkt.From,
		Content:      payload.Content,
		TTL:          payload.TTL(),
	}
	if payload.Latitude != nil && payload.Longitude != nil {
		in.Location = &signals.Location{
			Latitude:  *payload.Latitude,
			Longitude: *payload.Longitude,
			Name:      payload.Location,
		}
	}

	sig, err := h.signals.CreateSignalFromMesh(ctx, in)
	if err != nil {
		return fmt.Errorf("pipeline: store mesh signal: %w", err)
	}
	if sig == nil {
		h.logger.Debug("mesh signal already known", slog.String("from", codec.NodeName(pkt.From)))
	}
	return nil
}

func (h *MeshHandler) handleRouting(pkt codec.Packet) {
	if h.acks == nil || pkt.RequestID == 0 {
		return
	}
	reason, err := codec.RoutingError(pkt.Payload)
	if err != nil {
		h.logger.Debug("routing payload unreadable", slog.Any("error", err))
		return
	}
	ack, ok := h.acks.Resolve(pkt.RequestID)
	if !ok {
		return
	}
	log := h.logger.With(
		slog.Uint64("packet_id", uint64(ack.PacketID)),
		slog.String("from", codec.NodeName(pkt.From)))
	if reason != 0 {
		log.Warn("mesh send rejected", slog.Uint64("reason", uint64(reason)))
		return
	}
	log.Info("mesh send acknowledged", slog.Duration("latency", time.Since(ack.SentAt)))
}
