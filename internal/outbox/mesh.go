package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/gotnull/meshsync/internal/codec"
)

const defaultHopLimit = 3

// Publisher is the MQTT side of the mesh link.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Ready() bool
}

// MeshSenderConfig describes how outbound packets are addressed.
type MeshSenderConfig struct {
	// Topic is the uplink topic the gateway node listens on.
	Topic     string
	From      uint32
	ChannelID string
	GatewayID string
	HopLimit  uint32
}

// MeshSender encodes text messages as ServiceEnvelopes and publishes them.
type MeshSender struct {
	pub  Publisher
	cfg  MeshSenderConfig
	acks *AckTracker
	now  func() time.Time
}

// NewMeshSender builds a sender. acks may be nil.
func NewMeshSender(pub Publisher, cfg MeshSenderConfig, acks *AckTracker) (*MeshSender, error) {
	if pub == nil {
		return nil, errors.New("outbox: publisher is nil")
	}
	if cfg.Topic == "" {
		return nil, errors.New("outbox: uplink topic must be provided")
	}
	if cfg.HopLimit == 0 {
		cfg.HopLimit = defaultHopLimit
	}
	return &MeshSender{pub: pub, cfg: cfg, acks: acks, now: time.Now}, nil
}

// Ready reports whether the link can take a packet; use it as the queue gate.
func (m *MeshSender) Ready() bool {
	return m.pub.Ready()
}

// SendText implements Sender. A zero messageID gets a random packet id.
func (m *MeshSender) SendText(ctx context.Context, text string, to uint32, channel uint8, wantAck bool, messageID uint32) (uint32, error) {
	id := messageID
	for id == 0 {
		id = rand.Uint32()
	}

	pkt := codec.Packet{
		ChannelID: m.cfg.ChannelID,
		GatewayID: m.cfg.GatewayID,
		ID:        id,
		From:      m.cfg.From,
		To:        to,
		Channel:   uint32(channel),
		HopLimit:  m.cfg.HopLimit,
		HopStart:  m.cfg.HopLimit,
		WantAck:   wantAck,
		PortNum:   codec.PortText,
		Payload:   []byte(text),
	}
	if err := m.pub.Publish(ctx, m.cfg.Topic, codec.Marshal(pkt)); err != nil {
		return 0, fmt.Errorf("outbox: publish packet %d: %w", id, err)
	}
	if wantAck && m.acks != nil {
		m.acks.Track(id, to, m.now())
	}
	return id, nil
}
