package codec

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gotnull/meshsync/internal/mqtt"
)

var (
	// ErrUnsupportedTopic marks uplinks the decoder deliberately ignores (map reports, stat).
	ErrUnsupportedTopic = errors.New("codec: unsupported topic")
	// ErrEnvelopeTooLarge marks payloads above the configured limit.
	ErrEnvelopeTooLarge = errors.New("codec: envelope too large")
)

// Decoder converts raw MQTT messages into mesh packets.
type Decoder interface {
	Decode(ctx context.Context, msg mqtt.Message) (Packet, error)
}

// MeshtasticConfig controls how uplinks are decoded.
type MeshtasticConfig struct {
	MaxEnvelopeBytes int
}

// MeshtasticDecoder handles protobuf ("e") and JSON ("json") uplinks.
type MeshtasticDecoder struct {
	cfg MeshtasticConfig
}

func NewMeshtasticDecoder(cfg MeshtasticConfig) MeshtasticDecoder {
	return MeshtasticDecoder{cfg: cfg}
}

// Decode implements Decoder.
func (d MeshtasticDecoder) Decode(_ context.Context, msg mqtt.Message) (Packet, error) {
	if d.cfg.MaxEnvelopeBytes > 0 && len(msg.Payload) > d.cfg.MaxEnvelopeBytes {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrEnvelopeTooLarge, len(msg.Payload))
	}

	messageType := MessageType(msg.Topic)

	var (
		pkt Packet
		err error
	)
	switch messageType {
	case "e":
		pkt, err = Unmarshal(msg.Payload)
	case "json":
		pkt, err = UnmarshalJSON(msg.Payload)
	default:
		return Packet{}, fmt.Errorf("%w: %s", ErrUnsupportedTopic, msg.Topic)
	}
	if err != nil {
		return Packet{}, err
	}

	pkt.Topic = msg.Topic
	pkt.MessageType = messageType
	pkt.ReceivedAt = msg.Time
	if pkt.ChannelID == "" {
		pkt.ChannelID = topicChannel(msg.Topic)
	}
	return pkt, nil
}

// MessageType returns the segment after the protocol version ("2") in a
// Meshtastic topic, e.g. "e" for msh/US/2/e/LongFast/!abcd.
func MessageType(topic string) string {
	parts := strings.Split(topic, "/")
	for i := 1; i < len(parts)-1; i++ {
		if parts[i] == "2" {
			return parts[i+1]
		}
	}
	return ""
}

func topicChannel(topic string) string {
	parts := strings.Split(topic, "/")
	for i := 1; i < len(parts)-2; i++ {
		if parts[i] == "2" {
			return parts[i+2]
		}
	}
	return ""
}
