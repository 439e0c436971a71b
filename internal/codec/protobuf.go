package codec

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from meshtastic/mqtt.proto and meshtastic/mesh.proto.
const (
	envelopePacket    protowire.Number = 1
	envelopeChannelID protowire.Number = 2
	envelopeGatewayID protowire.Number = 3

	meshFrom      protowire.Number = 1
	meshTo        protowire.Number = 2
	meshChannel   protowire.Number = 3
	meshDecoded   protowire.Number = 4
	meshEncrypted protowire.Number = 5
	meshID        protowire.Number = 6
	meshRxTime    protowire.Number = 7
	meshRxSNR     protowire.Number = 8
	meshHopLimit  protowire.Number = 9
	meshWantAck   protowire.Number = 10
	meshPriority  protowire.Number = 11
	meshRxRSSI    protowire.Number = 12
	meshHopStart  protowire.Number = 15

	dataPortNum      protowire.Number = 1
	dataPayload      protowire.Number = 2
	dataWantResponse protowire.Number = 3
	dataRequestID    protowire.Number = 6
	dataReplyID      protowire.Number = 7

	routingErrorReason protowire.Number = 3
)

// ErrMissingPacket is returned for envelopes without a mesh packet.
var ErrMissingPacket = errors.New("codec: missing mesh packet")

// Unmarshal parses a ServiceEnvelope into a Packet. Topic metadata is left empty.
func Unmarshal(b []byte) (Packet, error) {
	var (
		pkt       Packet
		meshBytes []byte
		hasMesh   bool
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		switch {
		case num == envelopePacket && typ == protowire.BytesType:
			meshBytes, hasMesh = v.bytes, true
		case num == envelopeChannelID && typ == protowire.BytesType:
			pkt.ChannelID = string(v.bytes)
		case num == envelopeGatewayID && typ == protowire.BytesType:
			pkt.GatewayID = string(v.bytes)
		}
		return nil
	})
	if err != nil {
		return Packet{}, fmt.Errorf("codec: service envelope: %w", err)
	}
	if !hasMesh {
		return pkt, ErrMissingPacket
	}
	if err := unmarshalMeshPacket(meshBytes, &pkt); err != nil {
		return Packet{}, err
	}
	return pkt, nil
}

func unmarshalMeshPacket(b []byte, pkt *Packet) error {
	var data []byte
	var decoded bool
	err := walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case meshFrom:
			pkt.From = v.fixed32
		case meshTo:
			pkt.To = v.fixed32
		case meshChannel:
			pkt.Channel = uint32(v.varint)
		case meshDecoded:
			data, decoded = v.bytes, true
		case meshEncrypted:
			pkt.Encrypted = true
			pkt.Payload = append([]byte(nil), v.bytes...)
		case meshID:
			pkt.ID = v.fixed32
		case meshRxTime:
			pkt.RxTime = v.fixed32
		case meshRxSNR:
			pkt.RxSNR = math.Float32frombits(v.fixed32)
		case meshHopLimit:
			pkt.HopLimit = uint32(v.varint)
		case meshWantAck:
			pkt.WantAck = v.varint != 0
		case meshPriority:
			pkt.Priority = int32(v.varint)
		case meshRxRSSI:
			pkt.RxRSSI = int32(int64(v.varint))
		case meshHopStart:
			pkt.HopStart = uint32(v.varint)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("codec: mesh packet: %w", err)
	}
	if !decoded {
		return nil
	}
	pkt.Encrypted = false
	if err := unmarshalData(data, pkt); err != nil {
		return fmt.Errorf("codec: data: %w", err)
	}
	return nil
}

func unmarshalData(b []byte, pkt *Packet) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v value) error {
		switch num {
		case dataPortNum:
			pkt.PortNum = PortNum(int32(v.varint))
		case dataPayload:
			pkt.Payload = append([]byte(nil), v.bytes...)
		case dataWantResponse:
			pkt.WantResponse = v.varint != 0
		case dataRequestID:
			pkt.RequestID = v.fixed32
		case dataReplyID:
			pkt.ReplyID = v.fixed32
		}
		return nil
	})
}

// RoutingError extracts the error_reason of a ROUTING_APP payload. Zero means
// the referenced request was acknowledged.
func RoutingError(payload []byte) (uint32, error) {
	var reason uint32
	err := walk(payload, func(num protowire.Number, typ protowire.Type, v value) error {
		if num == routingErrorReason && typ == protowire.VarintType {
			reason = uint32(v.varint)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("codec: routing: %w", err)
	}
	return reason, nil
}

// Marshal encodes a Packet as a ServiceEnvelope. Encrypted packets keep their
// ciphertext; all others are written as decoded Data.
func Marshal(pkt Packet) []byte {
	var mesh []byte
	mesh = appendFixed32(mesh, meshFrom, pkt.From)
	mesh = appendFixed32(mesh, meshTo, pkt.To)
	mesh = appendVarint(mesh, meshChannel, uint64(pkt.Channel))
	if pkt.Encrypted {
		mesh = protowire.AppendTag(mesh, meshEncrypted, protowire.BytesType)
		mesh = protowire.AppendBytes(mesh, pkt.Payload)
	} else {
		var data []byte
		data = appendVarint(data, dataPortNum, uint64(pkt.PortNum))
		if len(pkt.Payload) > 0 {
			data = protowire.AppendTag(data, dataPayload, protowire.BytesType)
			data = protowire.AppendBytes(data, pkt.Payload)
		}
		if pkt.WantResponse {
			data = appendVarint(data, dataWantResponse, 1)
		}
		data = appendFixed32(data, dataRequestID, pkt.RequestID)
		data = appendFixed32(data, dataReplyID, pkt.ReplyID)

		mesh = protowire.AppendTag(mesh, meshDecoded, protowire.BytesType)
		mesh = protowire.AppendBytes(mesh, data)
	}
	mesh = appendFixed32(mesh, meshID, pkt.ID)
	mesh = appendFixed32(mesh, meshRxTime, pkt.RxTime)
	if pkt.RxSNR != 0 {
		mesh = appendFixed32(mesh, meshRxSNR, math.Float32bits(pkt.RxSNR))
	}
	mesh = appendVarint(mesh, meshHopLimit, uint64(pkt.HopLimit))
	if pkt.WantAck {
		mesh = appendVarint(mesh, meshWantAck, 1)
	}
	mesh = appendVarint(mesh, meshPriority, uint64(int64(pkt.Priority)))
	mesh = appendVarint(mesh, meshRxRSSI, uint64(int64(pkt.RxRSSI)))
	mesh = appendVarint(mesh, meshHopStart, uint64(pkt.HopStart))

	var env []byte
	env = protowire.AppendTag(env, envelopePacket, protowire.BytesType)
	env = protowire.AppendBytes(env, mesh)
	if pkt.ChannelID != "" {
		env = protowire.AppendTag(env, envelopeChannelID, protowire.BytesType)
		env = protowire.AppendString(env, pkt.ChannelID)
	}
	if pkt.GatewayID != "" {
		env = protowire.AppendTag(env, envelopeGatewayID, protowire.BytesType)
		env = protowire.AppendString(env, pkt.GatewayID)
	}
	return env
}

// Zero values are omitted, matching proto3 encoding.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

type value struct {
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// walk visits every field of a message. Unknown wire types are skipped.
func walk(b []byte, visit func(protowire.Number, protowire.Type, value) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v value
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			v.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := visit(num, typ, v); err != nil {
			return err
		}
	}
	return nil
}
