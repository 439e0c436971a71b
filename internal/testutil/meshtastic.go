package testutil

import (
	"encoding/json"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// BytesRepeating creates a slice filled with a repeated byte.
func BytesRepeating(b byte, count int) []byte {
	buf := make([]byte, count)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// MeshPacket describes the fields tests usually care about.
type MeshPacket struct {
	ID        uint32
	From      uint32
	To        uint32
	Channel   uint32
	HopLimit  uint32
	HopStart  uint32
	WantAck   bool
	PortNum   int32
	Payload   []byte
	RequestID uint32
	Encrypted []byte
}

// DefaultPacket returns a broadcast text packet heard directly.
func DefaultPacket() MeshPacket {
	return MeshPacket{
		ID:       123,
		From:     0x1234,
		To:       0xFFFFFFFF,
		HopLimit: 3,
		HopStart: 3,
		PortNum:  1,
		Payload:  []byte("hello mesh"),
	}
}

// BuildServiceEnvelope encodes a ServiceEnvelope the way a gateway publishes it.
func BuildServiceEnvelope(t testing.TB, pkt MeshPacket) []byte {
	t.Helper()

	var mesh []byte
	mesh = protowire.AppendTag(mesh, 1, protowire.Fixed32Type)
	mesh = protowire.AppendFixed32(mesh, pkt.From)
	mesh = protowire.AppendTag(mesh, 2, protowire.Fixed32Type)
	mesh = protowire.AppendFixed32(mesh, pkt.To)
	mesh = protowire.AppendTag(mesh, 3, protowire.VarintType)
	mesh = protowire.AppendVarint(mesh, uint64(pkt.Channel))

	if pkt.Encrypted != nil {
		mesh = protowire.AppendTag(mesh, 5, protowire.BytesType)
		mesh = protowire.AppendBytes(mesh, pkt.Encrypted)
	} else {
		var data []byte
		data = protowire.AppendTag(data, 1, protowire.VarintType)
		data = protowire.AppendVarint(data, uint64(pkt.PortNum))
		data = protowire.AppendTag(data, 2, protowire.BytesType)
		data = protowire.AppendBytes(data, pkt.Payload)
		if pkt.RequestID != 0 {
			data = protowire.AppendTag(data, 6, protowire.Fixed32Type)
			data = protowire.AppendFixed32(data, pkt.RequestID)
		}
		mesh = protowire.AppendTag(mesh, 4, protowire.BytesType)
		mesh = protowire.AppendBytes(mesh, data)
	}

	mesh = protowire.AppendTag(mesh, 6, protowire.Fixed32Type)
	mesh = protowire.AppendFixed32(mesh, pkt.ID)
	mesh = protowire.AppendTag(mesh, 9, protowire.VarintType)
	mesh = protowire.AppendVarint(mesh, uint64(pkt.HopLimit))
	if pkt.WantAck {
		mesh = protowire.AppendTag(mesh, 10, protowire.VarintType)
		mesh = protowire.AppendVarint(mesh, 1)
	}
	// via_mqtt is not mapped and must be skipped.
	mesh = protowire.AppendTag(mesh, 14, protowire.VarintType)
	mesh = protowire.AppendVarint(mesh, 1)
	mesh = protowire.AppendTag(mesh, 15, protowire.VarintType)
	mesh = protowire.AppendVarint(mesh, uint64(pkt.HopStart))

	var env []byte
	env = protowire.AppendTag(env, 1, protowire.BytesType)
	env = protowire.AppendBytes(env, mesh)
	env = protowire.AppendTag(env, 2, protowire.BytesType)
	env = protowire.AppendString(env, "LongFast")
	env = protowire.AppendTag(env, 3, protowire.BytesType)
	env = protowire.AppendString(env, "!gateway")
	return env
}

// BuildRoutingAck encodes a ROUTING_APP payload with the given error reason.
func BuildRoutingAck(reason uint32) []byte {
	var b []byte
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(reason))
}

// BuildSignalPayload renders the JSON body of a mesh signal.
func BuildSignalPayload(t testing.TB, signalID, content string, ttlMinutes int) []byte {
	t.Helper()
	body := map[string]any{"c": content, "ttl": ttlMinutes}
	if signalID != "" {
		body["sid"] = signalID
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal signal payload: %v", err)
	}
	return b
}
