package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// jsonUplink mirrors the document gateways publish on msh/<region>/2/json/...
type jsonUplink struct {
	Channel  uint32          `json:"channel"`
	From     uint32          `json:"from"`
	To       uint32          `json:"to"`
	ID       uint32          `json:"id"`
	Type     string          `json:"type"`
	Sender   string          `json:"sender"`
	HopsAway *uint32         `json:"hops_away"`
	RSSI     int32           `json:"rssi"`
	SNR      float32         `json:"snr"`
	Time     uint32          `json:"timestamp"`
	Payload  json.RawMessage `json:"payload"`
}

var jsonPorts = map[string]PortNum{
	"text":         PortText,
	"position":     PortPosition,
	"nodeinfo":     PortNodeInfo,
	"telemetry":    PortTelemetry,
	"traceroute":   PortTraceroute,
	"neighborinfo": PortNeighborInfo,
	"waypoint":     PortWaypoint,
}

// UnmarshalJSON parses a JSON uplink. Text payloads are unwrapped to the raw
// message; other payloads keep their JSON form.
func UnmarshalJSON(b []byte) (Packet, error) {
	var up jsonUplink
	if err := json.Unmarshal(b, &up); err != nil {
		return Packet{}, fmt.Errorf("codec: json uplink: %w", err)
	}

	pkt := Packet{
		ID:        up.ID,
		From:      up.From,
		To:        up.To,
		Channel:   up.Channel,
		RxTime:    up.Time,
		RxRSSI:    up.RSSI,
		RxSNR:     up.SNR,
		GatewayID: up.Sender,
		PortNum:   jsonPorts[up.Type],
	}
	if up.HopsAway != nil {
		// Express the reported distance through hop_start/hop_limit.
		pkt.HopStart = *up.HopsAway + 1
		pkt.HopLimit = 1
	}

	if pkt.PortNum == PortText {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(up.Payload, &body); err == nil && body.Text != "" {
			pkt.Payload = []byte(body.Text)
			return pkt, nil
		}
		var text string
		if err := json.Unmarshal(up.Payload, &text); err == nil {
			pkt.Payload = []byte(text)
			return pkt, nil
		}
	}
	pkt.Payload = bytes.Clone(up.Payload)
	return pkt, nil
}
