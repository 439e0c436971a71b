package codec

import (
	"fmt"
	"time"
)

// PortNum is the Meshtastic application port of a decoded payload.
type PortNum int32

const (
	PortUnknown        PortNum = 0
	PortText           PortNum = 1
	PortRemoteHardware PortNum = 2
	PortPosition       PortNum = 3
	PortNodeInfo       PortNum = 4
	PortRouting        PortNum = 5
	PortAdmin          PortNum = 6
	PortWaypoint       PortNum = 8
	PortTelemetry      PortNum = 67
	PortTraceroute     PortNum = 70
	PortNeighborInfo   PortNum = 71
	PortMapReport      PortNum = 73
	PortPrivateApp     PortNum = 256
)

var portNames = map[PortNum]string{
	PortUnknown:        "UNKNOWN_APP",
	PortText:           "TEXT_MESSAGE_APP",
	PortRemoteHardware: "REMOTE_HARDWARE_APP",
	PortPosition:       "POSITION_APP",
	PortNodeInfo:       "NODEINFO_APP",
	PortRouting:        "ROUTING_APP",
	PortAdmin:          "ADMIN_APP",
	PortWaypoint:       "WAYPOINT_APP",
	PortTelemetry:      "TELEMETRY_APP",
	PortTraceroute:     "TRACEROUTE_APP",
	PortNeighborInfo:   "NEIGHBORINFO_APP",
	PortMapReport:      "MAP_REPORT_APP",
	PortPrivateApp:     "PRIVATE_APP",
}

func (p PortNum) String() string {
	if name, ok := portNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PORT_%d", int32(p))
}

// BroadcastAddr is the mesh destination for every node.
const BroadcastAddr uint32 = 0xFFFFFFFF

// Packet is a mesh packet lifted out of an MQTT uplink.
type Packet struct {
	Topic       string
	MessageType string
	ChannelID   string
	GatewayID   string
	ReceivedAt  time.Time

	ID       uint32
	From     uint32
	To       uint32
	Channel  uint32
	RxTime   uint32
	RxSNR    float32
	RxRSSI   int32
	HopLimit uint32
	HopStart uint32
	WantAck  bool
	Priority int32

	// Encrypted packets carry the ciphertext in Payload and no port.
	Encrypted    bool
	PortNum      PortNum
	Payload      []byte
	WantResponse bool
	RequestID    uint32
	ReplyID      uint32
}

// TypeName is the packet type used for dedupe keys and metrics labels.
func (p Packet) TypeName() string {
	if p.Encrypted {
		return "ENCRYPTED"
	}
	return p.PortNum.String()
}

// HopsAway reports how many relays the packet crossed. ok is false when the
// sender did not advertise hop_start.
func (p Packet) HopsAway() (hops uint32, ok bool) {
	if p.HopStart == 0 || p.HopStart < p.HopLimit {
		return 0, false
	}
	return p.HopStart - p.HopLimit, true
}

// HeardDirectly is true for packets received without any relay.
func (p Packet) HeardDirectly() bool {
	hops, ok := p.HopsAway()
	return ok && hops == 0
}

// NodeName renders a node number the way gateways print it.
func NodeName(node uint32) string {
	return fmt.Sprintf("!%08x", node)
}
