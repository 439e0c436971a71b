package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxSignalTTLMinutes caps the lifetime a mesh peer can advertise.
const MaxSignalTTLMinutes = 7 * 24 * 60

// ErrNotSignal is returned when a PRIVATE_APP payload is not a signal.
var ErrNotSignal = errors.New("codec: payload is not a signal")

// SignalPayload is the compact JSON body a signal travels in over the mesh.
// Legacy senders omit ID.
type SignalPayload struct {
	ID         string   `json:"sid,omitempty"`
	Content    string   `json:"c"`
	TTLMinutes int      `json:"ttl"`
	Latitude   *float64 `json:"lat,omitempty"`
	Longitude  *float64 `json:"lon,omitempty"`
	Location   string   `json:"loc,omitempty"`
}

// TTL converts the advertised lifetime, capped at MaxSignalTTLMinutes.
func (s SignalPayload) TTL() time.Duration {
	return time.Duration(min(s.TTLMinutes, MaxSignalTTLMinutes)) * time.Minute
}

// Legacy reports whether the payload predates signal ids.
func (s SignalPayload) Legacy() bool {
	return strings.TrimSpace(s.ID) == ""
}

// DecodeSignal parses a signal payload.
func DecodeSignal(b []byte) (SignalPayload, error) {
	var payload SignalPayload
	if err := json.Unmarshal(b, &payload); err != nil {
		return SignalPayload{}, fmt.Errorf("%w: %v", ErrNotSignal, err)
	}
	if payload.Content == "" || payload.TTLMinutes <= 0 {
		return SignalPayload{}, ErrNotSignal
	}
	if !payload.Legacy() && !ValidSignalID(payload.ID) {
		return SignalPayload{}, fmt.Errorf("%w: malformed id %q", ErrNotSignal, payload.ID)
	}
	if payload.TTLMinutes > MaxSignalTTLMinutes {
		payload.TTLMinutes = MaxSignalTTLMinutes
	}
	return payload, nil
}

// ValidSignalID reports whether id is a uuid in its canonical 36 character
// form. Case is preserved by callers; peers differ on it.
func ValidSignalID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// EncodeSignal renders a signal payload for broadcast.
func EncodeSignal(payload SignalPayload) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: encode signal: %w", err)
	}
	return b, nil
}
