package bus

import (
	"encoding/json"
	"fmt"
)

// Event is the envelope for every message on the bus: a type tag plus an
// opaque JSON payload. Payload stays raw so Dumps → FromBytes round-trips
// byte-identically regardless of payload shape.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an event envelope.
func NewEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Payload: raw}, nil
}

// Dumps serializes the event for the wire.
func (e Event) Dumps() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// FromBytes parses a wire message back into an event.
func FromBytes(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}

// Decode unmarshals the payload into dst.
func (e Event) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
