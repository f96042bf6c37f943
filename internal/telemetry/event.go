package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Transport identifies which inbound leg produced an event.
type Transport string

const (
	// TransportSocket is the device-facing WebSocket leg.
	TransportSocket Transport = "socket"

	// TransportBroker is the per-device wire broker leg.
	TransportBroker Transport = "broker"
)

// ParseTransport validates a transport name read from storage or a query string.
func ParseTransport(s string) (Transport, error) {
	switch Transport(s) {
	case TransportSocket, TransportBroker:
		return Transport(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTransport, s)
	}
}

// Event is the normalized form of every inbound message.
//
// Payload holds decoded JSON: map[string]any for objects, or a scalar,
// slice or nil. Control characters have already been stripped. Events are
// never mutated after creation.
type Event struct {
	DeviceID   int64     `json:"device_id"`
	Transport  Transport `json:"transport"`
	Payload    any       `json:"payload"`
	ObservedAt time.Time `json:"observed_at"`

	// Raw is the "field:value" text a socket event was built from. Empty
	// for broker events.
	Raw string `json:"-"`
}

// NewSocketEvent builds the event for one parsed device frame.
func NewSocketEvent(deviceID int64, field, value string, at time.Time) Event {
	field = StripControl(field)
	value = StripControl(value)
	return Event{
		DeviceID:   deviceID,
		Transport:  TransportSocket,
		Payload:    map[string]any{field: value},
		ObservedAt: at.UTC(),
		Raw:        field + ":" + value,
	}
}

// NewBrokerEvent builds the event for one broker publish. The payload is
// sanitized recursively.
func NewBrokerEvent(deviceID int64, payload any, at time.Time) Event {
	return Event{
		DeviceID:   deviceID,
		Transport:  TransportBroker,
		Payload:    SanitizeValue(payload),
		ObservedAt: at.UTC(),
	}
}

// Fields returns the payload as an object, or nil when it is a scalar or array.
func (e Event) Fields() map[string]any {
	m, _ := e.Payload.(map[string]any)
	return m
}

// ViewerText renders the event the way per-device proxy viewers receive
// it: the raw "field:value" string for socket events and "broker:<json>"
// for broker events.
func (e Event) ViewerText() (string, error) {
	if e.Transport == TransportSocket && e.Raw != "" {
		return e.Raw, nil
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload for device %d: %w", e.DeviceID, err)
	}
	return string(e.Transport) + ":" + string(body), nil
}

// Envelope is the JSON document pushed to live-stream viewers.
type Envelope struct {
	Type        string    `json:"type"`
	DeviceID    int64     `json:"device_id"`
	MessageType Transport `json:"message_type"`
	Data        any       `json:"data"`
	Timestamp   time.Time `json:"timestamp"`
}

// EnvelopeType is the value of Envelope.Type for telemetry notifications.
const EnvelopeType = "realtime_data"

// Envelope wraps the event for the live stream. Socket events carry their
// "field:value" text as data so both viewer surfaces show the same string.
func (e Event) Envelope() Envelope {
	var data any = e.Payload
	if e.Transport == TransportSocket && e.Raw != "" {
		data = e.Raw
	}
	return Envelope{
		Type:        EnvelopeType,
		DeviceID:    e.DeviceID,
		MessageType: e.Transport,
		Data:        data,
		Timestamp:   e.ObservedAt,
	}
}
