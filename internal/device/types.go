package device

import (
	"time"

	"github.com/google/uuid"
)

// Device is one row of the device directory, restricted to the columns
// the connectivity core reads or writes.
type Device struct {
	ID   int64     `json:"id"`
	UUID uuid.UUID `json:"uuid"`
	Name string    `json:"name"`

	// SocketPort is where the device dials the WebSocket proxy. Nil when
	// the device has never been connected through the proxy.
	SocketPort *uint16 `json:"socket_port,omitempty"`

	// BrokerPort is the wire-broker listen port for this device.
	BrokerPort    *uint16 `json:"broker_port,omitempty"`
	BrokerEnabled bool    `json:"broker_enabled"`

	IsActive    bool      `json:"is_active"`
	IsConnected bool      `json:"is_connected"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Identity is the immutable pair identifying a device inside and outside
// the core.
type Identity struct {
	ID   int64
	UUID uuid.UUID
}

// TransportConfig is what the core needs before opening a transport.
type TransportConfig struct {
	DeviceID      int64
	SocketPort    *uint16
	BrokerPort    *uint16
	BrokerEnabled bool
}

// Identity returns the device's identity pair.
func (d *Device) Identity() Identity {
	return Identity{ID: d.ID, UUID: d.UUID}
}

// Transport returns the device's transport configuration.
func (d *Device) Transport() TransportConfig {
	return TransportConfig{
		DeviceID:      d.ID,
		SocketPort:    d.SocketPort,
		BrokerPort:    d.BrokerPort,
		BrokerEnabled: d.BrokerEnabled,
	}
}

// Validate checks the fields Upsert relies on.
func (d *Device) Validate() error {
	if d.ID <= 0 {
		return ErrInvalidDevice
	}
	if d.UUID == uuid.Nil {
		return ErrInvalidDevice
	}
	if d.SocketPort != nil && *d.SocketPort == 0 {
		return ErrInvalidDevice
	}
	if d.BrokerPort != nil && *d.BrokerPort == 0 {
		return ErrInvalidDevice
	}
	return nil
}

// Port is a convenience for building optional port fields.
func Port(p uint16) *uint16 {
	return &p
}
