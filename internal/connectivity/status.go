package connectivity

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// Device connectivity as reported by Status.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Status is one device's connectivity and merged state. Data is never
// nil; a device without state reports an empty object.
type Status struct {
	DeviceID        int64          `json:"device_id"`
	DeviceUUID      uuid.UUID      `json:"device_uuid"`
	Status          string         `json:"status"`
	Data            map[string]any `json:"data"`
	SocketConnected bool           `json:"socket_connected"`
	BrokerRunning   bool           `json:"broker_running"`
	ViewerPort      int            `json:"viewer_port,omitempty"`
	LastUpdate      time.Time      `json:"last_update"`
}

// Connection is the result of ConnectDevice.
type Connection struct {
	DeviceID   int64     `json:"device_id"`
	DeviceUUID uuid.UUID `json:"device_uuid"`
	DevicePort uint16    `json:"device_port"`
	ViewerPort int       `json:"viewer_port"`
}

// BrokerResult is the result of EnableBroker and DisableBroker.
type BrokerResult struct {
	DeviceID       int64  `json:"device_id"`
	Port           uint16 `json:"port,omitempty"`
	Enabled        bool   `json:"enabled"`
	AlreadyRunning bool   `json:"already_running"`
	Running        bool   `json:"running"`
}

// HistoryPage is one page of persisted events.
type HistoryPage struct {
	DeviceID  int64               `json:"device_id"`
	Records   []telemetry.Record  `json:"data"`
	Limit     int                 `json:"limit"`
	Offset    int                 `json:"offset"`
	Transport telemetry.Transport `json:"transport,omitempty"`
	Total     int                 `json:"total"`
}

// Summary is a point-in-time count of live components.
type Summary struct {
	StartedAt        time.Time `json:"started_at"`
	DevicesWithState int       `json:"devices_with_state"`
	ProxySessions    int       `json:"proxy_sessions"`
	DevicesConnected int       `json:"devices_connected"`
	BrokersRunning   int       `json:"brokers_running"`
	Viewers          int       `json:"viewers"`
	PendingEvents    int       `json:"pending_events"`
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
