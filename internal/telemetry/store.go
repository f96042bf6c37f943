package telemetry

import (
	"context"
	"time"
)

// Sink is the append-only persistence target for events.
type Sink interface {
	Insert(ctx context.Context, e Event) error
}

// Store is a Sink that can also be read back, for start-up state
// reconstruction and the history API.
type Store interface {
	Sink

	// Recent returns up to limit events across all devices, newest first.
	Recent(ctx context.Context, limit int) ([]Event, error)

	// History returns one device's events, newest first.
	History(ctx context.Context, q HistoryQuery) ([]Record, error)
}

// Pruner deletes events older than a retention window. Both stores
// implement it.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// History paging bounds.
const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// HistoryQuery selects a page of one device's events.
type HistoryQuery struct {
	DeviceID int64
	Limit    int
	Offset   int

	// Transport filters by leg when non-empty.
	Transport Transport
}

// Normalize clamps Limit and Offset into range.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Record is a persisted event with its storage metadata.
type Record struct {
	ID         int64     `json:"id"`
	DeviceID   int64     `json:"device_id"`
	Transport  Transport `json:"transport"`
	Payload    any       `json:"payload"`
	ObservedAt time.Time `json:"observed_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event converts the record back into an event.
func (r Record) Event() Event {
	e := Event{
		DeviceID:   r.DeviceID,
		Transport:  r.Transport,
		Payload:    r.Payload,
		ObservedAt: r.ObservedAt,
	}
	if r.Transport == TransportSocket {
		for k, v := range e.Fields() {
			if s, ok := v.(string); ok {
				e.Raw = k + ":" + s
			}
		}
	}
	return e
}
