package hub

import (
	"encoding/json"
	"sync"

	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink-core/internal/metrics"
	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// Logger is the logging interface used by the hub.
// It is satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Overflow actions, also used as metric label values.
const (
	actionRemoved = "removed"
	actionDropped = "dropped"
)

// defaultBufferSize is used when the configured buffer size is not positive.
const defaultBufferSize = 256

// Notification is one event as delivered to a viewer.
type Notification struct {
	Event telemetry.Event

	// Data is the JSON-encoded telemetry.Envelope, shared by all viewers.
	Data []byte
}

// Hub fans unified events out to registered viewers.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Publish never blocks: each viewer has a bounded queue and a full
//     queue is handled by the overflow policy.
type Hub struct {
	bufferSize int
	policy     string
	logger     Logger
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// New creates a hub from the fan-out configuration.
func New(cfg config.HubConfig) *Hub {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	policy := cfg.OverflowPolicy
	if policy != config.OverflowDrop {
		policy = config.OverflowDisconnect
	}
	return &Hub{
		bufferSize: size,
		policy:     policy,
		logger:     noopLogger{},
		subs:       make(map[string]*Subscription),
	}
}

// SetLogger sets the logger. Call before the hub is shared.
func (h *Hub) SetLogger(logger Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// SetMetrics attaches collectors. Call before the hub is shared.
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// Subscribe registers a viewer. A nil filter receives every device.
// Subscribing with a client id that is already registered replaces the
// previous subscription, whose channel is closed.
//
// After Close the returned subscription is already closed.
func (h *Hub) Subscribe(clientID string, filter *int64) *Subscription {
	sub := newSubscription(clientID, filter, h.bufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub
	}
	old := h.subs[clientID]
	h.subs[clientID] = sub
	count := len(h.subs)
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	h.metrics.SetViewers(count)
	h.logger.Debug("viewer subscribed", "client_id", clientID, "viewers", count)
	return sub
}

// Unsubscribe removes the viewer and closes its channel. Unknown ids are
// ignored.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	sub, ok := h.subs[clientID]
	delete(h.subs, clientID)
	count := len(h.subs)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	h.metrics.SetViewers(count)
	h.logger.Debug("viewer unsubscribed", "client_id", clientID, "viewers", count)
}

// remove drops sub only if it is still the registered subscription for
// its client id.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if cur, ok := h.subs[sub.clientID]; ok && cur == sub {
		delete(h.subs, sub.clientID)
	}
	count := len(h.subs)
	h.mu.Unlock()

	sub.close()
	h.metrics.SetViewers(count)
}

// Publish delivers e to every viewer whose filter matches. It implements
// telemetry.Publisher.
func (h *Hub) Publish(e telemetry.Event) {
	data, err := json.Marshal(e.Envelope())
	if err != nil {
		h.logger.Error("failed to marshal notification", "device_id", e.DeviceID, "error", err)
		return
	}
	n := Notification{Event: e, Data: data}

	// Snapshot under the read lock, deliver without it.
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.Matches(e.DeviceID) {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		switch sub.offer(n) {
		case deliverOK:
		case deliverClosed:
			h.remove(sub)
		case deliverFull:
			if h.policy == config.OverflowDrop {
				h.metrics.ViewerOverflow(actionDropped)
				h.logger.Debug("viewer queue full, notification dropped", "client_id", sub.clientID, "device_id", e.DeviceID)
				continue
			}
			h.metrics.ViewerOverflow(actionRemoved)
			h.logger.Warn("viewer queue full, removing viewer", "client_id", sub.clientID)
			h.remove(sub)
		}
	}
}

// Count returns the number of registered viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CountFor returns the number of viewers that would receive an event for
// deviceID, including unfiltered viewers.
func (h *Hub) CountFor(deviceID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sub := range h.subs {
		if sub.Matches(deviceID) {
			n++
		}
	}
	return n
}

// Close removes every viewer and rejects later subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	h.metrics.SetViewers(0)
}
