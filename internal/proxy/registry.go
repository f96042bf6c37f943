package proxy

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/fieldlink-core/internal/hub"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink-core/internal/metrics"
)

// Logger is the logging interface used by the proxy.
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

// Ingester receives every text frame read from a device socket.
// It is satisfied by *telemetry.Pipeline.
type Ingester interface {
	IngestFrame(ctx context.Context, deviceID int64, text string) error
}

// Broadcaster registers viewers on the unified event stream.
// It is satisfied by *hub.Hub.
type Broadcaster interface {
	Subscribe(clientID string, filter *int64) *hub.Subscription
	Unsubscribe(clientID string)
}

const defaultCommandBuffer = 64

// Registry owns one Session per proxied device.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The session map lock is held only for map updates; binding and
//     teardown happen outside it.
type Registry struct {
	cfg     config.ProxyConfig
	wsCfg   config.WebSocketConfig
	ingest  Ingester
	hub     Broadcaster
	logger  Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[int64]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg config.ProxyConfig, wsCfg config.WebSocketConfig, ingest Ingester, h Broadcaster) *Registry {
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = defaultCommandBuffer
	}
	return &Registry{
		cfg:      cfg,
		wsCfg:    wsCfg,
		ingest:   ingest,
		hub:      h,
		logger:   noopLogger{},
		sessions: make(map[int64]*Session),
	}
}

// SetLogger sets the logger. Call before the registry is shared.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetMetrics attaches collectors. Call before the registry is shared.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// ViewerPort returns the deterministic viewer port of a device.
func (r *Registry) ViewerPort(deviceID int64) (int, error) {
	if deviceID < 0 || deviceID > math.MaxUint16 {
		return 0, fmt.Errorf("%w: device %d", ErrPortRange, deviceID)
	}
	port := int64(r.cfg.ViewerPortBase) + deviceID
	if port <= 0 || port > math.MaxUint16 {
		return 0, fmt.Errorf("%w: device %d maps to port %d", ErrPortRange, deviceID, port)
	}
	return int(port), nil
}

// CreateProxy opens the device-facing listener on devicePort and the
// viewer-facing listener on the device's viewer port, and returns the
// viewer port.
//
// A session whose device is connected is reused unchanged. Any other
// existing session is torn down first. Bind failures are returned
// wrapped in ErrBind.
func (r *Registry) CreateProxy(ctx context.Context, deviceID int64, deviceUUID uuid.UUID, devicePort uint16) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	stale, ok := r.sessions[deviceID]
	if ok && stale.Connected() {
		r.mu.Unlock()
		return stale.viewerPort, nil
	}
	delete(r.sessions, deviceID)
	r.mu.Unlock()

	if stale != nil {
		r.logger.Info("replacing stale proxy session", "device_id", deviceID)
		stale.close()
	}

	viewerPort, err := r.ViewerPort(deviceID)
	if err != nil {
		return 0, err
	}

	s := newSession(r, deviceID, deviceUUID, int(devicePort), viewerPort)
	if err := s.open(); err != nil {
		r.logger.Error("failed to open proxy",
			"device_id", deviceID,
			"device_port", devicePort,
			"viewer_port", viewerPort,
			"error", err,
		)
		return 0, err
	}

	r.mu.Lock()
	prev := r.sessions[deviceID]
	r.sessions[deviceID] = s
	r.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	r.logger.Info("proxy created",
		"device_id", deviceID,
		"device_uuid", deviceUUID.String(),
		"device_port", devicePort,
		"viewer_port", viewerPort,
	)
	return viewerPort, nil
}

// Disconnect tears the device's session down: the device socket gets a
// close frame, both listeners and every viewer are closed. It reports
// whether a session existed.
func (r *Registry) Disconnect(deviceID int64) bool {
	r.mu.Lock()
	s, ok := r.sessions[deviceID]
	delete(r.sessions, deviceID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.close()
	r.updateConnected()
	r.logger.Info("proxy disconnected", "device_id", deviceID)
	return true
}

// SendCommand queues text for delivery to the device. It fails fast
// with ErrNotConnected when no device socket is live.
func (r *Registry) SendCommand(ctx context.Context, deviceID int64, text string) error {
	s := r.session(deviceID)
	if s == nil {
		r.metrics.Command(metrics.ResultError)
		return fmt.Errorf("%w: device %d", ErrNotConnected, deviceID)
	}
	err := s.sendCommand(ctx, text)
	if err != nil {
		r.metrics.Command(metrics.ResultError)
		return err
	}
	r.metrics.Command(metrics.ResultOK)
	return nil
}

// IsConnected reports whether the device socket is live.
func (r *Registry) IsConnected(deviceID int64) bool {
	s := r.session(deviceID)
	return s != nil && s.Connected()
}

// Session returns a snapshot of the device's session.
func (r *Registry) Session(deviceID int64) (Info, bool) {
	s := r.session(deviceID)
	if s == nil {
		return Info{}, false
	}
	return s.Info(), true
}

// Sessions returns snapshots of every session ordered by device id.
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Info) int {
		return cmp.Compare(a.DeviceID, b.DeviceID)
	})
	return out
}

// ConnectedCount returns the number of live device sockets.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.Connected() {
			n++
		}
	}
	return n
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[int64]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	r.metrics.SetDevicesConnected(0)
}

func (r *Registry) session(deviceID int64) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[deviceID]
}

func (r *Registry) updateConnected() {
	r.metrics.SetDevicesConnected(r.ConnectedCount())
}
