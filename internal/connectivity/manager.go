package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fieldlink-core/internal/broker"
	"github.com/nerrad567/fieldlink-core/internal/device"
	"github.com/nerrad567/fieldlink-core/internal/hub"
	"github.com/nerrad567/fieldlink-core/internal/proxy"
	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// Logger is the logging interface used by the manager.
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

// Worker is a background loop that runs from Start until Shutdown, such
// as the upstream relay.
type Worker interface {
	Run(ctx context.Context)
}

// Config controls start-up behaviour.
type Config struct {
	// AutoResume reopens proxies for devices the directory still marks
	// as connected.
	AutoResume bool
}

// Deps are the components the manager composes. All are required except
// Workers.
type Deps struct {
	Directory device.Directory
	Store     telemetry.Store
	Pipeline  *telemetry.Pipeline
	Brokers   *broker.Orchestrator
	Proxies   *proxy.Registry
	Hub       *hub.Hub
	Workers   []Worker
}

// StartSummary reports what Start restored.
type StartSummary struct {
	StatesLoaded   int
	BrokersStarted int
	ProxiesResumed int
}

// Manager owns the lifecycle of the real-time core.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Manager struct {
	cfg      Config
	dir      device.Directory
	store    telemetry.Store
	pipeline *telemetry.Pipeline
	brokers  *broker.Orchestrator
	proxies  *proxy.Registry
	hub      *hub.Hub
	workers  []Worker
	logger   Logger
	now      func() time.Time

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a manager. Nothing runs until Start.
func New(cfg Config, deps Deps) *Manager {
	return &Manager{
		cfg:      cfg,
		dir:      deps.Directory,
		store:    deps.Store,
		pipeline: deps.Pipeline,
		brokers:  deps.Brokers,
		proxies:  deps.Proxies,
		hub:      deps.Hub,
		workers:  deps.Workers,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger. Call before Start.
func (m *Manager) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Start restores persisted state and transports, then starts the flush
// loop and workers. Restoration failures are logged and skipped so one
// bad device or an empty database never blocks start-up.
//
// The background loops outlive ctx; they stop in Shutdown.
func (m *Manager) Start(ctx context.Context) (StartSummary, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return StartSummary{}, ErrAlreadyStarted
	}
	m.started = true
	m.startedAt = m.now().UTC()
	m.mu.Unlock()

	var sum StartSummary

	n, err := m.pipeline.LoadInitialStates(ctx, m.store)
	if err != nil {
		m.logger.Error("failed to load device states", "error", err)
	} else {
		sum.StatesLoaded = n
	}

	started, err := m.brokers.LoadFromDirectory(ctx, m.dir)
	if err != nil {
		m.logger.Error("failed to load broker configuration", "error", err)
	} else {
		sum.BrokersStarted = started
	}

	if m.cfg.AutoResume {
		sum.ProxiesResumed = m.resumeProxies(ctx)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pipeline.Run(runCtx)
	}()
	for _, w := range m.workers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			w.Run(runCtx)
		}()
	}

	m.logger.Info("connectivity core started",
		"states_loaded", sum.StatesLoaded,
		"brokers_started", sum.BrokersStarted,
		"proxies_resumed", sum.ProxiesResumed,
		"workers", len(m.workers),
	)
	return sum, nil
}

// resumeProxies reopens the proxy of every device the directory still
// flags as connected.
func (m *Manager) resumeProxies(ctx context.Context) int {
	devices, err := m.dir.ListConnected(ctx)
	if err != nil {
		m.logger.Error("failed to list connected devices", "error", err)
		return 0
	}

	resumed := 0
	for _, d := range devices {
		if !d.IsActive || !d.IsConnected || d.SocketPort == nil {
			continue
		}
		viewerPort, err := m.proxies.CreateProxy(ctx, d.ID, d.UUID, *d.SocketPort)
		if err != nil {
			m.logger.Error("failed to resume device proxy",
				"device_id", d.ID,
				"port", *d.SocketPort,
				"error", err,
			)
			continue
		}
		resumed++
		m.logger.Info("device proxy resumed", "device_id", d.ID, "port", *d.SocketPort, "viewer_port", viewerPort)
	}
	return resumed
}

// Shutdown stops every broker, tears down every proxy, flushes pending
// events and closes the hub. It waits for background loops until ctx
// ends. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	m.brokers.Close()
	m.proxies.Close()

	if cancel == nil {
		// Never started: no loop will do the final flush.
		written, failed := m.pipeline.Flush(ctx)
		m.logger.Info("pending events flushed", "written", written, "failed", failed)
	} else {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for background loops: %w", ctx.Err())
	}

	m.hub.Close()
	m.logger.Info("connectivity core stopped")
	return err
}

// Device looks a device up by its external UUID.
func (m *Manager) Device(ctx context.Context, deviceUUID uuid.UUID) (*device.Device, error) {
	return m.dir.GetByUUID(ctx, deviceUUID)
}

// ConnectDevice opens the device's proxy on port, or on the directory's
// socket port when port is 0, and records the device as connected.
func (m *Manager) ConnectDevice(ctx context.Context, deviceUUID uuid.UUID, port uint16) (Connection, error) {
	d, err := m.dir.GetByUUID(ctx, deviceUUID)
	if err != nil {
		return Connection{}, err
	}
	if port == 0 {
		if d.SocketPort == nil {
			return Connection{}, fmt.Errorf("%w: device %d", ErrSocketPortRequired, d.ID)
		}
		port = *d.SocketPort
	}

	viewerPort, err := m.proxies.CreateProxy(ctx, d.ID, d.UUID, port)
	if err != nil {
		return Connection{}, fmt.Errorf("connecting device %d: %w", d.ID, err)
	}

	if err := m.dir.SetConnected(ctx, d.ID, port); err != nil {
		m.logger.Warn("failed to record device connection", "device_id", d.ID, "error", err)
	}

	return Connection{
		DeviceID:   d.ID,
		DeviceUUID: d.UUID,
		DevicePort: port,
		ViewerPort: viewerPort,
	}, nil
}

// DisconnectDevice tears down the device's proxy and stops its broker,
// then clears the connected flag. It is idempotent.
func (m *Manager) DisconnectDevice(ctx context.Context, deviceUUID uuid.UUID) (int64, error) {
	d, err := m.dir.GetByUUID(ctx, deviceUUID)
	if err != nil {
		return 0, err
	}

	hadProxy := m.proxies.Disconnect(d.ID)
	hadBroker := m.brokers.IsRunning(d.ID)
	m.brokers.Disable(d.ID)

	if err := m.dir.SetDisconnected(ctx, d.ID); err != nil {
		m.logger.Warn("failed to record device disconnection", "device_id", d.ID, "error", err)
	}

	m.logger.Info("device disconnected", "device_id", d.ID, "proxy", hadProxy, "broker", hadBroker)
	return d.ID, nil
}

// EnableBroker starts the device's wire broker on port, or on the
// directory's broker port when port is 0, and stores the setting.
// enabled=false only stores the setting.
func (m *Manager) EnableBroker(ctx context.Context, deviceUUID uuid.UUID, port uint16, enabled bool) (BrokerResult, error) {
	d, err := m.dir.GetByUUID(ctx, deviceUUID)
	if err != nil {
		return BrokerResult{}, err
	}
	if port == 0 {
		if d.BrokerPort == nil {
			return BrokerResult{}, fmt.Errorf("%w: device %d", ErrBrokerPortRequired, d.ID)
		}
		port = *d.BrokerPort
	}

	already, err := m.brokers.Enable(ctx, d.ID, port, enabled)
	if err != nil {
		return BrokerResult{}, fmt.Errorf("enabling broker for device %d: %w", d.ID, err)
	}

	res := BrokerResult{
		DeviceID:       d.ID,
		Port:           port,
		Enabled:        enabled,
		AlreadyRunning: already,
		Running:        m.brokers.IsRunning(d.ID),
	}
	if already {
		return res, nil
	}

	if err := m.dir.SetBroker(ctx, d.ID, port, enabled); err != nil {
		m.logger.Warn("failed to record broker setting", "device_id", d.ID, "error", err)
	}
	return res, nil
}

// DisableBroker stops the device's wire broker and stores broker mode as
// disabled so it is not resumed at the next start.
func (m *Manager) DisableBroker(ctx context.Context, deviceUUID uuid.UUID) (BrokerResult, error) {
	d, err := m.dir.GetByUUID(ctx, deviceUUID)
	if err != nil {
		return BrokerResult{}, err
	}

	m.brokers.Disable(d.ID)

	res := BrokerResult{DeviceID: d.ID}
	if d.BrokerPort != nil {
		res.Port = *d.BrokerPort
		if err := m.dir.SetBroker(ctx, d.ID, *d.BrokerPort, false); err != nil {
			m.logger.Warn("failed to record broker setting", "device_id", d.ID, "error", err)
		}
	}
	return res, nil
}

// SendCommand forwards text to the device's live socket. It returns
// proxy.ErrNotConnected when no device socket is live.
func (m *Manager) SendCommand(ctx context.Context, deviceUUID uuid.UUID, text string) (int64, error) {
	d, err := m.dir.GetByUUID(ctx, deviceUUID)
	if err != nil {
		return 0, err
	}
	if err := m.proxies.SendCommand(ctx, d.ID, text); err != nil {
		return d.ID, err
	}
	m.logger.Debug("command queued", "device_id", d.ID)
	return d.ID, nil
}

// Status reports one device's connectivity and merged state.
func (m *Manager) Status(ctx context.Context, deviceUUID uuid.UUID) (Status, error) {
	d, err := m.dir.GetByUUID(ctx, deviceUUID)
	if err != nil {
		return Status{}, err
	}
	return m.statusFor(d.ID, d.UUID), nil
}

// AllStatus reports every device that has state, a proxy session or a
// running broker, ordered by device id. UUIDs are filled in from the
// directory when it is reachable.
func (m *Manager) AllStatus(ctx context.Context) []Status {
	ids := make(map[int64]struct{})
	for id := range m.pipeline.States() {
		ids[id] = struct{}{}
	}
	for _, info := range m.proxies.Sessions() {
		ids[info.DeviceID] = struct{}{}
	}
	for _, id := range m.brokers.Running() {
		ids[id] = struct{}{}
	}

	uuids := make(map[int64]uuid.UUID)
	devices, err := m.dir.List(ctx)
	if err != nil {
		m.logger.Warn("device directory unavailable for status listing", "error", err)
	}
	for _, d := range devices {
		uuids[d.ID] = d.UUID
	}

	out := make([]Status, 0, len(ids))
	for _, id := range sortedIDs(ids) {
		out = append(out, m.statusFor(id, uuids[id]))
	}
	return out
}

func (m *Manager) statusFor(id int64, deviceUUID uuid.UUID) Status {
	st := Status{
		DeviceID:        id,
		DeviceUUID:      deviceUUID,
		Status:          StatusDisconnected,
		Data:            map[string]any{},
		SocketConnected: m.proxies.IsConnected(id),
		BrokerRunning:   m.brokers.IsRunning(id),
		LastUpdate:      m.now().UTC(),
	}
	if info, ok := m.proxies.Session(id); ok {
		st.ViewerPort = info.ViewerPort
	}
	if st.SocketConnected || st.BrokerRunning {
		st.Status = StatusConnected
	}
	if data, ok := m.pipeline.State(id); ok {
		st.Data = data
	}
	return st
}

// History returns a page of the device's persisted events, newest first.
func (m *Manager) History(ctx context.Context, deviceUUID uuid.UUID, q telemetry.HistoryQuery) (HistoryPage, error) {
	d, err := m.dir.GetByUUID(ctx, deviceUUID)
	if err != nil {
		return HistoryPage{}, err
	}

	q.DeviceID = d.ID
	q = q.Normalize()
	records, err := m.store.History(ctx, q)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("reading history for device %d: %w", d.ID, err)
	}
	if records == nil {
		records = []telemetry.Record{}
	}

	return HistoryPage{
		DeviceID:  d.ID,
		Records:   records,
		Limit:     q.Limit,
		Offset:    q.Offset,
		Transport: q.Transport,
		Total:     len(records),
	}, nil
}

// Summary returns component counts for health and metrics endpoints.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	startedAt := m.startedAt
	m.mu.Unlock()

	return Summary{
		StartedAt:        startedAt,
		DevicesWithState: len(m.pipeline.States()),
		ProxySessions:    len(m.proxies.Sessions()),
		DevicesConnected: m.proxies.ConnectedCount(),
		BrokersRunning:   len(m.brokers.Running()),
		Viewers:          m.hub.Count(),
		PendingEvents:    m.pipeline.Pending(),
	}
}
