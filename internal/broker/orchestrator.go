package broker

import (
	"context"
	"net"
	"slices"
	"sync"

	"github.com/nerrad567/fieldlink-core/internal/device"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink-core/internal/metrics"
	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// Ingester receives the normalized events produced from broker messages.
// It is satisfied by *telemetry.Pipeline.
type Ingester interface {
	Process(ctx context.Context, e telemetry.Event) error
}

// Directory lists the devices whose broker should run at start-up.
// It is satisfied by device.Directory.
type Directory interface {
	ListBrokerEnabled(ctx context.Context) ([]device.Device, error)
}

// DeviceMessage is a broker message tagged with its device.
type DeviceMessage struct {
	DeviceID int64
	Message
}

// Orchestrator owns the device to broker map.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The map lock is never held while a broker binds or stops.
type Orchestrator struct {
	cfg     config.BrokerConfig
	ingest  Ingester
	logger  Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	brokers map[int64]*Broker

	subsMu sync.RWMutex
	subs   map[chan DeviceMessage]struct{}

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator that feeds ingest.
func NewOrchestrator(cfg config.BrokerConfig, ingest Ingester) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		ingest:  ingest,
		logger:  noopLogger{},
		brokers: make(map[int64]*Broker),
		subs:    make(map[chan DeviceMessage]struct{}),
	}
}

// SetLogger sets the logger. Call before the orchestrator is shared.
func (o *Orchestrator) SetLogger(logger Logger) {
	if logger != nil {
		o.logger = logger
	}
}

// SetMetrics attaches collectors. Call before the orchestrator is shared.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
}

// Enable starts a broker for deviceID on port.
//
// enabled=false is a logged no-op. A device that already has a broker
// reports alreadyRunning=true and no second listener is opened. Bind
// failures are returned wrapped in ErrBind.
func (o *Orchestrator) Enable(ctx context.Context, deviceID int64, port uint16, enabled bool) (alreadyRunning bool, err error) {
	log := o.deviceLogger(deviceID)
	if !enabled {
		log.Info("broker not enabled for device, skipping", "port", port)
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b := New(Config{
		BindHost:      o.cfg.BindHost,
		Port:          int(port),
		MessageBuffer: o.cfg.MessageBuffer,
		MaxFrameSize:  o.cfg.MaxFrameSize,
	})
	b.SetLogger(loggerWith(o.logger, "device_id", deviceID, "port", port))
	b.SetMetrics(o.metrics)

	// Reserve the slot so a concurrent Enable sees it as running.
	o.mu.Lock()
	if _, ok := o.brokers[deviceID]; ok {
		o.mu.Unlock()
		log.Debug("broker already running", "port", port)
		return true, nil
	}
	o.brokers[deviceID] = b
	o.mu.Unlock()

	if err := b.Start(); err != nil {
		o.mu.Lock()
		if o.brokers[deviceID] == b {
			delete(o.brokers, deviceID)
		}
		o.mu.Unlock()
		log.Error("failed to start broker", "port", port, "error", err)
		return false, err
	}

	o.wg.Add(1)
	go o.forward(deviceID, b)

	o.metrics.SetBrokersRunning(o.runningCount())
	log.Info("broker enabled", "port", port)
	return false, nil
}

// Disable stops and removes the device's broker. Disabling a device with
// no broker is not an error.
func (o *Orchestrator) Disable(deviceID int64) {
	o.mu.Lock()
	b, ok := o.brokers[deviceID]
	delete(o.brokers, deviceID)
	o.mu.Unlock()

	if !ok {
		o.logger.Debug("no broker to disable", "device_id", deviceID)
		return
	}

	b.Stop()
	o.metrics.SetBrokersRunning(o.runningCount())
	o.logger.Info("broker disabled", "device_id", deviceID)
}

// LoadFromDirectory enables a broker for every active, broker-enabled
// device with a port. A device that fails to start is logged and skipped.
// It returns the number of brokers started.
func (o *Orchestrator) LoadFromDirectory(ctx context.Context, dir Directory) (int, error) {
	devices, err := dir.ListBrokerEnabled(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, d := range devices {
		if !d.IsActive || !d.BrokerEnabled || d.BrokerPort == nil {
			continue
		}
		already, err := o.Enable(ctx, d.ID, *d.BrokerPort, true)
		if err != nil {
			o.logger.Warn("failed to resume broker", "device_id", d.ID, "port", *d.BrokerPort, "error", err)
			continue
		}
		if !already {
			started++
		}
	}

	o.logger.Info("brokers loaded from directory", "candidates", len(devices), "started", started)
	return started, nil
}

// IsRunning reports whether deviceID has a listening broker.
func (o *Orchestrator) IsRunning(deviceID int64) bool {
	o.mu.RLock()
	b, ok := o.brokers[deviceID]
	o.mu.RUnlock()
	return ok && b.IsRunning()
}

// Running returns the ids of devices with a broker, ascending.
func (o *Orchestrator) Running() []int64 {
	o.mu.RLock()
	ids := make([]int64, 0, len(o.brokers))
	for id := range o.brokers {
		ids = append(ids, id)
	}
	o.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Addr returns the bound address of the device's broker.
func (o *Orchestrator) Addr(deviceID int64) (net.Addr, bool) {
	o.mu.RLock()
	b, ok := o.brokers[deviceID]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	addr := b.Addr()
	return addr, addr != nil
}

// Clients returns the live clients of the device's broker.
func (o *Orchestrator) Clients(deviceID int64) []ClientInfo {
	o.mu.RLock()
	b, ok := o.brokers[deviceID]
	o.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.Clients()
}

// Subscribe returns a channel receiving every broker message after it has
// been ingested, and a function that cancels the subscription. Messages
// are dropped for a subscriber whose buffer is full.
func (o *Orchestrator) Subscribe(buffer int) (<-chan DeviceMessage, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan DeviceMessage, buffer)

	o.subsMu.Lock()
	o.subs[ch] = struct{}{}
	o.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subsMu.Lock()
			delete(o.subs, ch)
			o.subsMu.Unlock()
			close(ch)
		})
	}
}

// Close stops every broker and waits for the forwarders to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	brokers := o.brokers
	o.brokers = make(map[int64]*Broker)
	o.mu.Unlock()

	for id, b := range brokers {
		b.Stop()
		o.logger.Debug("broker stopped", "device_id", id)
	}
	o.wg.Wait()
	o.metrics.SetBrokersRunning(0)
}

// forward turns the broker's messages into events until the broker stops.
func (o *Orchestrator) forward(deviceID int64, b *Broker) {
	defer o.wg.Done()
	for {
		select {
		case msg := <-b.Messages():
			o.handle(deviceID, msg)
		case <-b.Done():
			// Messages queued before Stop are still delivered.
			for {
				select {
				case msg := <-b.Messages():
					o.handle(deviceID, msg)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) handle(deviceID int64, msg Message) {
	e := telemetry.NewBrokerEvent(deviceID, msg.Payload, msg.Timestamp)
	if err := o.ingest.Process(context.Background(), e); err != nil {
		o.logger.Warn("broker event not persisted",
			"device_id", deviceID,
			"client_id", msg.ClientID,
			"error", err,
		)
	}
	o.broadcast(DeviceMessage{DeviceID: deviceID, Message: msg})
}

func (o *Orchestrator) broadcast(dm DeviceMessage) {
	o.subsMu.RLock()
	defer o.subsMu.RUnlock()
	for ch := range o.subs {
		select {
		case ch <- dm:
		default:
		}
	}
}

func (o *Orchestrator) runningCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.brokers)
}

func (o *Orchestrator) deviceLogger(deviceID int64) Logger {
	return loggerWith(o.logger, "device_id", deviceID)
}

// fieldLogger prefixes every call with fixed key/value pairs.
type fieldLogger struct {
	l    Logger
	args []any
}

func loggerWith(l Logger, args ...any) Logger {
	return fieldLogger{l: l, args: args}
}

func (f fieldLogger) with(args []any) []any {
	return append(slices.Clip(f.args), args...)
}

func (f fieldLogger) Debug(msg string, args ...any) { f.l.Debug(msg, f.with(args)...) }
func (f fieldLogger) Info(msg string, args ...any)  { f.l.Info(msg, f.with(args)...) }
func (f fieldLogger) Warn(msg string, args ...any)  { f.l.Warn(msg, f.with(args)...) }
func (f fieldLogger) Error(msg string, args ...any) { f.l.Error(msg, f.with(args)...) }
