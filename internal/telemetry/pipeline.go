package telemetry

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/nerrad567/fieldlink-core/internal/metrics"
)

// Logger is the logging interface used by the pipeline.
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

// Publisher receives every processed event. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) { f(e) }

// MultiPublisher fans one event out to several publishers in order.
type MultiPublisher []Publisher

// Publish forwards e to every non-nil publisher.
func (m MultiPublisher) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// RecentReader supplies persisted events for start-up state reconstruction.
type RecentReader interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Config controls persistence timing.
type Config struct {
	// ImmediateSaveCooldown is the minimum gap between synchronous saves
	// for one device. Events inside the gap are buffered.
	ImmediateSaveCooldown time.Duration

	// FlushInterval is the period of the batch flush.
	FlushInterval time.Duration

	// MaxPending caps the buffer; the oldest entry is evicted when full.
	MaxPending int

	// InitialStateLimit is how many recent events LoadInitialStates reads.
	InitialStateLimit int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ImmediateSaveCooldown: 30 * time.Second,
		FlushInterval:         5 * time.Second,
		MaxPending:            10000,
		InitialStateLimit:     1000,
	}
}

// finalFlushTimeout bounds the flush performed when Run exits.
const finalFlushTimeout = 10 * time.Second

// Pipeline normalizes, persists, merges and publishes every inbound event.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Events from one connection
//     must be passed in order by a single goroutine to keep their order.
type Pipeline struct {
	cfg       Config
	sink      Sink
	publisher Publisher
	logger    Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	statesMu sync.RWMutex
	states   map[int64]map[string]any

	saveMu   sync.Mutex
	lastSave map[int64]time.Time

	pendingMu sync.Mutex
	pending   []Event
	evicted   int
}

// NewPipeline creates a pipeline writing to sink and publishing to
// publisher. publisher may be nil.
func NewPipeline(cfg Config, sink Sink, publisher Publisher) *Pipeline {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultConfig().MaxPending
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	return &Pipeline{
		cfg:       cfg,
		sink:      sink,
		publisher: publisher,
		logger:    noopLogger{},
		now:       time.Now,
		states:    make(map[int64]map[string]any),
		lastSave:  make(map[int64]time.Time),
	}
}

// SetLogger sets the logger. Call before the pipeline is shared.
func (p *Pipeline) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// SetMetrics attaches collectors. Call before the pipeline is shared.
func (p *Pipeline) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// IngestFrame parses one device-facing text frame and processes it as a
// socket event. Malformed frames return ErrParse and change nothing.
func (p *Pipeline) IngestFrame(ctx context.Context, deviceID int64, text string) error {
	field, value, err := ParseFrame(text)
	if err != nil {
		p.metrics.ParseError(string(TransportSocket))
		return err
	}
	return p.Process(ctx, NewSocketEvent(deviceID, field, value, p.now()))
}

// Process handles one normalized event:
//  1. persist now (first event of the device, or cooldown elapsed) or buffer it
//  2. shallow-merge object payloads into the device state
//  3. publish to the unified stream
//
// A failed immediate save is logged and returned wrapped in
// ErrPersistence; the event is still merged and published.
func (p *Pipeline) Process(ctx context.Context, e Event) error {
	p.metrics.EventIngested(string(e.Transport))

	var persistErr error
	if p.claimImmediateSave(e.DeviceID) {
		err := p.sink.Insert(ctx, e)
		p.metrics.Persisted(metrics.ModeImmediate, err)
		if err != nil {
			p.logger.Warn("immediate save failed",
				"device_id", e.DeviceID,
				"transport", e.Transport,
				"error", err,
			)
			persistErr = fmt.Errorf("%w: device %d: %w", ErrPersistence, e.DeviceID, err)
		}
	} else {
		p.enqueue(e)
	}

	p.merge(e)

	if p.publisher != nil {
		p.publisher.Publish(e)
	}
	return persistErr
}

// claimImmediateSave reports whether the device's event should be saved
// synchronously, and if so records the save time.
func (p *Pipeline) claimImmediateSave(deviceID int64) bool {
	now := p.now()

	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	last, seen := p.lastSave[deviceID]
	if seen && now.Sub(last) < p.cfg.ImmediateSaveCooldown {
		return false
	}
	p.lastSave[deviceID] = now
	return true
}

func (p *Pipeline) enqueue(e Event) {
	p.pendingMu.Lock()
	if len(p.pending) >= p.cfg.MaxPending {
		p.pending[0] = Event{}
		p.pending = p.pending[1:]
		p.evicted++
		p.metrics.PendingDropped()
	}
	p.pending = append(p.pending, e)
	n := len(p.pending)
	p.pendingMu.Unlock()

	p.metrics.SetPending(n)
}

func (p *Pipeline) merge(e Event) {
	fields := e.Fields()

	p.statesMu.Lock()
	defer p.statesMu.Unlock()

	state, ok := p.states[e.DeviceID]
	if !ok {
		state = make(map[string]any, len(fields))
		p.states[e.DeviceID] = state
	}
	for k, v := range fields {
		state[k] = v
	}
}

// Pending returns the number of buffered events.
func (p *Pipeline) Pending() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

// Flush swaps out the pending buffer and writes each entry in order.
// A failed entry is logged and skipped; the rest of the batch is still
// attempted.
func (p *Pipeline) Flush(ctx context.Context) (written, failed int) {
	p.pendingMu.Lock()
	batch := p.pending
	evicted := p.evicted
	p.pending = nil
	p.evicted = 0
	p.pendingMu.Unlock()

	p.metrics.SetPending(0)

	if evicted > 0 {
		p.logger.Warn("pending buffer overflowed, oldest events discarded",
			"discarded", evicted,
			"max_pending", p.cfg.MaxPending,
		)
	}
	if len(batch) == 0 {
		return 0, 0
	}

	for _, e := range batch {
		err := p.sink.Insert(ctx, e)
		p.metrics.Persisted(metrics.ModeBatch, err)
		if err != nil {
			failed++
			p.logger.Error("batch save failed",
				"device_id", e.DeviceID,
				"transport", e.Transport,
				"error", err,
			)
			continue
		}
		written++
	}

	p.logger.Debug("pending events flushed", "written", written, "failed", failed)
	return written, failed
}

// Run flushes every FlushInterval until ctx is cancelled, then performs a
// final flush.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			written, failed := p.Flush(flushCtx)
			cancel()
			p.logger.Info("ingest pipeline stopped", "final_written", written, "final_failed", failed)
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// State returns a copy of one device's merged state.
func (p *Pipeline) State(deviceID int64) (map[string]any, bool) {
	p.statesMu.RLock()
	defer p.statesMu.RUnlock()

	state, ok := p.states[deviceID]
	if !ok {
		return nil, false
	}
	return maps.Clone(state), true
}

// States returns a copy of every device's merged state.
func (p *Pipeline) States() map[int64]map[string]any {
	p.statesMu.RLock()
	defer p.statesMu.RUnlock()

	out := make(map[int64]map[string]any, len(p.states))
	for id, state := range p.states {
		out[id] = maps.Clone(state)
	}
	return out
}

// LoadInitialStates rebuilds the state snapshot from the most recent
// persisted events. Events are applied oldest first so the newest value
// of each key wins. Returns the number of devices restored.
func (p *Pipeline) LoadInitialStates(ctx context.Context, src RecentReader) (int, error) {
	events, err := src.Recent(ctx, p.cfg.InitialStateLimit)
	if err != nil {
		return 0, fmt.Errorf("loading recent events: %w", err)
	}

	rebuilt := make(map[int64]map[string]any)
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		state, ok := rebuilt[e.DeviceID]
		if !ok {
			state = make(map[string]any)
			rebuilt[e.DeviceID] = state
		}
		for k, v := range e.Fields() {
			state[k] = v
		}
	}

	p.statesMu.Lock()
	p.states = rebuilt
	p.statesMu.Unlock()

	p.logger.Info("device states restored", "devices", len(rebuilt), "events", len(events))
	return len(rebuilt), nil
}
