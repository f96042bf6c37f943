package telemetry

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

var fixedTime = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

// fakeSink records inserts and can be told to fail.
type fakeSink struct {
	mu     sync.Mutex
	events []Event
	fail   func(Event) error
}

func (s *fakeSink) Insert(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(e); err != nil {
			return err
		}
	}
	s.events = append(s.events, e)
	return nil
}

func (s *fakeSink) inserted() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) published() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *fakeSink, *recorder, *clock) {
	t.Helper()
	sink := &fakeSink{}
	pub := &recorder{}
	clk := &clock{now: fixedTime}
	p := NewPipeline(cfg, sink, pub)
	p.now = clk.Now
	return p, sink, pub, clk
}

func TestPipeline_IngestFrame_EndToEnd(t *testing.T) {
	ctx := context.Background()
	p, sink, pub, _ := newTestPipeline(t, DefaultConfig())

	if err := p.IngestFrame(ctx, 7, "battery:88"); err != nil {
		t.Fatalf("IngestFrame() error = %v", err)
	}

	state, ok := p.State(7)
	if !ok || !reflect.DeepEqual(state, map[string]any{"battery": "88"}) {
		t.Errorf("State(7) = %v, %v", state, ok)
	}

	inserted := sink.inserted()
	if len(inserted) != 1 {
		t.Fatalf("inserts = %d, want 1", len(inserted))
	}
	got := inserted[0]
	if got.DeviceID != 7 || got.Transport != TransportSocket ||
		!reflect.DeepEqual(got.Payload, map[string]any{"battery": "88"}) {
		t.Errorf("inserted event = %+v", got)
	}

	events := pub.published()
	if len(events) != 1 || events[0].Raw != "battery:88" {
		t.Errorf("published = %+v", events)
	}
}

func TestPipeline_IngestFrame_Malformed(t *testing.T) {
	ctx := context.Background()
	p, sink, pub, _ := newTestPipeline(t, DefaultConfig())

	err := p.IngestFrame(ctx, 7, "no-separator")
	if !errors.Is(err, ErrParse) {
		t.Fatalf("IngestFrame() error = %v, want ErrParse", err)
	}
	if _, ok := p.State(7); ok {
		t.Error("malformed frame must not create state")
	}
	if len(sink.inserted()) != 0 || len(pub.published()) != 0 || p.Pending() != 0 {
		t.Error("malformed frame must not produce an event")
	}
}

func TestPipeline_ImmediateSaveCooldown(t *testing.T) {
	ctx := context.Background()
	p, sink, _, clk := newTestPipeline(t, DefaultConfig())

	// First event of a device is saved immediately.
	mustProcess(t, p, NewSocketEvent(1, "a", "1", clk.Now()))
	if n := len(sink.inserted()); n != 1 {
		t.Fatalf("after first event inserts = %d, want 1", n)
	}

	// Inside the cooldown events are buffered.
	clk.Advance(10 * time.Second)
	mustProcess(t, p, NewSocketEvent(1, "a", "2", clk.Now()))
	clk.Advance(19 * time.Second)
	mustProcess(t, p, NewSocketEvent(1, "a", "3", clk.Now()))
	if n := len(sink.inserted()); n != 1 {
		t.Fatalf("inside cooldown inserts = %d, want 1", n)
	}
	if p.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", p.Pending())
	}

	// Another device is independent.
	mustProcess(t, p, NewSocketEvent(2, "b", "1", clk.Now()))
	if n := len(sink.inserted()); n != 2 {
		t.Fatalf("second device inserts = %d, want 2", n)
	}

	// Cooldown measured from the last immediate save (t=0), now t=30s.
	clk.Advance(1 * time.Second)
	mustProcess(t, p, NewSocketEvent(1, "a", "4", clk.Now()))
	if n := len(sink.inserted()); n != 3 {
		t.Fatalf("after cooldown inserts = %d, want 3", n)
	}

	written, failed := p.Flush(ctx)
	if written != 2 || failed != 0 {
		t.Errorf("Flush() = (%d, %d), want (2, 0)", written, failed)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() after flush = %d", p.Pending())
	}

	// Flush keeps arrival order.
	all := sink.inserted()
	if all[3].Raw != "a:2" || all[4].Raw != "a:3" {
		t.Errorf("flushed order = %q, %q", all[3].Raw, all[4].Raw)
	}
}

func TestPipeline_FlushContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	p, sink, _, _ := newTestPipeline(t, DefaultConfig())

	mustProcess(t, p, NewSocketEvent(1, "seed", "0", fixedTime))
	for _, v := range []string{"1", "2", "3", "4"} {
		mustProcess(t, p, NewSocketEvent(1, "n", v, fixedTime))
	}

	sink.mu.Lock()
	sink.fail = func(e Event) error {
		if e.Raw == "n:2" {
			return errors.New("disk I/O error")
		}
		return nil
	}
	sink.mu.Unlock()

	written, failed := p.Flush(ctx)
	if written != 3 || failed != 1 {
		t.Fatalf("Flush() = (%d, %d), want (3, 1)", written, failed)
	}

	var raws []string
	for _, e := range sink.inserted()[1:] {
		raws = append(raws, e.Raw)
	}
	if want := []string{"n:1", "n:3", "n:4"}; !reflect.DeepEqual(raws, want) {
		t.Errorf("flushed = %v, want %v", raws, want)
	}

	// The failed entry is not retried by later flushes.
	if w, f := p.Flush(ctx); w != 0 || f != 0 {
		t.Errorf("second Flush() = (%d, %d), want (0, 0)", w, f)
	}
}

func TestPipeline_ImmediateFailureStillMergesAndPublishes(t *testing.T) {
	ctx := context.Background()
	p, sink, pub, _ := newTestPipeline(t, DefaultConfig())
	sink.fail = func(Event) error { return errors.New("database is locked") }

	err := p.Process(ctx, NewSocketEvent(3, "rssi", "-70", fixedTime))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Process() error = %v, want ErrPersistence", err)
	}
	if state, _ := p.State(3); state["rssi"] != "-70" {
		t.Errorf("State(3) = %v", state)
	}
	if len(pub.published()) != 1 {
		t.Error("event not published after failed save")
	}
}

func TestPipeline_MergeIsIdempotent(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, DefaultConfig())
	e := NewBrokerEvent(4, map[string]any{"lat": 1.5, "lon": 2.5}, fixedTime)

	mustProcess(t, p, e)
	once, _ := p.State(4)
	mustProcess(t, p, e)
	twice, _ := p.State(4)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("state after repeat = %v, want %v", twice, once)
	}
}

func TestPipeline_MergeLastWriteWinsPerKey(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, DefaultConfig())

	mustProcess(t, p, NewBrokerEvent(5, map[string]any{"a": 1.0, "b": 1.0}, fixedTime))
	mustProcess(t, p, NewBrokerEvent(5, map[string]any{"b": 2.0, "c": 2.0}, fixedTime))
	mustProcess(t, p, NewBrokerEvent(5, "scalar payloads leave state alone", fixedTime))

	got, _ := p.State(5)
	want := map[string]any{"a": 1.0, "b": 2.0, "c": 2.0}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("State(5) = %v, want %v", got, want)
	}
}

func TestPipeline_StateReturnsCopy(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, DefaultConfig())
	mustProcess(t, p, NewSocketEvent(6, "k", "v", fixedTime))

	s, _ := p.State(6)
	s["k"] = "mutated"
	all := p.States()
	all[6]["k"] = "mutated"

	if again, _ := p.State(6); again["k"] != "v" {
		t.Errorf("internal state changed through a returned map: %v", again)
	}
}

func TestPipeline_PendingCapDropsOldest(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxPending = 3
	p, sink, _, _ := newTestPipeline(t, cfg)

	mustProcess(t, p, NewSocketEvent(1, "seed", "0", fixedTime))
	for _, v := range []string{"1", "2", "3", "4", "5"} {
		mustProcess(t, p, NewSocketEvent(1, "n", v, fixedTime))
	}
	if p.Pending() != 3 {
		t.Fatalf("Pending() = %d, want 3", p.Pending())
	}

	p.Flush(ctx)
	var raws []string
	for _, e := range sink.inserted()[1:] {
		raws = append(raws, e.Raw)
	}
	if want := []string{"n:3", "n:4", "n:5"}; !reflect.DeepEqual(raws, want) {
		t.Errorf("flushed = %v, want %v", raws, want)
	}
}

type staticRecent []Event

func (s staticRecent) Recent(_ context.Context, limit int) ([]Event, error) {
	if limit < len(s) {
		return s[:limit], nil
	}
	return s, nil
}

func TestPipeline_LoadInitialStates(t *testing.T) {
	cfg := DefaultConfig()
	p, _, _, _ := newTestPipeline(t, cfg)

	// Newest first, as the store returns them.
	recent := staticRecent{
		NewBrokerEvent(9, map[string]any{"lat": 1.23}, fixedTime.Add(3*time.Second)),
		NewSocketEvent(7, "battery", "88", fixedTime.Add(2*time.Second)),
		NewSocketEvent(7, "battery", "90", fixedTime.Add(1*time.Second)),
		NewSocketEvent(7, "mode", "auto", fixedTime),
		NewBrokerEvent(9, []any{"not", "an", "object"}, fixedTime),
	}

	n, err := p.LoadInitialStates(context.Background(), recent)
	if err != nil {
		t.Fatalf("LoadInitialStates() error = %v", err)
	}
	if n != 2 {
		t.Errorf("restored devices = %d, want 2", n)
	}

	if got, _ := p.State(7); !reflect.DeepEqual(got, map[string]any{"battery": "88", "mode": "auto"}) {
		t.Errorf("State(7) = %v", got)
	}
	if got, _ := p.State(9); !reflect.DeepEqual(got, map[string]any{"lat": 1.23}) {
		t.Errorf("State(9) = %v", got)
	}
}

func TestPipeline_LoadInitialStatesRespectsLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialStateLimit = 1
	p, _, _, _ := newTestPipeline(t, cfg)

	recent := staticRecent{
		NewSocketEvent(1, "k", "new", fixedTime.Add(time.Second)),
		NewSocketEvent(2, "k", "old", fixedTime),
	}
	if _, err := p.LoadInitialStates(context.Background(), recent); err != nil {
		t.Fatalf("LoadInitialStates() error = %v", err)
	}
	if _, ok := p.State(2); ok {
		t.Error("event beyond the limit was applied")
	}
}

func TestPipeline_RunFlushesOnShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	p, sink, _, _ := newTestPipeline(t, cfg)

	mustProcess(t, p, NewSocketEvent(1, "a", "1", fixedTime))
	mustProcess(t, p, NewSocketEvent(1, "a", "2", fixedTime))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if n := len(sink.inserted()); n != 2 {
		t.Errorf("inserts after shutdown = %d, want 2", n)
	}
}

func TestPipeline_RunPeriodicFlush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	p, sink, _, _ := newTestPipeline(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	mustProcess(t, p, NewSocketEvent(1, "a", "1", fixedTime))
	mustProcess(t, p, NewSocketEvent(1, "a", "2", fixedTime))

	deadline := time.Now().Add(5 * time.Second)
	for len(sink.inserted()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("buffered event never flushed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMultiPublisher(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	MultiPublisher{a, nil, b}.Publish(NewSocketEvent(1, "k", "v", fixedTime))

	if len(a.published()) != 1 || len(b.published()) != 1 {
		t.Error("MultiPublisher did not reach every publisher")
	}
}

func mustProcess(t *testing.T, p *Pipeline, e Event) {
	t.Helper()
	if err := p.Process(context.Background(), e); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
}
