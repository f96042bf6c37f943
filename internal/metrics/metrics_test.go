package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_NilRegistry(t *testing.T) {
	m, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil) error = %v", err)
	}
	if m != nil {
		t.Fatal("New(nil) should return nil metrics")
	}

	// Every recorder must tolerate a nil receiver.
	m.EventIngested("socket")
	m.ParseError("socket")
	m.Persisted(ModeImmediate, nil)
	m.Persisted(ModeBatch, errors.New("disk full"))
	m.SetPending(3)
	m.PendingDropped()
	m.SetViewers(1)
	m.ViewerOverflow("disconnect")
	m.SetBrokersRunning(2)
	m.BrokerFrame("publish")
	m.SetDevicesConnected(1)
	m.Command(ResultOK)
	m.RelayPublished(nil)
}

func TestNew_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m.EventIngested("socket")
	m.EventIngested("socket")
	m.EventIngested("broker")
	m.Persisted(ModeBatch, nil)
	m.Persisted(ModeBatch, errors.New("locked"))
	m.SetPending(4)

	if got := testutil.ToFloat64(m.ingestEvents.WithLabelValues("socket")); got != 2 {
		t.Errorf("socket events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.persistWrites.WithLabelValues(ModeBatch)); got != 1 {
		t.Errorf("batch writes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.persistErrors.WithLabelValues(ModeBatch)); got != 1 {
		t.Errorf("batch errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pendingEntries); got != 4 {
		t.Errorf("pending = %v, want 4", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families gathered")
	}
}

func TestNew_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first New() error = %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("second New() on the same registry should fail")
	}
}
