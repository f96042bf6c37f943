// Package metrics defines the Prometheus collectors of the fieldlink
// service.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldlink"

// Label values shared with callers.
const (
	ModeImmediate = "immediate"
	ModeBatch     = "batch"

	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds every collector.
type Metrics struct {
	ingestEvents   *prometheus.CounterVec
	parseErrors    *prometheus.CounterVec
	persistWrites  *prometheus.CounterVec
	persistErrors  *prometheus.CounterVec
	pendingEntries prometheus.Gauge
	pendingDropped prometheus.Counter

	hubViewers prometheus.Gauge
	hubDropped *prometheus.CounterVec

	brokersRunning prometheus.Gauge
	brokerFrames   *prometheus.CounterVec

	devicesConnected prometheus.Gauge
	commands         *prometheus.CounterVec

	relayPublished *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// returns a nil *Metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		ingestEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Normalized events processed, by transport",
		}, []string{"transport"}),

		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "parse_errors_total",
			Help:      "Inbound frames rejected by the parser, by source",
		}, []string{"source"}),

		persistWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "writes_total",
			Help:      "Events written to the sink, by mode (immediate or batch)",
		}, []string{"mode"}),

		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "errors_total",
			Help:      "Failed sink writes, by mode",
		}, []string{"mode"}),

		pendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "pending_entries",
			Help:      "Events waiting for the next batch flush",
		}),

		pendingDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "pending_dropped_total",
			Help:      "Buffered events discarded because the pending buffer was full",
		}),

		hubViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "viewers",
			Help:      "Registered live viewers",
		}),

		hubDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Fan-out overflows, by action (viewer removed or notification dropped)",
		}, []string{"action"}),

		brokersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "running",
			Help:      "Wire brokers currently listening",
		}),

		brokerFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "frames_total",
			Help:      "Frames read by wire brokers, by kind",
		}, []string{"kind"}),

		devicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "devices_connected",
			Help:      "Devices with a live device-facing socket",
		}),

		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "commands_total",
			Help:      "Commands forwarded to devices, by result",
		}, []string{"result"}),

		relayPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Events relayed upstream, by result",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.ingestEvents, m.parseErrors, m.persistWrites, m.persistErrors,
		m.pendingEntries, m.pendingDropped, m.hubViewers, m.hubDropped,
		m.brokersRunning, m.brokerFrames, m.devicesConnected, m.commands,
		m.relayPublished,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: registering collector: %w", err)
		}
	}

	return m, nil
}

// EventIngested counts one processed event.
func (m *Metrics) EventIngested(transport string) {
	if m == nil {
		return
	}
	m.ingestEvents.WithLabelValues(transport).Inc()
}

// ParseError counts one rejected frame.
func (m *Metrics) ParseError(source string) {
	if m == nil {
		return
	}
	m.parseErrors.WithLabelValues(source).Inc()
}

// Persisted records the outcome of one sink write.
func (m *Metrics) Persisted(mode string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.persistErrors.WithLabelValues(mode).Inc()
		return
	}
	m.persistWrites.WithLabelValues(mode).Inc()
}

// SetPending reports the pending buffer length.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingEntries.Set(float64(n))
}

// PendingDropped counts one evicted pending entry.
func (m *Metrics) PendingDropped() {
	if m == nil {
		return
	}
	m.pendingDropped.Inc()
}

// SetViewers reports the number of registered viewers.
func (m *Metrics) SetViewers(n int) {
	if m == nil {
		return
	}
	m.hubViewers.Set(float64(n))
}

// ViewerOverflow counts one fan-out overflow handled with action.
func (m *Metrics) ViewerOverflow(action string) {
	if m == nil {
		return
	}
	m.hubDropped.WithLabelValues(action).Inc()
}

// SetBrokersRunning reports the number of listening brokers.
func (m *Metrics) SetBrokersRunning(n int) {
	if m == nil {
		return
	}
	m.brokersRunning.Set(float64(n))
}

// BrokerFrame counts one frame of the given kind.
func (m *Metrics) BrokerFrame(kind string) {
	if m == nil {
		return
	}
	m.brokerFrames.WithLabelValues(kind).Inc()
}

// SetDevicesConnected reports the number of live device sockets.
func (m *Metrics) SetDevicesConnected(n int) {
	if m == nil {
		return
	}
	m.devicesConnected.Set(float64(n))
}

// Command counts one command forwarding attempt.
func (m *Metrics) Command(result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(result).Inc()
}

// RelayPublished records the outcome of one upstream publish.
func (m *Metrics) RelayPublished(err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.relayPublished.WithLabelValues(result).Inc()
}

// RelayDropped counts one event discarded because the relay queue was full.
func (m *Metrics) RelayDropped() {
	if m == nil {
		return
	}
	m.relayPublished.WithLabelValues("dropped").Inc()
}
