// Package relay republishes unified events to an upstream MQTT broker and
// routes commands received from it to device proxies.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fieldlink-core/internal/metrics"
	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// Logger is the logging interface used by the relay.
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

// Publisher sends one message upstream. It is satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

const defaultQueueSize = 1024

// Relay queues events and publishes them on
// {prefix}/devices/{device_id}/{transport} with the JSON envelope viewers
// receive.
//
// Publish never blocks: when the queue is full the event is dropped for
// the relay only. Events are published in arrival order by Run.
type Relay struct {
	pub     Publisher
	topics  mqtt.Topics
	qos     byte
	queue   chan telemetry.Event
	dropped atomic.Int64
	logger  Logger
	metrics *metrics.Metrics
}

// New creates a relay publishing through pub.
func New(cfg config.MQTTConfig, pub Publisher) *Relay {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Relay{
		pub:    pub,
		topics: mqtt.NewTopics(cfg.TopicPrefix),
		qos:    byte(cfg.QoS),
		queue:  make(chan telemetry.Event, size),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger. Call before Run.
func (r *Relay) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetMetrics attaches collectors. Call before Run.
func (r *Relay) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Publish enqueues e for the upstream broker.
func (r *Relay) Publish(e telemetry.Event) {
	select {
	case r.queue <- e:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("relay queue full, dropping events", "device_id", e.DeviceID, "dropped_total", n)
		}
		r.metrics.RelayDropped()
	}
}

// Dropped returns how many events were discarded on a full queue.
func (r *Relay) Dropped() int64 {
	return r.dropped.Load()
}

// Queued returns the number of events waiting to be published.
func (r *Relay) Queued() int {
	return len(r.queue)
}

// Run publishes queued events until ctx is cancelled. Events still queued
// at that point are published on a best-effort basis before it returns.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay started", "topic_prefix", r.topics.Prefix)
	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.logger.Info("relay stopped", "dropped", r.Dropped())
			return
		case e := <-r.queue:
			r.send(e)
		}
	}
}

// drain publishes what is left in the queue without blocking for more.
func (r *Relay) drain() {
	for {
		select {
		case e := <-r.queue:
			r.send(e)
		default:
			return
		}
	}
}

func (r *Relay) send(e telemetry.Event) {
	topic := r.topics.DeviceEvent(e.DeviceID, string(e.Transport))
	payload, err := json.Marshal(e.Envelope())
	if err != nil {
		r.logger.Error("encoding relay envelope failed", "device_id", e.DeviceID, "error", err)
		r.metrics.RelayPublished(err)
		return
	}

	err = r.pub.Publish(topic, payload, r.qos, false)
	r.metrics.RelayPublished(err)
	if err != nil {
		r.logger.Warn("relay publish failed", "topic", topic, "error", err)
		return
	}
	r.logger.Debug("event relayed", "topic", topic)
}

// Subscriber registers upstream subscriptions. It is satisfied by
// *mqtt.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// CommandSender delivers text to a device. It is satisfied by
// *proxy.Registry.
type CommandSender interface {
	SendCommand(ctx context.Context, deviceID int64, text string) error
}

// commandTimeout bounds delivery of one upstream command.
const commandTimeout = 5 * time.Second

// CommandRouter forwards {prefix}/devices/{device_id}/command payloads to
// the device's live socket.
type CommandRouter struct {
	sub    Subscriber
	sender CommandSender
	topics mqtt.Topics
	qos    byte
	logger Logger
}

// NewCommandRouter creates a router. Call Start to subscribe.
func NewCommandRouter(cfg config.MQTTConfig, sub Subscriber, sender CommandSender) *CommandRouter {
	return &CommandRouter{
		sub:    sub,
		sender: sender,
		topics: mqtt.NewTopics(cfg.TopicPrefix),
		qos:    byte(cfg.QoS),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger. Call before Start.
func (c *CommandRouter) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Start subscribes to every device's command topic.
func (c *CommandRouter) Start() error {
	topic := c.topics.AllDeviceCommands()
	if err := c.sub.Subscribe(topic, c.qos, c.Handle); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	c.logger.Info("listening for upstream commands", "topic", topic)
	return nil
}

// Stop removes the subscription.
func (c *CommandRouter) Stop() error {
	return c.sub.Unsubscribe(c.topics.AllDeviceCommands())
}

// Handle routes one upstream message. Topics that are not command topics
// are ignored.
func (c *CommandRouter) Handle(topic string, payload []byte) error {
	deviceID, ok := c.topics.ParseDeviceCommand(topic)
	if !ok {
		c.logger.Debug("ignoring message on unexpected topic", "topic", topic)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := c.sender.SendCommand(ctx, deviceID, string(payload)); err != nil {
		return fmt.Errorf("forwarding command to device %d: %w", deviceID, err)
	}
	c.logger.Info("upstream command forwarded", "device_id", deviceID)
	return nil
}
