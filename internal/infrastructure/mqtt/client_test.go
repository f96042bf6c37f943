package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fieldlink-core/internal/broker"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
)

// The in-process wire broker accepts CONNECT and acknowledges QoS 1
// publishes, which is enough for the client's publish path. It does not
// implement SUBSCRIBE; integration_test.go covers subscriptions against a
// real broker.

const waitTimeout = 3 * time.Second

func startUpstream(t *testing.T) *broker.Broker {
	t.Helper()
	b := broker.New(broker.Config{BindHost: "127.0.0.1", MessageBuffer: 64})
	if err := b.Start(); err != nil {
		t.Fatalf("starting in-process broker: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func testConfig(t *testing.T, b *broker.Broker) config.MQTTConfig {
	t.Helper()
	port := b.Addr().(*net.TCPAddr).Port
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     port,
			ClientID: "fieldlink-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "fieldlink",
	}
}

func connect(t *testing.T, cfg config.MQTTConfig) *Client {
	t.Helper()
	c, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// waitForTopic returns the next message the broker received on topic.
func waitForTopic(t *testing.T, b *broker.Broker, topic string) broker.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-b.Messages():
			if msg.Topic == topic {
				return msg
			}
		case <-deadline:
			t.Fatalf("no message on %q", topic)
		}
	}
}

func payloadField(t *testing.T, msg broker.Message, key string) any {
	t.Helper()
	obj, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %#v, want object", msg.Payload)
	}
	return obj[key]
}

func TestConnectPublishesOnlineStatus(t *testing.T) {
	b := startUpstream(t)
	c := connect(t, testConfig(t, b))

	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	msg := waitForTopic(t, b, "fieldlink/system/status")
	if got := payloadField(t, msg, "status"); got != statusOnline {
		t.Errorf("status = %v, want online", got)
	}
	if got := payloadField(t, msg, "client_id"); got != "fieldlink-test" {
		t.Errorf("client_id = %v", got)
	}
}

func TestPublish(t *testing.T) {
	b := startUpstream(t)
	c := connect(t, testConfig(t, b))
	topic := c.Topics().DeviceEvent(7, "socket")

	tests := []struct {
		name string
		qos  byte
	}{
		{"qos0", 0},
		{"qos1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := fmt.Sprintf(`{"battery":"88","qos":%d}`, tt.qos)
			if err := c.Publish(topic, []byte(body), tt.qos, false); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
			msg := waitForTopic(t, b, topic)
			if got := payloadField(t, msg, "battery"); got != "88" {
				t.Errorf("battery = %v, want 88", got)
			}
			if got := payloadField(t, msg, "qos"); got != float64(tt.qos) {
				t.Errorf("qos = %v, want %d", got, tt.qos)
			}
		})
	}
}

func TestPublishDefault(t *testing.T) {
	b := startUpstream(t)
	c := connect(t, testConfig(t, b))

	if err := c.PublishDefault("fieldlink/test", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("PublishDefault() error = %v", err)
	}
	msg := waitForTopic(t, b, "fieldlink/test")
	if got := payloadField(t, msg, "ok"); got != true {
		t.Errorf("ok = %v", got)
	}
}

func TestPublishValidation(t *testing.T) {
	b := startUpstream(t)
	c := connect(t, testConfig(t, b))

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"qos 3", "fieldlink/t", []byte("x"), 3, ErrInvalidQoS},
		{"oversized", "fieldlink/t", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCloseAnnouncesOffline(t *testing.T) {
	b := startUpstream(t)
	c, err := Connect(testConfig(t, b))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForTopic(t, b, "fieldlink/system/status")

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	msg := waitForTopic(t, b, "fieldlink/system/status")
	if got := payloadField(t, msg, "status"); got != statusOffline {
		t.Errorf("status = %v, want offline", got)
	}
	if got := payloadField(t, msg, "reason"); got != "graceful_shutdown" {
		t.Errorf("reason = %v, want graceful_shutdown", got)
	}

	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := c.Publish("fieldlink/t", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	b := startUpstream(t)
	c := connect(t, testConfig(t, b))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := config.MQTTConfig{
		Broker:    config.MQTTBrokerConfig{Host: "127.0.0.1", Port: port, ClientID: "refused"},
		QoS:       1,
		Reconnect: config.MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 1},
	}
	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 1, handler, ErrInvalidTopic},
		{"qos 3", "fieldlink/#", 3, handler, ErrInvalidQoS},
		{"nil handler", "fieldlink/#", 1, nil, ErrSubscribeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Subscribe(tt.topic, tt.qos, tt.handler); !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
}

func TestSubscribeNotAcknowledged(t *testing.T) {
	b := startUpstream(t)
	c := connect(t, testConfig(t, b))
	topic := c.Topics().AllDeviceCommands()

	err := c.Subscribe(topic, 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Fatalf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
	if c.HasSubscription(topic) {
		t.Error("failed subscription still tracked")
	}
}

// fakeMessage implements paho's Message interface.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record(msg) }

func TestWrapHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler MessageHandler
		wantLog string
	}{
		{"ok", func(string, []byte) error { return nil }, ""},
		{"error", func(string, []byte) error { return errors.New("bad command") }, "MQTT handler returned error"},
		{"panic", func(string, []byte) error { panic("boom") }, "MQTT handler panic recovered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &recordingLogger{}
			c := &Client{}
			c.SetLogger(logger)

			c.wrapHandler(tt.handler)(nil, fakeMessage{topic: "fieldlink/devices/7/command", payload: []byte("arm")})

			got := strings.Join(logger.msgs, ",")
			if got != tt.wantLog {
				t.Errorf("logged %q, want %q", got, tt.wantLog)
			}
		})
	}
}

func TestWrapHandlerWithoutLogger(t *testing.T) {
	c := &Client{}
	// Must not panic even though nothing can be logged.
	c.wrapHandler(func(string, []byte) error { panic("boom") })(nil, fakeMessage{topic: "t"})
}

func TestBuildStatusPayload(t *testing.T) {
	var got statusPayload
	if err := json.Unmarshal(buildStatusPayload(statusOffline, "relay-1", "unexpected_disconnect"), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != statusOffline || got.ClientID != "relay-1" || got.Reason != "unexpected_disconnect" {
		t.Errorf("payload = %+v", got)
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", got.Timestamp, err)
	}

	online := string(buildStatusPayload(statusOnline, "relay-1", ""))
	if strings.Contains(online, "reason") {
		t.Errorf("online payload carries a reason: %s", online)
	}
}
