//go:build integration

package mqtt

import (
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
)

// Integration tests against a real MQTT broker (e.g. Mosquitto).
//
// Run with:
//   FIELDLINK_TEST_MQTT_PORT=1883 go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(t *testing.T, clientID string) config.MQTTConfig {
	t.Helper()
	host := os.Getenv("FIELDLINK_TEST_MQTT_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := 1883
	if v := os.Getenv("FIELDLINK_TEST_MQTT_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			t.Fatalf("FIELDLINK_TEST_MQTT_PORT: %v", err)
		}
		port = p
	}
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     host,
			Port:     port,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
		TopicPrefix: "fieldlink-it",
	}
}

func TestIntegration_CommandRoundtrip(t *testing.T) {
	sub, err := Connect(integrationConfig(t, "fieldlink-it-sub"))
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	pub, err := Connect(integrationConfig(t, "fieldlink-it-pub"))
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	type received struct {
		id      int64
		payload string
	}
	var (
		mu   sync.Mutex
		got  []received
		done = make(chan struct{}, 1)
	)
	topics := sub.Topics()
	err = sub.Subscribe(topics.AllDeviceCommands(), 1, func(topic string, payload []byte) error {
		id, _ := topics.ParseDeviceCommand(topic)
		mu.Lock()
		got = append(got, received{id: id, payload: string(payload)})
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(topics.AllDeviceCommands()) {
		t.Error("subscription not tracked")
	}

	if err := pub.Publish(pub.Topics().DeviceCommand(7), []byte("arm"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("command not received")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].id != 7 || got[0].payload != "arm" {
		t.Errorf("received %+v", got)
	}
}

func TestIntegration_Unsubscribe(t *testing.T) {
	c, err := Connect(integrationConfig(t, "fieldlink-it-unsub"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	topic := c.Topics().DeviceCommand(1)
	if err := c.Subscribe(topic, 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if c.SubscriptionCount() != 1 {
		t.Fatalf("SubscriptionCount() = %d, want 1", c.SubscriptionCount())
	}
	if err := c.Unsubscribe(topic); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Unsubscribe", c.SubscriptionCount())
	}
}
