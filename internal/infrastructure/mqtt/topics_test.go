package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"status default prefix", Topics{}.SystemStatus(), "fieldlink/system/status"},
		{"status custom prefix", NewTopics("site-a/").SystemStatus(), "site-a/system/status"},
		{"socket event", NewTopics("fieldlink").DeviceEvent(7, "socket"), "fieldlink/devices/7/socket"},
		{"broker event", NewTopics("plant").DeviceEvent(12, "broker"), "plant/devices/12/broker"},
		{"command", Topics{}.DeviceCommand(3), "fieldlink/devices/3/command"},
		{"all commands", NewTopics("plant").AllDeviceCommands(), "plant/devices/+/command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestParseDeviceCommand(t *testing.T) {
	topics := NewTopics("plant")

	tests := []struct {
		topic  string
		wantID int64
		wantOK bool
	}{
		{"plant/devices/7/command", 7, true},
		{"plant/devices/123456/command", 123456, true},
		{"plant/devices/7/socket", 0, false},
		{"plant/devices//command", 0, false},
		{"plant/devices/abc/command", 0, false},
		{"plant/devices/0/command", 0, false},
		{"plant/devices/-4/command", 0, false},
		{"plant/devices/7/8/command", 0, false},
		{"other/devices/7/command", 0, false},
		{"fieldlink/devices/7/command", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, ok := topics.ParseDeviceCommand(tt.topic)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("ParseDeviceCommand(%q) = %d, %v; want %d, %v", tt.topic, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}

	// Round trip through the builder.
	if id, ok := topics.ParseDeviceCommand(topics.DeviceCommand(42)); !ok || id != 42 {
		t.Errorf("round trip = %d, %v", id, ok)
	}
}
