package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/nerrad567/fieldlink-core/internal/broker"
	"github.com/nerrad567/fieldlink-core/internal/connectivity"
	"github.com/nerrad567/fieldlink-core/internal/proxy"
	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

func devicePath(suffix string) string {
	return "/api/v1/devices/" + knownUUID.String() + "/realtime" + suffix
}

func TestAllStatus(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/v1/devices/realtime/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got AllStatusResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Total != 1 || len(got.Devices) != 1 || got.Devices[0].DeviceID != 7 {
		t.Errorf("response = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp missing")
	}
}

func TestAllStatusEmptyIsArray(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.devices = nil

	_, body := env.do(t, http.MethodGet, "/api/v1/devices/realtime/status", "")
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["devices"]) != "[]" {
		t.Errorf("devices = %s, want []", raw["devices"])
	}
}

func TestDeviceStatus(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, devicePath("/status"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"device_id", "device_uuid", "status", "data", "socket_connected", "broker_running", "viewer_port", "last_update"} {
		if _, ok := got[key]; !ok {
			t.Errorf("response missing %q: %s", key, body)
		}
	}
	if got["status"] != connectivity.StatusConnected {
		t.Errorf("status = %v", got["status"])
	}
}

func TestDeviceRequestErrors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		ctrlErr  error
		wantCode int
		wantErr  string
	}{
		{"invalid uuid", http.MethodGet, "/api/v1/devices/not-a-uuid/realtime/status", "", nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown device status", http.MethodGet, "/api/v1/devices/" + unknownUUID.String() + "/realtime/status", "", nil, http.StatusNotFound, ErrCodeNotFound},
		{"unknown device history", http.MethodGet, "/api/v1/devices/" + unknownUUID.String() + "/realtime/history", "", nil, http.StatusNotFound, ErrCodeNotFound},
		{"unknown device disconnect", http.MethodPost, "/api/v1/devices/" + unknownUUID.String() + "/realtime/disconnect", "", nil, http.StatusNotFound, ErrCodeNotFound},
		{"command not connected", http.MethodPost, devicePath("/command"), `{"command":"led:on"}`, fmt.Errorf("device 7: %w", proxy.ErrNotConnected), http.StatusConflict, ErrCodeNotConnected},
		{"connect without port", http.MethodPost, devicePath("/socket/connect"), `{}`, connectivity.ErrSocketPortRequired, http.StatusBadRequest, ErrCodeValidation},
		{"connect bind failure", http.MethodPost, devicePath("/socket/connect"), `{"port":9001}`, fmt.Errorf("%w: port 9001", proxy.ErrBind), http.StatusConflict, ErrCodePortUnavailable},
		{"connect viewer port range", http.MethodPost, devicePath("/socket/connect"), `{"port":9001}`, proxy.ErrPortRange, http.StatusBadRequest, ErrCodeValidation},
		{"broker without port", http.MethodPost, devicePath("/broker/enable"), `{}`, connectivity.ErrBrokerPortRequired, http.StatusBadRequest, ErrCodeValidation},
		{"broker bind failure", http.MethodPost, devicePath("/broker/enable"), `{"port":1883}`, fmt.Errorf("%w: port 1883", broker.ErrBind), http.StatusConflict, ErrCodePortUnavailable},
		{"unexpected failure", http.MethodPost, devicePath("/broker/disable"), "", fmt.Errorf("disk on fire"), http.StatusInternalServerError, ErrCodeInternal},
		{"port out of range", http.MethodPost, devicePath("/socket/connect"), `{"port":70000}`, nil, http.StatusBadRequest, ErrCodeValidation},
		{"negative port", http.MethodPost, devicePath("/broker/enable"), `{"port":-1}`, nil, http.StatusBadRequest, ErrCodeValidation},
		{"malformed json", http.MethodPost, devicePath("/socket/connect"), `{"port":`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"empty command body", http.MethodPost, devicePath("/command"), "", nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"empty command", http.MethodPost, devicePath("/command"), `{"command":""}`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"bad limit", http.MethodGet, devicePath("/history?limit=abc"), "", nil, http.StatusBadRequest, ErrCodeValidation},
		{"negative offset", http.MethodGet, devicePath("/history?offset=-1"), "", nil, http.StatusBadRequest, ErrCodeValidation},
		{"unknown transport", http.MethodGet, devicePath("/history?transport=carrier-pigeon"), "", nil, http.StatusBadRequest, ErrCodeValidation},
		{"wrong method", http.MethodGet, devicePath("/command"), "", nil, http.StatusMethodNotAllowed, ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.ctrl.err = tt.ctrlErr

			resp, body := env.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantCode, body)
			}
			if e := decodeError(t, body); e.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", e.Code, tt.wantErr)
			}
			if got := resp.Header.Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q", got)
			}
		})
	}
}

func TestSendCommand(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"object body", `{"command":"led:on"}`, "led:on"},
		{"bare string", `"reboot"`, "reboot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			resp, body := env.do(t, http.MethodPost, devicePath("/command"), tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
			}
			var got CommandResponse
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatal(err)
			}
			if !got.CommandSent || got.DeviceID != 7 || got.Command != tt.want {
				t.Errorf("response = %+v", got)
			}
			if len(env.ctrl.commands) != 1 || env.ctrl.commands[0] != tt.want {
				t.Errorf("delivered %v", env.ctrl.commands)
			}
		})
	}
}

func TestHistoryQueryParams(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		want      telemetry.HistoryQuery
		wantLimit int
	}{
		{"defaults", "", telemetry.HistoryQuery{}, telemetry.DefaultHistoryLimit},
		{"explicit", "?limit=20&offset=40&transport=broker", telemetry.HistoryQuery{Limit: 20, Offset: 40, Transport: telemetry.TransportBroker}, 20},
		{"limit clamped", "?limit=5000", telemetry.HistoryQuery{Limit: 5000}, telemetry.MaxHistoryLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			resp, body := env.do(t, http.MethodGet, devicePath("/history"+tt.query), "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
			}
			if len(env.ctrl.history) != 1 || env.ctrl.history[0] != tt.want {
				t.Errorf("query = %+v, want %+v", env.ctrl.history, tt.want)
			}

			var page map[string]any
			if err := json.Unmarshal(body, &page); err != nil {
				t.Fatal(err)
			}
			if page["limit"] != float64(tt.wantLimit) {
				t.Errorf("limit = %v, want %d", page["limit"], tt.wantLimit)
			}
			if data, ok := page["data"].([]any); !ok || len(data) != 0 {
				t.Errorf("data = %v, want empty array", page["data"])
			}
		})
	}
}

func TestConnectSocket(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantPort uint16
	}{
		{"explicit port", `{"port":9001}`, 9001},
		{"stored port", `{}`, 0},
		{"no body", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			resp, body := env.do(t, http.MethodPost, devicePath("/socket/connect"), tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
			}
			if len(env.ctrl.connects) != 1 || env.ctrl.connects[0] != tt.wantPort {
				t.Errorf("ConnectDevice port = %v, want %d", env.ctrl.connects, tt.wantPort)
			}
			var got connectivity.Connection
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatal(err)
			}
			if got.ViewerPort != 2340 {
				t.Errorf("viewer_port = %d, want 2340", got.ViewerPort)
			}
		})
	}
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, devicePath("/disconnect"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got DisconnectResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != 7 {
		t.Errorf("device_id = %d", got.DeviceID)
	}
}

func TestEnableBroker(t *testing.T) {
	tests := []struct {
		name string
		body string
		want brokerCall
	}{
		{"enabled defaults to true", `{"port":1883}`, brokerCall{1883, true}},
		{"explicit disable of setting", `{"port":1883,"enabled":false}`, brokerCall{1883, false}},
		{"stored port", "", brokerCall{0, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			resp, body := env.do(t, http.MethodPost, devicePath("/broker/enable"), tt.body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
			}
			if len(env.ctrl.brokerArgs) != 1 || env.ctrl.brokerArgs[0] != tt.want {
				t.Errorf("EnableBroker args = %v, want %v", env.ctrl.brokerArgs, tt.want)
			}
		})
	}
}

func TestDisableBroker(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, devicePath("/broker/disable"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got connectivity.BrokerResult
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != 7 || got.Running {
		t.Errorf("result = %+v", got)
	}
}
