package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nerrad567/fieldlink-core/internal/broker"
	"github.com/nerrad567/fieldlink-core/internal/connectivity"
	"github.com/nerrad567/fieldlink-core/internal/device"
	"github.com/nerrad567/fieldlink-core/internal/proxy"
	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// AllStatusResponse is the body of GET /devices/realtime/status.
type AllStatusResponse struct {
	Devices   []connectivity.Status `json:"devices"`
	Total     int                   `json:"total"`
	Timestamp time.Time             `json:"timestamp"`
}

// CommandRequest is the body of POST /devices/{uuid}/realtime/command.
// A bare JSON string is accepted as the command too.
type CommandRequest struct {
	Command string `json:"command"`
}

// CommandResponse reports a delivered command.
type CommandResponse struct {
	DeviceID    int64     `json:"device_id"`
	Command     string    `json:"command"`
	CommandSent bool      `json:"command_sent"`
	Timestamp   time.Time `json:"timestamp"`
}

// ConnectRequest is the body of POST /devices/{uuid}/realtime/socket/connect.
// A zero or missing port falls back to the port stored for the device.
type ConnectRequest struct {
	Port int `json:"port"`
}

// BrokerRequest is the body of POST /devices/{uuid}/realtime/broker/enable.
// Enabled defaults to true when omitted.
type BrokerRequest struct {
	Port    int   `json:"port"`
	Enabled *bool `json:"enabled"`
}

// DisconnectResponse reports a torn-down device.
type DisconnectResponse struct {
	DeviceID int64  `json:"device_id"`
	Message  string `json:"message"`
}

func (s *Server) handleAllStatus(w http.ResponseWriter, r *http.Request) {
	devices := s.manager.AllStatus(r.Context())
	if devices == nil {
		devices = []connectivity.Status{}
	}
	writeJSON(w, http.StatusOK, AllStatusResponse{
		Devices:   devices,
		Total:     len(devices),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceUUID(w, r)
	if !ok {
		return
	}
	st, err := s.manager.Status(r.Context(), id)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceUUID(w, r)
	if !ok {
		return
	}
	command, err := decodeCommand(r.Body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	deviceID, err := s.manager.SendCommand(r.Context(), id, command)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{
		DeviceID:    deviceID,
		Command:     command,
		CommandSent: true,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceUUID(w, r)
	if !ok {
		return
	}

	q, err := parseHistoryQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	page, err := s.manager.History(r.Context(), id, q)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleConnectSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceUUID(w, r)
	if !ok {
		return
	}
	var req ConnectRequest
	if err := decodeOptionalJSON(r.Body, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	port, err := portValue(req.Port)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}

	conn, err := s.manager.ConnectDevice(r.Context(), id, port)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceUUID(w, r)
	if !ok {
		return
	}
	deviceID, err := s.manager.DisconnectDevice(r.Context(), id)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DisconnectResponse{
		DeviceID: deviceID,
		Message:  "device disconnected",
	})
}

func (s *Server) handleEnableBroker(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceUUID(w, r)
	if !ok {
		return
	}
	var req BrokerRequest
	if err := decodeOptionalJSON(r.Body, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	port, err := portValue(req.Port)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	enabled := req.Enabled == nil || *req.Enabled

	res, err := s.manager.EnableBroker(r.Context(), id, port, enabled)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDisableBroker(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceUUID(w, r)
	if !ok {
		return
	}
	res, err := s.manager.DisableBroker(r.Context(), id)
	if err != nil {
		s.writeManagerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// deviceUUID parses the {uuid} path parameter, writing a 400 on failure.
func deviceUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "uuid")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid device uuid %q", raw))
		return uuid.Nil, false
	}
	return id, true
}

// writeManagerError maps connectivity errors onto HTTP responses.
func (s *Server) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, connectivity.ErrSocketPortRequired),
		errors.Is(err, connectivity.ErrBrokerPortRequired),
		errors.Is(err, proxy.ErrPortRange):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, proxy.ErrNotConnected):
		writeError(w, http.StatusConflict, ErrCodeNotConnected, "device is not connected")
	case errors.Is(err, proxy.ErrBind), errors.Is(err, broker.ErrBind):
		writeError(w, http.StatusConflict, ErrCodePortUnavailable, err.Error())
	default:
		s.logger.Error("connectivity operation failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
		writeInternalError(w, "internal server error")
	}
}

// decodeCommand reads {"command": "..."} or a bare JSON string.
func decodeCommand(body io.Reader) (string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", errors.New("request body is required")
	}

	var command string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &command); err != nil {
			return "", fmt.Errorf("invalid JSON: %w", err)
		}
	} else {
		var req CommandRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return "", fmt.Errorf("invalid JSON: %w", err)
		}
		command = req.Command
	}

	if command == "" {
		return "", errors.New("command is required")
	}
	return command, nil
}

// decodeOptionalJSON decodes body into v. An empty body leaves v unchanged.
func decodeOptionalJSON(body io.Reader, v any) error {
	err := json.NewDecoder(body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON: %w", err)
}

func portValue(p int) (uint16, error) {
	if p < 0 || p > math.MaxUint16 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return uint16(p), nil // #nosec G115 -- range checked above
}

func parseHistoryQuery(r *http.Request) (telemetry.HistoryQuery, error) {
	var q telemetry.HistoryQuery
	values := r.URL.Query()

	if v := values.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("limit must be an integer")
		}
		q.Limit = n
	}
	if v := values.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	if v := strings.TrimSpace(values.Get("transport")); v != "" {
		t, err := telemetry.ParseTransport(v)
		if err != nil {
			return q, err
		}
		q.Transport = t
	}
	return q, nil
}
