package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/fieldlink-core/internal/hub"
)

// Live stream message types.
const (
	StreamTypeWelcome         = "welcome"
	StreamTypePing            = "ping"
	StreamTypePong            = "pong"
	StreamTypeSubscribeDevice = "subscribe_device"
	StreamTypeSubscribed      = "subscribed"
	StreamTypeError           = "error"

	// controlBufferSize is the per-viewer queue of replies to control
	// messages.
	controlBufferSize = 16

	defaultStreamPingInterval = 30 * time.Second
	defaultStreamPongTimeout  = 10 * time.Second
)

// StreamMessage is a control message exchanged on the live stream. Event
// notifications are sent as telemetry envelopes instead.
type StreamMessage struct {
	Type      string     `json:"type"`
	ClientID  string     `json:"client_id,omitempty"`
	DeviceID  *int64     `json:"device_id,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// welcomeMessage always carries device_id, null when unfiltered.
type welcomeMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	DeviceID *int64 `json:"device_id"`
	Message  string `json:"message"`
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// viewer is one live stream connection. The write pump is the only
// goroutine writing to conn.
type viewer struct {
	server  *Server
	conn    *websocket.Conn
	sub     *hub.Subscription
	control chan []byte
	done    chan struct{}
}

// handleStream upgrades to a WebSocket and streams telemetry envelopes
// from the broadcast hub. The optional device_id query parameter limits
// the stream to one device.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var filter *int64
	if v := r.URL.Query().Get("device_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeBadRequest(w, "device_id must be a positive integer")
			return
		}
		filter = &id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	clientID := uuid.NewString()
	v := &viewer{
		server:  s,
		conn:    conn,
		sub:     s.hub.Subscribe(clientID, filter),
		control: make(chan []byte, controlBufferSize),
		done:    make(chan struct{}),
	}
	s.logger.Debug("stream viewer connected", "client_id", clientID, "device_id", filter)

	welcome, _ := json.Marshal(welcomeMessage{ //nolint:errcheck // static struct always marshals
		Type:     StreamTypeWelcome,
		ClientID: clientID,
		DeviceID: filter,
		Message:  "Connected to realtime data stream",
	})
	v.control <- welcome

	go v.writePump()
	v.readPump()
}

func (s *Server) streamPingInterval() time.Duration {
	if s.wsCfg.PingInterval > 0 {
		return time.Duration(s.wsCfg.PingInterval) * time.Second
	}
	return defaultStreamPingInterval
}

func (s *Server) streamPongWait() time.Duration {
	if s.wsCfg.PongTimeout > 0 {
		return time.Duration(s.wsCfg.PongTimeout) * time.Second
	}
	return defaultStreamPongTimeout
}

// readPump handles control messages until the connection fails, then
// removes the viewer from the hub and waits for the write pump.
func (v *viewer) readPump() {
	clientID := v.sub.ClientID()
	defer func() {
		v.server.hub.Unsubscribe(clientID)
		<-v.done
		v.server.logger.Debug("stream viewer disconnected", "client_id", clientID)
	}()

	if v.server.wsCfg.MaxMessageSize > 0 {
		v.conn.SetReadLimit(int64(v.server.wsCfg.MaxMessageSize))
	}
	wait := v.server.streamPingInterval() + v.server.streamPongWait()
	//nolint:errcheck // Best-effort deadline on connection setup
	v.conn.SetReadDeadline(time.Now().Add(wait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, message, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				v.server.logger.Warn("stream read error", "client_id", clientID, "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		v.conn.SetReadDeadline(time.Now().Add(wait))
		if !v.handleMessage(message) {
			return
		}
	}
}

// writePump sends notifications, control replies and pings. It ends when
// the subscription is closed or a write fails.
func (v *viewer) writePump() {
	ticker := time.NewTicker(v.server.streamPingInterval())
	writeWait := v.server.streamPongWait()
	defer func() {
		ticker.Stop()
		v.conn.Close()
		close(v.done)
	}()

	for {
		select {
		case n, ok := <-v.sub.C():
			if !ok {
				//nolint:errcheck // Best-effort close message
				v.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(writeWait))
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.TextMessage, n.Data); err != nil {
				return
			}
		case msg := <-v.control:
			//nolint:errcheck // Best-effort deadline; write error caught below
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one control message. It returns false when the
// viewer should be dropped.
func (v *viewer) handleMessage(data []byte) bool {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return v.reply(StreamMessage{Type: StreamTypeError, Message: "invalid JSON message"})
	}

	switch msg.Type {
	case StreamTypePing:
		now := time.Now().UTC()
		return v.reply(StreamMessage{Type: StreamTypePong, Timestamp: &now})
	case StreamTypeSubscribeDevice:
		if msg.DeviceID != nil && *msg.DeviceID <= 0 {
			msg.DeviceID = nil
		}
		v.sub.SetFilter(msg.DeviceID)
		v.server.logger.Debug("stream viewer changed device", "client_id", v.sub.ClientID(), "device_id", msg.DeviceID)
		return v.reply(StreamMessage{Type: StreamTypeSubscribed, DeviceID: msg.DeviceID})
	default:
		return v.reply(StreamMessage{Type: StreamTypeError, Message: "unknown message type: " + msg.Type})
	}
}

// reply queues a control message. A viewer that stops reading long enough
// to fill the control queue is dropped.
func (v *viewer) reply(msg StreamMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	select {
	case v.control <- data:
		return true
	case <-v.done:
		return false
	default:
		v.server.logger.Warn("stream control queue full, dropping viewer", "client_id", v.sub.ClientID())
		return false
	}
}
