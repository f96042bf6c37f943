package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/fieldlink-core/internal/hub"
	"github.com/nerrad567/fieldlink-core/internal/metrics"
)

// commandDropped labels viewer commands discarded for an absent device.
const commandDropped = "dropped"

// serveViewer handles one viewer dialling the viewer-facing listener.
// The viewer receives this device's events as text and anything it sends
// is forwarded to the device as a command.
func (s *Session) serveViewer(w http.ResponseWriter, r *http.Request) {
	log := s.reg.logger
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("viewer websocket upgrade failed", "device_id", s.deviceID, "error", err)
		return
	}

	clientID := "proxy-" + strconv.FormatInt(s.deviceID, 10) + "-" + uuid.NewString()
	if !s.addViewer(clientID, conn) {
		closeConn(conn, "proxy closed")
		return
	}

	deviceID := s.deviceID
	sub := s.reg.hub.Subscribe(clientID, &deviceID)
	log.Info("viewer connected", "device_id", s.deviceID, "client_id", clientID, "remote_addr", r.RemoteAddr)

	go s.viewerWritePump(conn, sub)
	s.viewerReadPump(conn, clientID)

	s.reg.hub.Unsubscribe(clientID)
	s.removeViewer(clientID)
	conn.Close()
	log.Info("viewer disconnected", "device_id", s.deviceID, "client_id", clientID)
}

// viewerReadPump forwards viewer text to the device until the viewer
// goes away.
func (s *Session) viewerReadPump(conn *websocket.Conn, clientID string) {
	if size := s.reg.wsCfg.MaxMessageSize; size > 0 {
		conn.SetReadLimit(int64(size))
	}
	deadline := s.readDeadline()
	//nolint:errcheck // Best-effort deadline on connection setup
	conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				s.reg.logger.Debug("viewer read ended", "device_id", s.deviceID, "client_id", clientID, "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		conn.SetReadDeadline(deadline())

		if msgType != websocket.TextMessage {
			continue
		}
		s.forwardViewerCommand(clientID, string(data))
	}
}

// forwardViewerCommand queues a viewer command. Commands for a device
// without a live socket are dropped.
func (s *Session) forwardViewerCommand(clientID, text string) {
	err := s.sendCommand(s.ctx, text)
	if err != nil {
		s.reg.metrics.Command(commandDropped)
		s.reg.logger.Warn("viewer command dropped",
			"device_id", s.deviceID,
			"client_id", clientID,
			"error", err,
		)
		return
	}
	s.reg.metrics.Command(metrics.ResultOK)
	s.reg.logger.Debug("viewer command forwarded", "device_id", s.deviceID, "client_id", clientID)
}

// viewerWritePump writes notifications until the subscription is closed
// or a write fails.
func (s *Session) viewerWritePump(conn *websocket.Conn, sub *hub.Subscription) {
	writeWait := s.writeWait()
	ticker := time.NewTicker(s.pingInterval())
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case n, ok := <-sub.C():
			if !ok {
				// Hub removed the viewer
				//nolint:errcheck // Best-effort close message
				conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			text, err := n.Event.ViewerText()
			if err != nil {
				s.reg.logger.Warn("rendering event for viewer failed", "device_id", s.deviceID, "error", err)
				continue
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
