package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// welcomeMessage is the first frame a device receives.
type welcomeMessage struct {
	Type     string `json:"type"`
	DeviceID int64  `json:"device_id"`
	Message  string `json:"message"`
}

// deviceLink is one accepted device socket and its command channel. The
// channel is never closed; done signals that the link is gone.
type deviceLink struct {
	conn     *websocket.Conn
	commands chan string
	done     chan struct{}
	once     sync.Once
}

func newDeviceLink(conn *websocket.Conn, buffer int) *deviceLink {
	return &deviceLink{
		conn:     conn,
		commands: make(chan string, buffer),
		done:     make(chan struct{}),
	}
}

// stop closes the socket and releases both loops. Safe to call repeatedly.
func (l *deviceLink) stop() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// shutdown sends a close frame before stopping.
func (l *deviceLink) shutdown(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	//nolint:errcheck // Best-effort close frame
	l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	l.stop()
}

// serveDevice handles one device dialling the device-facing listener.
// A device that reconnects while its previous socket is still live
// replaces it.
func (s *Session) serveDevice(w http.ResponseWriter, r *http.Request) {
	log := s.reg.logger
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("device websocket upgrade failed", "device_id", s.deviceID, "error", err)
		return
	}
	remote := r.RemoteAddr

	welcome := welcomeMessage{
		Type:     "welcome",
		DeviceID: s.deviceID,
		Message:  "connected to fieldlink",
	}
	//nolint:errcheck // Best-effort deadline; write error caught below
	conn.SetWriteDeadline(time.Now().Add(s.writeWait()))
	if err := conn.WriteJSON(welcome); err != nil {
		log.Warn("sending welcome to device failed", "device_id", s.deviceID, "remote_addr", remote, "error", err)
		conn.Close()
		return
	}

	link := newDeviceLink(conn, s.reg.cfg.CommandBuffer)
	prev, ok := s.attach(link)
	if !ok {
		closeConn(conn, "proxy closed")
		return
	}
	if prev != nil {
		log.Info("device reconnected, replacing previous socket", "device_id", s.deviceID, "remote_addr", remote)
		prev.shutdown("replaced by new connection")
	}
	s.reg.updateConnected()
	log.Info("device connected", "device_id", s.deviceID, "remote_addr", remote)

	err = s.runDevice(link)

	link.stop()
	if s.detach(link) {
		s.reg.updateConnected()
	}
	if err != nil && !isExpectedClose(err) && !errors.Is(err, context.Canceled) {
		log.Warn("device connection ended", "device_id", s.deviceID, "remote_addr", remote, "error", err)
		return
	}
	log.Info("device disconnected", "device_id", s.deviceID, "remote_addr", remote)
}

// runDevice runs the read and write loops until either ends.
func (s *Session) runDevice(link *deviceLink) error {
	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		defer link.stop()
		return s.readDevice(ctx, link)
	})
	g.Go(func() error {
		defer link.stop()
		return s.writeDevice(ctx, link)
	})
	return g.Wait()
}

// readDevice feeds every text frame to the ingest pipeline. Frames are
// processed in arrival order.
func (s *Session) readDevice(ctx context.Context, link *deviceLink) error {
	conn := link.conn
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
			return transportClosed("device read", err)
		}
		//nolint:errcheck // Best-effort deadline reset
		conn.SetReadDeadline(deadline())

		if msgType != websocket.TextMessage {
			s.reg.logger.Debug("ignoring non-text device frame", "device_id", s.deviceID, "type", msgType)
			continue
		}

		text := string(data)
		if err := s.reg.ingest.IngestFrame(ctx, s.deviceID, text); err != nil {
			if errors.Is(err, telemetry.ErrParse) {
				s.reg.logger.Warn("unparseable device frame", "device_id", s.deviceID, "frame", text)
				continue
			}
			s.reg.logger.Warn("device frame not persisted", "device_id", s.deviceID, "error", err)
		}
	}
}

// writeDevice drains the command channel and keeps the socket alive.
func (s *Session) writeDevice(ctx context.Context, link *deviceLink) error {
	conn := link.conn
	writeWait := s.writeWait()
	ticker := time.NewTicker(s.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-link.done:
			return nil
		case cmd := <-link.commands:
			//nolint:errcheck // Best-effort deadline; write error caught below
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
				return transportClosed("device write", err)
			}
			s.reg.logger.Debug("command sent to device", "device_id", s.deviceID, "command", cmd)
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return transportClosed("device ping", err)
			}
		}
	}
}

// readDeadline returns a function computing the next read deadline.
func (s *Session) readDeadline() func() time.Time {
	wait := s.pingInterval() + s.writeWait()
	return func() time.Time { return time.Now().Add(wait) }
}

func (s *Session) pingInterval() time.Duration {
	if d := s.reg.wsCfg.PingIntervalDuration(); d > 0 {
		return d
	}
	return defaultPingInterval
}

// writeWait bounds every write and is also the pong grace period.
func (s *Session) writeWait() time.Duration {
	if d := s.reg.wsCfg.PongTimeoutDuration(); d > 0 {
		return d
	}
	return defaultPongTimeout
}
