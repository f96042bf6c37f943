package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the lifecycle position of a session.
type State string

const (
	// StateAwaitingDevice means the listeners are open and no device
	// socket is live.
	StateAwaitingDevice State = "awaiting_device"

	// StateConnected means a device socket is live.
	StateConnected State = "connected"
)

// Info is a point-in-time view of a session.
type Info struct {
	DeviceID    int64     `json:"device_id"`
	DeviceUUID  uuid.UUID `json:"device_uuid"`
	DevicePort  int       `json:"device_port"`
	ViewerPort  int       `json:"viewer_port"`
	State       State     `json:"state"`
	Viewers     int       `json:"viewers"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	readHeaderTimeout   = 10 * time.Second
	closeGracePeriod    = time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// upgrader accepts WebSocket connections on both listeners.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Listeners are per device; origin is not meaningful here
		return true
	},
}

// Session bridges one device socket to any number of viewer sockets.
type Session struct {
	reg        *Registry
	deviceID   int64
	deviceUUID uuid.UUID
	devicePort int
	viewerPort int
	createdAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc

	deviceSrv *http.Server
	viewerSrv *http.Server
	deviceLn  net.Listener
	viewerLn  net.Listener

	mu          sync.Mutex
	link        *deviceLink
	connectedAt time.Time
	viewers     map[string]*websocket.Conn
	closed      bool
}

func newSession(r *Registry, deviceID int64, deviceUUID uuid.UUID, devicePort, viewerPort int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		reg:        r,
		deviceID:   deviceID,
		deviceUUID: deviceUUID,
		devicePort: devicePort,
		viewerPort: viewerPort,
		createdAt:  time.Now().UTC(),
		ctx:        ctx,
		cancel:     cancel,
		viewers:    make(map[string]*websocket.Conn),
	}
}

// open binds both listeners and starts serving. Either bind failing
// leaves nothing open.
func (s *Session) open() error {
	deviceLn, err := net.Listen("tcp", net.JoinHostPort(s.reg.cfg.DeviceBindHost, strconv.Itoa(s.devicePort)))
	if err != nil {
		return fmt.Errorf("%w: device port %d: %w", ErrBind, s.devicePort, err)
	}
	viewerLn, err := net.Listen("tcp", net.JoinHostPort(s.reg.cfg.ViewerBindHost, strconv.Itoa(s.viewerPort)))
	if err != nil {
		deviceLn.Close()
		return fmt.Errorf("%w: viewer port %d: %w", ErrBind, s.viewerPort, err)
	}

	s.deviceLn = deviceLn
	s.viewerLn = viewerLn
	s.deviceSrv = &http.Server{
		Handler:           http.HandlerFunc(s.serveDevice),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.viewerSrv = &http.Server{
		Handler:           http.HandlerFunc(s.serveViewer),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go s.serve(s.deviceSrv, deviceLn, "device")
	go s.serve(s.viewerSrv, viewerLn, "viewer")
	return nil
}

func (s *Session) serve(srv *http.Server, ln net.Listener, side string) {
	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.reg.logger.Error("proxy listener failed",
			"device_id", s.deviceID,
			"side", side,
			"addr", ln.Addr().String(),
			"error", err,
		)
	}
}

// Connected reports whether a device socket is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		DeviceID:   s.deviceID,
		DeviceUUID: s.deviceUUID,
		DevicePort: s.devicePort,
		ViewerPort: s.viewerPort,
		State:      StateAwaitingDevice,
		Viewers:    len(s.viewers),
		CreatedAt:  s.createdAt,
	}
	if s.link != nil {
		info.State = StateConnected
		info.ConnectedAt = s.connectedAt
	}
	return info
}

// attach makes link the live device socket and returns the one it
// replaces. It fails when the session is closed.
func (s *Session) attach(link *deviceLink) (*deviceLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	prev := s.link
	s.link = link
	s.connectedAt = time.Now().UTC()
	return prev, true
}

// detach clears link if it is still the live device socket.
func (s *Session) detach(link *deviceLink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != link {
		return false
	}
	s.link = nil
	s.connectedAt = time.Time{}
	return true
}

func (s *Session) currentLink() *deviceLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *Session) addViewer(clientID string, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.viewers[clientID] = conn
	return true
}

func (s *Session) removeViewer(clientID string) {
	s.mu.Lock()
	delete(s.viewers, clientID)
	s.mu.Unlock()
}

// sendCommand queues text on the live device's command channel. It
// blocks while the channel is full, until the device goes away or ctx
// ends.
func (s *Session) sendCommand(ctx context.Context, text string) error {
	link := s.currentLink()
	if link == nil {
		return fmt.Errorf("%w: device %d", ErrNotConnected, s.deviceID)
	}
	select {
	case link.commands <- text:
		return nil
	case <-link.done:
		return fmt.Errorf("%w: device %d", ErrNotConnected, s.deviceID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close is the hard reset: listeners stop, the device gets a close frame
// and every socket is closed.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	link := s.link
	s.link = nil
	viewers := s.viewers
	s.viewers = make(map[string]*websocket.Conn)
	s.mu.Unlock()

	// The close frame goes out before the loops are cancelled.
	if link != nil {
		link.shutdown("proxy disconnected")
	}
	s.cancel()
	for _, srv := range []*http.Server{s.deviceSrv, s.viewerSrv} {
		if srv != nil {
			if err := srv.Close(); err != nil {
				s.reg.logger.Debug("closing proxy server", "device_id", s.deviceID, "error", err)
			}
		}
	}
	// Serve may not have registered its listener yet; the ports must be
	// free when close returns.
	for _, ln := range []net.Listener{s.deviceLn, s.viewerLn} {
		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.reg.logger.Debug("closing proxy listener", "device_id", s.deviceID, "error", err)
			}
		}
	}

	for clientID, conn := range viewers {
		closeConn(conn, "proxy disconnected")
		s.reg.hub.Unsubscribe(clientID)
	}
}

// closeConn sends a best-effort close frame and closes conn.
func closeConn(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	//nolint:errcheck // Best-effort close frame
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	conn.Close()
}

// transportClosed wraps a loop-ending error.
func transportClosed(side string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransportClosed, side, err)
}

// isExpectedClose reports whether err is an orderly end of a connection.
func isExpectedClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
		return false
	}
	return errors.Is(err, net.ErrClosed)
}
