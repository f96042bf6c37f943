package broker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/fieldlink-core/internal/metrics"
	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// Logger is the logging interface used by brokers and the orchestrator.
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

// Defaults applied by New when a Config field is zero.
const (
	defaultMessageBuffer = 1000
	defaultMaxFrameSize  = 256 * 1024
	writeTimeout         = 5 * time.Second
)

// Config configures one wire broker.
type Config struct {
	// BindHost is the listen address; empty listens on all interfaces.
	BindHost string

	// Port is the TCP port. 0 picks a free port (see Addr).
	Port int

	// MessageBuffer is the capacity of the Messages channel.
	MessageBuffer int

	// MaxFrameSize bounds a single frame body.
	MaxFrameSize int
}

// Message is one publish received from a client.
type Message struct {
	ClientID  string
	Topic     string
	Payload   any
	Timestamp time.Time
}

// ClientInfo describes a live broker client.
type ClientInfo struct {
	ClientID    string    `json:"client_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Broker is a minimal publish-receiving TCP service for one device.
//
// It acknowledges every connection immediately, decodes PUBLISH frames
// into Messages and answers keep-alive pings. No sessions, credentials or
// subscriptions are modelled.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Stop ends the accept loop only; accepted connections run until the
//     peer disconnects or errors.
type Broker struct {
	cfg     Config
	logger  Logger
	metrics *metrics.Metrics
	now     func() time.Time

	messages chan Message

	mu       sync.Mutex
	listener net.Listener
	running  bool
	stopped  bool
	done     chan struct{}

	clientsMu sync.RWMutex
	clients   map[string]*ClientInfo
}

// New creates a broker. It does not listen until Start is called.
func New(cfg Config) *Broker {
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = defaultMessageBuffer
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = defaultMaxFrameSize
	}
	return &Broker{
		cfg:      cfg,
		logger:   noopLogger{},
		now:      time.Now,
		messages: make(chan Message, cfg.MessageBuffer),
		done:     make(chan struct{}),
		clients:  make(map[string]*ClientInfo),
	}
}

// SetLogger sets the logger. Call before Start.
func (b *Broker) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// SetMetrics attaches collectors. Call before Start.
func (b *Broker) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// Start binds the listener and spawns the accept loop.
// A port already in use is reported as ErrBind.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrStopped
	}
	if b.running {
		return ErrAlreadyRunning
	}

	addr := net.JoinHostPort(b.cfg.BindHost, strconv.Itoa(b.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: port %d: %w", ErrBind, b.cfg.Port, err)
	}

	b.listener = ln
	b.running = true
	go b.acceptLoop(ln)

	b.logger.Info("wire broker listening", "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener. It is safe to call more than once and before
// Start.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.stopped = true
	b.running = false
	close(b.done)

	if b.listener != nil {
		if err := b.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			b.logger.Warn("closing broker listener", "error", err)
		}
		b.logger.Info("wire broker stopped", "addr", b.listener.Addr().String())
	}
}

// IsRunning reports whether the broker has started and not been stopped.
func (b *Broker) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Addr returns the bound address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Messages returns the channel of received publishes. It is never closed;
// use Done to detect Stop.
func (b *Broker) Messages() <-chan Message {
	return b.messages
}

// Done is closed when Stop is called.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Clients returns the live clients ordered by id.
func (b *Broker) Clients() []ClientInfo {
	b.clientsMu.RLock()
	out := make([]ClientInfo, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, *c)
	}
	b.clientsMu.RUnlock()

	slices.SortFunc(out, func(a, c ClientInfo) int {
		return strings.Compare(a.ClientID, c.ClientID)
	})
	return out
}

func (b *Broker) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				b.logger.Warn("broker accept timeout", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			b.logger.Error("broker accept failed", "error", err)
			return
		}
		go b.handleConn(conn)
	}
}

func (b *Broker) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	clientID := "client_" + remote
	log := b.logger

	defer func() {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug("closing broker client", "client_id", clientID, "error", err)
		}
	}()

	b.addClient(clientID, remote)
	defer b.removeClient(clientID)
	log.Info("broker client connected", "client_id", clientID)

	if err := b.write(conn, connAck); err != nil {
		log.Warn("sending connack failed", "client_id", clientID, "error", err)
		return
	}

	r := bufio.NewReader(conn)
	for {
		frame, err := ReadFrame(r, b.cfg.MaxFrameSize)
		if errors.Is(err, ErrFrameTooLarge) {
			b.metrics.BrokerFrame("oversized")
			log.Warn("oversized frame discarded", "client_id", clientID, "error", err)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info("broker client disconnected", "client_id", clientID)
			} else {
				log.Warn("broker client read failed", "client_id", clientID, "error", err)
			}
			return
		}

		b.touchClient(clientID)
		b.metrics.BrokerFrame(frame.Kind.String())

		switch frame.Kind {
		case KindPublish:
			b.emit(Message{
				ClientID:  clientID,
				Topic:     frame.Topic,
				Payload:   telemetry.DecodeBrokerPayload(frame.Payload),
				Timestamp: b.now(),
			})
			if frame.NeedsAck() {
				if err := b.write(conn, pubAck(frame.PacketID)); err != nil {
					log.Warn("sending puback failed", "client_id", clientID, "error", err)
					return
				}
			}
		case KindPingReq:
			if err := b.write(conn, pingResp); err != nil {
				log.Warn("sending pingresp failed", "client_id", clientID, "error", err)
				return
			}
		case KindDisconnect:
			log.Info("broker client sent disconnect", "client_id", clientID)
			return
		case KindConnect, KindOther:
		}
	}
}

// emit queues msg without blocking; a full channel drops it.
func (b *Broker) emit(msg Message) {
	select {
	case b.messages <- msg:
	default:
		b.metrics.BrokerFrame("dropped")
		b.logger.Warn("broker message channel full, message dropped", "client_id", msg.ClientID)
	}
}

func (b *Broker) write(conn net.Conn, p []byte) error {
	//nolint:errcheck // Best-effort deadline; write error caught below
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(p)
	return err
}

func (b *Broker) addClient(clientID, remote string) {
	now := b.now()
	b.clientsMu.Lock()
	b.clients[clientID] = &ClientInfo{
		ClientID:    clientID,
		RemoteAddr:  remote,
		ConnectedAt: now,
		LastSeen:    now,
	}
	b.clientsMu.Unlock()
}

func (b *Broker) touchClient(clientID string) {
	now := b.now()
	b.clientsMu.Lock()
	if c, ok := b.clients[clientID]; ok {
		c.LastSeen = now
	}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(clientID string) {
	b.clientsMu.Lock()
	delete(b.clients, clientID)
	b.clientsMu.Unlock()
}
