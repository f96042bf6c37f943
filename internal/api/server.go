package api

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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/fieldlink-core/internal/connectivity"
	"github.com/nerrad567/fieldlink-core/internal/hub"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Controller is the set of connectivity operations the API exposes. It is
// satisfied by *connectivity.Manager.
type Controller interface {
	AllStatus(ctx context.Context) []connectivity.Status
	Status(ctx context.Context, deviceUUID uuid.UUID) (connectivity.Status, error)
	SendCommand(ctx context.Context, deviceUUID uuid.UUID, text string) (int64, error)
	History(ctx context.Context, deviceUUID uuid.UUID, q telemetry.HistoryQuery) (connectivity.HistoryPage, error)
	ConnectDevice(ctx context.Context, deviceUUID uuid.UUID, port uint16) (connectivity.Connection, error)
	DisconnectDevice(ctx context.Context, deviceUUID uuid.UUID) (int64, error)
	EnableBroker(ctx context.Context, deviceUUID uuid.UUID, port uint16, enabled bool) (connectivity.BrokerResult, error)
	DisableBroker(ctx context.Context, deviceUUID uuid.UUID) (connectivity.BrokerResult, error)
	Summary() connectivity.Summary
}

// HealthChecker is a dependency reported by /health, such as the database
// or the InfluxDB mirror.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthFunc adapts a function to HealthChecker.
type HealthFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Metrics config.MetricsConfig
	Logger  *logging.Logger
	Manager Controller
	Hub     *hub.Hub

	// Health lists named dependencies checked by /health. "database" is
	// treated as critical: its failure turns the response into a 503.
	Health map[string]HealthChecker

	// Gatherer backs the Prometheus endpoint. Nil disables it.
	Gatherer prometheus.Gatherer

	Version string
}

// Server is the HTTP control API and live stream endpoint.
//
// It manages the HTTP listener, routes and middleware. The server is
// created with New and started with Start.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	metrics   config.MetricsConfig
	logger    *logging.Logger
	manager   Controller
	hub       *hub.Hub
	health    map[string]HealthChecker
	gatherer  prometheus.Gatherer
	version   string
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a new API server with the given dependencies.
// The server is not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("connectivity manager is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("broadcast hub is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		manager:   deps.Manager,
		hub:       deps.Hub,
		health:    deps.Health,
		gatherer:  deps.Gatherer,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in a background goroutine. A bind
// failure is returned directly. The server can be stopped with Close.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete, then
// forcefully closes remaining connections. Live stream connections are
// hijacked and end when the hub closes their subscriptions.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
