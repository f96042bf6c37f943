package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthCheckTimeout bounds each dependency check made by /health.
const healthCheckTimeout = 3 * time.Second

// criticalDependency is the health entry whose failure makes the service
// unhealthy rather than degraded.
const criticalDependency = "database"

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeBadRequest, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		if s.metrics.Enabled && s.gatherer != nil {
			r.Handle(s.metricsPath(), promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}

		r.Route("/devices", func(r chi.Router) {
			r.Get("/realtime/status", s.handleAllStatus)

			r.Route("/{uuid}/realtime", func(r chi.Router) {
				r.Get("/status", s.handleDeviceStatus)
				r.Post("/command", s.handleSendCommand)
				r.Get("/history", s.handleHistory)
				r.Post("/socket/connect", s.handleConnectSocket)
				r.Post("/disconnect", s.handleDisconnect)
				r.Post("/broker/enable", s.handleEnableBroker)
				r.Post("/broker/disable", s.handleDisableBroker)
			})
		})

		r.Get(s.streamPath(), s.handleStream)
	})

	return r
}

func (s *Server) metricsPath() string {
	if s.metrics.Path == "" || s.metrics.Path == "/metrics" {
		return "/metrics/prometheus"
	}
	return s.metrics.Path
}

func (s *Server) streamPath() string {
	if s.wsCfg.Path == "" {
		return "/realtime/ws"
	}
	return s.wsCfg.Path
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string                      `json:"status"`
	Version      string                      `json:"version"`
	Dependencies map[string]DependencyHealth `json:"dependencies"`
	Components   HealthComponents            `json:"components"`
	Timestamp    time.Time                   `json:"timestamp"`
}

// DependencyHealth is the result of one dependency check.
type DependencyHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthComponents are live component counts.
type HealthComponents struct {
	DevicesConnected int `json:"devices_connected"`
	ProxySessions    int `json:"proxy_sessions"`
	BrokersRunning   int `json:"brokers_running"`
	Viewers          int `json:"viewers"`
	PendingEvents    int `json:"pending_events"`
}

// Health states.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthDown     = "down"
)

// handleHealth checks every dependency and reports component counts.
// A failed database makes the response a 503; any other failed dependency
// reports "degraded" with a 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       healthOK,
		Version:      s.version,
		Dependencies: make(map[string]DependencyHealth, len(s.health)),
		Timestamp:    time.Now().UTC(),
	}

	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.health[name].HealthCheck(ctx)
		cancel()

		if err == nil {
			resp.Dependencies[name] = DependencyHealth{Status: healthOK}
			continue
		}
		resp.Dependencies[name] = DependencyHealth{Status: healthDown, Error: err.Error()}
		if name == criticalDependency {
			resp.Status = healthDown
		} else if resp.Status == healthOK {
			resp.Status = healthDegraded
		}
	}

	sum := s.manager.Summary()
	resp.Components = HealthComponents{
		DevicesConnected: sum.DevicesConnected,
		ProxySessions:    sum.ProxySessions,
		BrokersRunning:   sum.BrokersRunning,
		Viewers:          sum.Viewers,
		PendingEvents:    sum.PendingEvents,
	}

	status := http.StatusOK
	if resp.Status == healthDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
