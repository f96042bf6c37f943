package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string              `json:"timestamp"`
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Runtime       RuntimeMetrics      `json:"runtime"`
	Connectivity  ConnectivityMetrics `json:"connectivity"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// ConnectivityMetrics contains live component counts.
type ConnectivityMetrics struct {
	StartedAt        *time.Time `json:"started_at,omitempty"`
	DevicesWithState int        `json:"devices_with_state"`
	ProxySessions    int        `json:"proxy_sessions"`
	DevicesConnected int        `json:"devices_connected"`
	BrokersRunning   int        `json:"brokers_running"`
	Viewers          int        `json:"viewers"`
	PendingEvents    int        `json:"pending_events"`
}

// handleMetrics returns runtime and component metrics as JSON.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	sum := s.manager.Summary()
	conn := ConnectivityMetrics{
		DevicesWithState: sum.DevicesWithState,
		ProxySessions:    sum.ProxySessions,
		DevicesConnected: sum.DevicesConnected,
		BrokersRunning:   sum.BrokersRunning,
		Viewers:          sum.Viewers,
		PendingEvents:    sum.PendingEvents,
	}
	if !sum.StartedAt.IsZero() {
		started := sum.StartedAt.UTC()
		conn.StartedAt = &started
	}

	writeJSON(w, http.StatusOK, SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Connectivity: conn,
	})
}
