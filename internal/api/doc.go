// Package api implements the HTTP control API and the live stream endpoint.
//
// This package provides:
//   - realtime device endpoints (status, command, history, socket connect,
//     disconnect, broker enable/disable) addressed by device UUID
//   - the /realtime/ws live stream backed by the broadcast hub
//   - /health with dependency checks and /metrics (JSON and Prometheus)
//   - middleware stack (request ID, logging, recovery, CORS, body limit)
//   - TLS support for production deployments
//
// All routes live under /api/v1. Errors use the envelope
//
//	{"error": {"code": "device_not_connected", "message": "..."}}
//
// # Live stream
//
// A viewer connects to /api/v1/realtime/ws, optionally with ?device_id=N,
// and receives a welcome frame followed by one telemetry envelope per
// event. It can send {"type":"ping"} and
// {"type":"subscribe_device","device_id":N} (null for all devices).
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
