// Package proxy bridges a physical device's WebSocket to live viewers.
//
// For every proxied device the Registry keeps a Session with two
// listeners:
//
//   - device-facing, on the device's configured socket port: the device
//     dials in, receives a welcome frame and then streams "field:value"
//     (or "device_id:field:value") text frames, which go to the ingest
//     pipeline. Commands queued for the device are written back as text.
//   - viewer-facing, on ViewerPortBase + device id: each viewer is
//     subscribed to the broadcast hub for this device and receives the
//     device's events as text; whatever a viewer sends is forwarded to
//     the device as a command.
//
// A session moves between awaiting-device and connected as devices come
// and go. Disconnect is a hard reset that closes every socket and both
// listeners.
package proxy
