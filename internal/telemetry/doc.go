// Package telemetry is the ingest and state pipeline of the connectivity
// core.
//
// Every inbound message, whichever transport it arrived on, becomes an
// Event and passes through Pipeline.Process, which
//
//   - persists it immediately (first event of a device, or once per
//     cooldown) or buffers it for the periodic flush,
//   - shallow-merges object payloads into the in-memory device state,
//   - publishes it to the unified stream (the broadcast hub, relay and
//     time-series mirror).
//
// Device-facing frames are "field:value" or "device_id:field:value" text
// and are parsed by ParseFrame. Broker payloads are decoded by
// DecodeBrokerPayload.
//
// Persistence goes through the Sink and Store interfaces, implemented by
// SQLiteStore and PostgresStore.
package telemetry
