// Package broker implements the per-device wire broker and the
// orchestrator that runs one broker per broker-enabled device.
//
// A Broker is deliberately minimal. It writes a CONNACK as soon as a TCP
// connection is accepted, then reads control packets:
//
//   - PUBLISH frames are decoded (ReadFrame), their payload sanitized and
//     parsed as JSON (or wrapped as raw text), and emitted as Messages
//   - QoS 1/2 publishes are answered with a 4-byte PUBACK
//   - PINGREQ is answered with PINGRESP, DISCONNECT closes the connection
//
// No credentials, sessions or subscriptions exist. Any MQTT 3.1.1 client
// that only publishes can talk to it.
//
// The Orchestrator maps device ids to brokers. Enable is idempotent,
// Disable of an unknown device is a no-op, and every received message is
// turned into a broker-transport telemetry.Event for the ingest pipeline
// before being republished to direct subscribers.
package broker
