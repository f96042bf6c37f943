// Package device is the connectivity core's view of the device directory.
//
// The directory itself belongs to the wider platform. This package reads
// the transport configuration of a device (socket port, broker port,
// broker enablement), lists devices to resume at start-up, and writes back
// the connectivity flag when a proxy is opened or torn down.
//
// Two implementations exist: SQLiteDirectory for single-node installs and
// PostgresDirectory for shared deployments. Both satisfy Directory.
package device
