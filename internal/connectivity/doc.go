// Package connectivity composes the real-time core: the broker
// orchestrator, the device proxy registry, the ingest pipeline and the
// broadcast hub, behind the operations an operator calls by device UUID.
//
// Manager.Start restores what the directory remembers (last known
// device state, enabled brokers, proxies still flagged connected) and
// starts the background flush loop. Manager.Shutdown reverses it.
//
// Directory write-back (connected flag, socket port, broker settings) is
// best effort: the transport change has already happened when it runs,
// so a failed write is logged rather than returned.
package connectivity
