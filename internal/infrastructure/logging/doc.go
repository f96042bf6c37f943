// Package logging provides structured logging for the fieldlink service.
//
// It wraps log/slog so every component logs through the same handler with
// the same default fields.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("proxy").Info("device connected", "device_id", 7)
//
// Never log device commands verbatim at info level; they may carry
// operator-supplied secrets. Debug level is acceptable.
package logging
