// Package logging provides structured logging for the runnable bridge.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same fields and format.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
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
//	logger.Info("runnable started", "pid", pid)
//	sup.SetLogger(logger.Component("process"))
//
// Never log secrets such as the JWT secret or broker passwords.
package logging
