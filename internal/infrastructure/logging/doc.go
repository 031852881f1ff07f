// Package logging provides structured logging for the Mi Home bridge.
//
// This package wraps Go's standard log/slog package so every component
// logs with the same fields and format.
//
// # Features
//
//   - JSON output for production, text output for development
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
//	logger := logging.New(cfg.Logging, "1.0.0")
//	transport.SetLogger(logger.Component("transport"))
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log gateway keys, derived write keys or the JWT secret. Gateway
// tokens rotate every few seconds and are safe to log at debug level.
package logging
