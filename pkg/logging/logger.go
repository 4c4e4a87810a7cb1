// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// MaxRawResponseBytes caps the raw API response attached to error logs.
const MaxRawResponseBytes = 2048

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level, defaulting to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForSubtype derives a logger carrying the pull identity of one worker.
func ForSubtype(base zerolog.Logger, tenantName, dataType, subtype, index string) zerolog.Logger {
	return base.With().
		Str("tenant", tenantName).
		Str("type", dataType).
		Str("subtype", subtype).
		Str("index", index).
		Logger()
}

// RawResponse truncates an API response body for inclusion in a log field.
func RawResponse(body []byte) string {
	if len(body) > MaxRawResponseBytes {
		return string(body[:MaxRawResponseBytes]) + "...(truncated)"
	}
	return string(body)
}

// Log Level Guidelines:
//
// Debug: request flow, cursor status polls, storage writes
// Info: pulled record counts, worker start/stop, cursor creation
// Warn: retries, 409/429 waits, backpressure pauses
// Error: auth/forbidden/protocol failures (always with raw_response)
//
// Context Fields:
//   - tenant: tenant configuration name
//   - type: data type (alert, event)
//   - subtype: subtype being pulled
//   - index: cursor index name
//   - status_code: HTTP status code
//   - error_class: server, rate_limit, conflict, auth, forbidden, client, network
//   - wait_time: sleep before the next pull
//   - hwm: high-water-mark (epoch seconds)
