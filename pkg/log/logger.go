// Package log provides structured logging utilities for the grin-miner client.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	// Parse log level
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value("request_id"); reqID != nil {
		logger = logger.With("request_id", reqID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithDevice returns a logger with device-specific fields
func (l *Logger) WithDevice(deviceID, family string) *Logger {
	return l.WithFields("device_id", deviceID, "device_family", family)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, height uint64) *Logger {
	return l.WithFields("job_id", jobID, "height", height)
}

// WithShare returns a logger with share-specific fields
func (l *Logger) WithShare(shareID string, difficulty uint64) *Logger {
	return l.WithFields("share_id", shareID, "difficulty", difficulty)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Mining-specific logging helpers

// LogJobReceived logs an incoming mining job
func (l *Logger) LogJobReceived(jobID string, height, difficulty uint64) {
	l.Info("job received",
		"job_id", jobID,
		"height", height,
		"difficulty", difficulty,
	)
}

// LogSolutionFound logs a solution surfacing from a device
func (l *Logger) LogSolutionFound(deviceID, jobID string, height, nonce uint64) {
	l.Info("solution found",
		"device_id", deviceID,
		"job_id", jobID,
		"height", height,
		"nonce", nonce,
	)
}

// LogShareResult logs the server's verdict on a submitted share
func (l *Logger) LogShareResult(shareID, jobID, status, reason string) {
	l.Info("share result",
		"share_id", shareID,
		"job_id", jobID,
		"status", status,
		"reason", reason,
	)
}

// LogDeviceEvent logs device lifecycle events
func (l *Logger) LogDeviceEvent(deviceID, event string) {
	l.Info("device event",
		"device_id", deviceID,
		"event", event,
	)
}
