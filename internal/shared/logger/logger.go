// Package logger wraps log/slog with the small set of helpers used
// across smelter: component scoping, context extraction and operation
// lifecycle logging.
package logger

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// OutputFormat represents the log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// LoggerConfig holds configuration for the logger.
type LoggerConfig struct {
	Level     LogLevel     `mapstructure:"level"`
	Format    OutputFormat `mapstructure:"format"`
	AddSource bool         `mapstructure:"add_source"`
	Component string       `mapstructure:"component"`
}

// Logger wraps slog.Logger with domain-specific helpers while staying thin.
type Logger struct {
	*slog.Logger
	config LoggerConfig
}

// New creates a new logger with the provided configuration.
func New(config LoggerConfig) *Logger {
	level := parseLogLevel(config.Level)

	var handler slog.Handler
	if config.Format == FormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     level,
			AddSource: config.AddSource,
		})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			AddSource:  config.AddSource,
			TimeFormat: time.Kitchen,
		})
	}

	l := slog.New(handler)
	if config.Component != "" {
		l = l.With(slog.String("component", config.Component))
	}
	return &Logger{Logger: l, config: config}
}

// NewDevelopment creates a logger optimized for development.
func NewDevelopment(component string) *Logger {
	return New(LoggerConfig{
		Level:     LevelDebug,
		Format:    FormatText,
		AddSource: true,
		Component: component,
	})
}

// NewProduction creates a logger optimized for production.
func NewProduction(component string) *Logger {
	return New(LoggerConfig{
		Level:     LevelInfo,
		Format:    FormatJSON,
		Component: component,
	})
}

// NewNop creates a logger that discards everything. Useful in tests.
func NewNop() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
		config: LoggerConfig{Level: LevelError},
	}
}

func parseLogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Context keys for structured logging.
type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	NodeIDKey    contextKey = "node_id"
	HostnameKey  contextKey = "hostname"
)

// With returns a new logger with additional attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), config: l.config}
}

// WithComponent returns a logger scoped to a sub-component.
func (l *Logger) WithComponent(name string) *Logger {
	cfg := l.config
	cfg.Component = name
	return &Logger{
		Logger: l.Logger.With(slog.String("component", name)),
		config: cfg,
	}
}

// WithContext extracts common fields from context and returns a new logger.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		logger = logger.With(slog.String("request_id", requestID))
	}
	if nodeID, ok := ctx.Value(NodeIDKey).(string); ok && nodeID != "" {
		logger = logger.With(slog.String("node_id", nodeID))
	}
	if hostname, ok := ctx.Value(HostnameKey).(string); ok && hostname != "" {
		logger = logger.With(slog.String("hostname", hostname))
	}

	return &Logger{Logger: logger, config: l.config}
}

// InfoContext logs at Info level with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Info(msg, args...)
}

// DebugContext logs at Debug level with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Debug(msg, args...)
}

// WarnContext logs at Warn level with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.WithContext(ctx).Warn(msg, args...)
}

// ErrorCtx logs an error with automatic context enrichment.
func (l *Logger) ErrorCtx(ctx context.Context, msg string, err error, args ...any) {
	attrs := []any{slog.String("error", err.Error())}
	attrs = append(attrs, args...)
	l.WithContext(ctx).Error(msg, attrs...)
}
