// Package logging wraps zap for the ledger service: one process-wide logger,
// named children per component, and request-scoped loggers carried in a
// context.
package logging

import (
	"context"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// Logger is a wrapper around zap.Logger
type Logger struct {
	*zap.Logger
}

// Config selects level, encoding and output of the service logger.
type Config struct {
	// Level is a zap level name. Unknown names mean info.
	Level string
	// Format is "json" or "console".
	Format string
	// Output is a zap sink path such as "stdout" or a file.
	Output string
	// Development switches to the console-friendly encoder with caller
	// and stack traces, and makes DPanic panic.
	Development bool
	// Service is attached to every entry as the "service" field when set.
	Service string
}

// DefaultConfig logs JSON at info to stdout.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Format:  "json",
		Output:  "stdout",
		Service: "ledger-core",
	}
}

// NewLogger builds a logger for config.
func NewLogger(config Config) (*Logger, error) {
	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	if config.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.Sampling = nil
	zapConfig.DisableCaller = !config.Development
	zapConfig.DisableStacktrace = !config.Development
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	if config.Format != "" {
		zapConfig.Encoding = config.Format
	}
	if config.Output != "" {
		zapConfig.OutputPaths = []string{config.Output}
	}
	if config.Service != "" {
		zapConfig.InitialFields = map[string]interface{}{"service": config.Service}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{logger}, nil
}

// NewLoggerFromEnv reads LOG_LEVEL, LOG_FORMAT, LOG_OUTPUT, LOG_SERVICE and
// LOG_DEV on top of DefaultConfig. LOG_DEV=true defaults the format to console.
func NewLoggerFromEnv() (*Logger, error) {
	config := DefaultConfig()
	if os.Getenv("LOG_DEV") == "true" {
		config.Development = true
		config.Level = "debug"
		config.Format = "console"
	}

	for env, field := range map[string]*string{
		"LOG_LEVEL":   &config.Level,
		"LOG_FORMAT":  &config.Format,
		"LOG_OUTPUT":  &config.Output,
		"LOG_SERVICE": &config.Service,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}

	return NewLogger(config)
}

// NewNoOpLogger creates a logger that discards all logs
func NewNoOpLogger() *Logger {
	return &Logger{zap.NewNop()}
}

// parseLevel accepts zap level names in any case, plus "warning".
func parseLevel(level string) (zapcore.Level, error) {
	if strings.EqualFold(level, "warning") {
		return zapcore.WarnLevel, nil
	}
	parsed, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zapcore.InfoLevel, nil
	}
	return parsed, nil
}

// With creates a child logger with additional fields
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{l.Logger.With(fields...)}
}

// Named creates a child logger with a name
func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}

// NewObservedLogger creates a logger that records entries at or above level
// in memory, for assertions in tests.
func NewObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{zap.New(core)}, logs
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(NewNoOpLogger())
}

// SetGlobal installs the process-wide logger. nil installs a no-op logger.
func SetGlobal(logger *Logger) {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	global.Store(logger)
}

// Global returns the process-wide logger. It discards everything until
// SetGlobal is called.
func Global() *Logger {
	return global.Load()
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying logger.
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger carried by ctx, or the global logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*Logger); ok && logger != nil {
		return logger
	}
	return Global()
}
