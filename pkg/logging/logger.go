// Package logging provides structured logging utilities using zap.
// It wraps zap to provide consistent logging across the retry-dispatcher
// core and its adapters.
package logging

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	// TraceIDKey is the context key for the active trace ID.
	TraceIDKey contextKey = "trace_id"
	// SpanIDKey is the context key for the active span ID.
	SpanIDKey contextKey = "span_id"
)

// Logger wraps zap.Logger with additional functionality.
type Logger struct {
	*zap.Logger
	component string
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Config represents logger configuration.
type Config struct {
	Level       string   `json:"level" mapstructure:"level"`
	Development bool     `json:"development" mapstructure:"development"`
	Component   string   `json:"component" mapstructure:"component"`
	OutputPaths []string `json:"output_paths" mapstructure:"output_paths"`
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig(component string) *Config {
	return &Config{
		Level:       "info",
		Development: false,
		Component:   component,
		OutputPaths: []string{"stdout"},
	}
}

// NewLogger creates a new Logger instance with the given configuration.
func NewLogger(cfg *Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writers []zapcore.WriteSyncer
	for _, path := range cfg.OutputPaths {
		switch path {
		case "stdout":
			writers = append(writers, zapcore.AddSync(os.Stdout))
		case "stderr":
			writers = append(writers, zapcore.AddSync(os.Stderr))
		default:
			file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return nil, err
			}
			writers = append(writers, zapcore.AddSync(file))
		}
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.NewMultiWriteSyncer(writers...),
		level,
	)

	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	zapLogger = zapLogger.With(zap.String("component", cfg.Component))

	return &Logger{Logger: zapLogger, component: cfg.Component}, nil
}

// Init initializes the default logger with the given configuration.
func Init(cfg *Config) error {
	var err error
	once.Do(func() {
		defaultLogger, err = NewLogger(cfg)
	})
	return err
}

// Default returns the default logger instance, creating a development
// logger lazily if none was initialized.
func Default() *Logger {
	if defaultLogger == nil {
		cfg := DefaultConfig("retry-dispatcher")
		cfg.Development = true
		logger, _ := NewLogger(cfg)
		defaultLogger = logger
	}
	return defaultLogger
}

// WithContext returns a logger enriched with the active trace/span IDs.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := make([]zap.Field, 0, 2)

	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if spanID, ok := ctx.Value(SpanIDKey).(string); ok && spanID != "" {
		fields = append(fields, zap.String("span_id", spanID))
	}
	if len(fields) == 0 {
		return l
	}

	return &Logger{Logger: l.Logger.With(fields...), component: l.component}
}

// WithFields returns a logger with additional structured fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &Logger{Logger: l.Logger.With(zapFields...), component: l.component}
}

// WithError returns a logger with an error field attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Logger: l.Logger.With(zap.Error(err)), component: l.component}
}
