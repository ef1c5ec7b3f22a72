package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin printf-style facade over zap. Pipeline code logs through
// package-level functions; components that want a tag use WithPrefix.
type Logger struct {
	sugar *zap.SugaredLogger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init configures the default logger from environment variables:
//   - LOG_LEVEL: DEBUG, INFO, WARN or ERROR. Default: INFO
//   - LOG_FORMAT: "json" for production output, anything else for console
func Init() {
	once.Do(func() {
		defaultLogger = newFromEnv()
	})
}

func newFromEnv() *Logger {
	level := zapcore.InfoLevel
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		level = zapcore.DebugLevel
	case "WARN", "WARNING":
		level = zapcore.WarnLevel
	case "ERROR":
		level = zapcore.ErrorLevel
	}

	var cfg zap.Config
	if os.Getenv("LOG_FORMAT") == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	z, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{sugar: z.Sugar()}
}

// New creates a logger wrapping the given zap instance.
func New(z *zap.Logger) *Logger {
	return &Logger{sugar: z.Sugar()}
}

// WithPrefix returns a logger that tags every message with the given name.
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{sugar: l.sugar.Named(prefix)}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes buffered log entries. Call before process exit.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// GetDefault returns the default logger, initializing it if needed.
func GetDefault() *Logger {
	if defaultLogger == nil {
		Init()
	}
	return defaultLogger
}

// IsDebugEnabled reports whether debug logging is enabled on the default logger.
func IsDebugEnabled() bool {
	return GetDefault().sugar.Desugar().Core().Enabled(zapcore.DebugLevel)
}

// Package-level convenience functions using the default logger.

func Debug(format string, args ...interface{}) { GetDefault().Debug(format, args...) }
func Info(format string, args ...interface{})  { GetDefault().Info(format, args...) }
func Warn(format string, args ...interface{})  { GetDefault().Warn(format, args...) }
func Error(format string, args ...interface{}) { GetDefault().Error(format, args...) }

// WithPrefix returns a tagged logger derived from the default logger.
func WithPrefix(prefix string) *Logger {
	return GetDefault().WithPrefix(prefix)
}

// Sync flushes the default logger.
func Sync() {
	if defaultLogger != nil {
		_ = defaultLogger.Sync()
	}
}
