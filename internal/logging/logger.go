// Package logging provides a structured logging system based on zap.
// It supports configurable log levels and output formats (JSON/text).
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

// Config holds logging configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

func init() {
	// Usable before Init is called.
	logger, _ = zap.NewDevelopment()
}

// Init initializes the logging system with the given configuration.
// It should be called early in the application startup.
func Init(cfg *Config) error {
	l := New(cfg)

	mu.Lock()
	logger = l
	mu.Unlock()

	// Libraries logging through the standard library end up in zap.
	if _, err := zap.RedirectStdLogAt(l.With(zap.String("source", "stdlib")), zapcore.WarnLevel); err != nil {
		return err
	}
	return nil
}

// New builds a logger from cfg without installing it globally.
func New(cfg *Config) *zap.Logger {
	core := zapcore.NewCore(
		createEncoder(cfg.Format),
		zapcore.AddSync(os.Stderr),
		parseLevel(cfg.Level),
	)
	return zap.New(core, zap.AddCaller())
}

// OrDefault returns l, or the global logger when l is nil.
func OrDefault(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return L()
}

// parseLevel maps a level name onto zap, defaulting to info.
func parseLevel(level string) zapcore.Level {
	if strings.EqualFold(level, "warning") {
		return zapcore.WarnLevel
	}
	l, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// createEncoder returns a JSON encoder for "json" and a colored console
// encoder for anything else.
func createEncoder(format string) zapcore.Encoder {
	if strings.EqualFold(format, "json") {
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "timestamp"
		ec.MessageKey = "message"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(ec)
	}

	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05")
	return zapcore.NewConsoleEncoder(ec)
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}

// L returns the global zap.Logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Field helpers used across the engine.

// SandboxID tags a log entry with the sandbox identifier.
func SandboxID(id string) zap.Field {
	return zap.String("sandbox_id", id)
}

// Agent tags a log entry with the agent type.
func Agent(agent string) zap.Field {
	return zap.String("agent_type", agent)
}

// Image tags a log entry with an image reference.
func Image(ref string) zap.Field {
	return zap.String("image", ref)
}
