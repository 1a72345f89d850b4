package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the storage engine's zap logger with helpers for the fields
// module events carry.
type Logger struct {
	*zap.Logger
}

// Config selects the encoder preset, the level and the sinks.
type Config struct {
	Level       string // debug, info, warn or error
	Development bool
	OutputPaths []string
}

const stderr = "stderr"

// DefaultConfig writes JSON records at info level to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", OutputPaths: []string{stderr}}
}

// DevelopmentConfig writes colored console lines at debug level to stderr
// and attaches stack traces to warnings.
func DevelopmentConfig() Config {
	return Config{Level: "debug", Development: true, OutputPaths: []string{stderr}}
}

// Preset returns DevelopmentConfig or DefaultConfig. A non-empty level or
// output list replaces the preset's.
func Preset(development bool, level string, outputs []string) Config {
	cfg := DefaultConfig()
	if development {
		cfg = DevelopmentConfig()
	}
	if level != "" {
		cfg.Level = level
	}
	if len(outputs) > 0 {
		cfg.OutputPaths = outputs
	}
	return cfg
}

// New builds a logger from cfg. Stdout is refused as a sink since command
// results are written there.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{stderr}
	}
	for _, out := range outputs {
		if out == "stdout" {
			return nil, fmt.Errorf("log output %q is reserved for command results", out)
		}
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.MessageKey = "message"
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = outputs
	zc.ErrorOutputPaths = []string{stderr}
	// every discarded module and deferred delete must reach the log
	zc.Sampling = nil

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Wrap adapts an existing zap logger, e.g. one built by zaptest.
func Wrap(l *zap.Logger) *Logger {
	if l == nil {
		return NewNop()
	}
	return &Logger{Logger: l}
}

// Named returns a child logger for a component.
func (l *Logger) Named(name string) *Logger {
	return &Logger{Logger: l.Logger.Named(name)}
}

// Module returns a child logger carrying module identity fields.
func (l *Logger) Module(id int64, location string) *Logger {
	return &Logger{Logger: l.With(zap.Int64("module_id", id), zap.String("location", location))}
}
