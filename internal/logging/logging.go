// Package logging holds the process-wide zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process logger. It discards everything until Init is called.
var Log = zap.NewNop()

// Init builds Log from a level ("debug", "info", "warn", "error") and a
// sink ("stderr", "stdout", "off", or "file:<path>"). Unknown levels fall
// back to info.
func Init(level, sink string) (*zap.Logger, error) {
	sink = strings.TrimSpace(sink)
	if sink == "off" {
		Log = zap.NewNop()
		return Log, nil
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch {
	case sink == "" || sink == "stderr":
		cfg.OutputPaths = []string{"stderr"}
	case sink == "stdout":
		cfg.OutputPaths = []string{"stdout"}
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		if path == "" {
			return nil, fmt.Errorf("logging: empty file sink")
		}
		cfg.OutputPaths = []string{path}
		cfg.Encoding = "console"
	default:
		return nil, fmt.Errorf("logging: unknown sink %q", sink)
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	Log = l
	return l, nil
}

// Sync flushes buffered entries.
func Sync() {
	_ = Log.Sync()
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
