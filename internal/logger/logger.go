package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. format is "json" or "console"; empty
// means console.
func NewLogger(level string, format string) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
		// Drop and restart warnings repeat per instrument and must all reach the log.
		cfg.Sampling = nil
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// ForInstrument scopes a logger to one instrument so per-instrument failures
// can be told apart from process-wide ones.
func ForInstrument(l *zap.Logger, instrument string) *zap.Logger {
	return l.With(zap.String("instrument", instrument))
}
