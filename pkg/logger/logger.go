package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig contains options for constructing the process logger.
type LoggerConfig struct {
	Debug bool
}

// NewLogger creates a production zap logger, dropping the level to debug
// when cfg.Debug is set.
func NewLogger(cfg *LoggerConfig) (*zap.Logger, error) {
	c := zap.NewProductionConfig()
	if cfg.Debug {
		c.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return c.Build()
}

// NewNoopLogger returns a logger that discards everything. Used in tests
// that do not care about log output.
func NewNoopLogger() *zap.Logger {
	return zap.NewNop()
}
