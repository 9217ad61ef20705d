package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/runbox/config"
)

// ServiceName is attached to every log entry
const ServiceName = "runbox"

// NewFromConfig builds the application logger from the logging section. The
// returned level changes the logger's verbosity at runtime and serves
// GET/PUT {"level":"debug"} over HTTP.
func NewFromConfig(cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	return Build(cfg.Logging.Mode, cfg.Logging.Level)
}

// New creates a logger for mode ("production" or "development") at level
func New(mode, level string) (*zap.Logger, error) {
	logger, _, err := Build(mode, level)
	return logger, err
}

// Build is New that also returns the adjustable level
func Build(mode, level string) (*zap.Logger, zap.AtomicLevel, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		// job output can be large; keep stack traces for errors only
		cfg.DisableStacktrace = true
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid logging level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	fields := []zap.Field{zap.String("service", ServiceName)}
	if host, err := os.Hostname(); err == nil {
		// tells instances apart when sessions are relayed
		fields = append(fields, zap.String("host", host))
	}

	logger, err := cfg.Build(zap.Fields(fields...))
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, cfg.Level, nil
}
