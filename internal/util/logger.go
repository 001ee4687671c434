package util

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger

// LogConfig selects the level and encoding of the process logger. Empty
// fields fall back to what Env implies: production logs info as JSON,
// everything else logs debug to a colored console.
type LogConfig struct {
	Service string
	Env     string
	Level   string
	Format  string
}

// NewLogger builds a logger tagged with the service and environment
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	production := cfg.Env == "production"

	var config zap.Config
	if production {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		config.Level = level
	}

	switch cfg.Format {
	case "":
	case "json", "console":
		config.Encoding = cfg.Format
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	if config.Encoding == "console" && !production {
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if config.Encoding == "json" {
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	config.InitialFields = map[string]interface{}{}
	if cfg.Service != "" {
		config.InitialFields["service"] = cfg.Service
	}
	if cfg.Env != "" {
		config.InitialFields["env"] = cfg.Env
	}

	return config.Build()
}

// InitLogger initializes the global logger
func InitLogger(cfg LogConfig) error {
	l, err := NewLogger(cfg)
	if err != nil {
		return err
	}

	logger = l
	zap.ReplaceGlobals(logger)
	return nil
}

// GetLogger returns the global logger
func GetLogger() *zap.Logger {
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	if logger != nil {
		_ = logger.Sync()
	}
}
