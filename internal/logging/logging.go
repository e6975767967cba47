package logging

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/safety"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// #region config
// Config selects the logger encoding and level.
type Config struct {
	Level       string // debug | info | warn | error
	Development bool   // console encoder instead of JSON
}

// DefaultConfig returns production JSON logging at info.
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// #endregion config

// #region constructor
// New builds a zap logger for the controller processes.
func New(cfg Config) (*zap.Logger, error) {
	var lvl zapcore.Level
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("fieldsafe"), nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// #endregion constructor

// #region fields
// Shared keys so every package logs safety events the same way.
const (
	KeyLevel     = "safety_level"
	KeySession   = "session_id"
	KeyOutcome   = "outcome"
	KeyRule      = "rule"
	KeyMagnitude = "magnitude"
	KeyState     = "state"
)

// SafetyLevel tags a log line with a level's wire key.
func SafetyLevel(l safety.Level) zap.Field {
	return zap.String(KeyLevel, l.String())
}

// Session tags a log line with a session ID.
func Session(id string) zap.Field {
	return zap.String(KeySession, id)
}

// Millis renders a duration as float milliseconds under key.
func Millis(key string, d time.Duration) zap.Field {
	return zap.Float64(key, float64(d)/float64(time.Millisecond))
}

// #endregion fields
