package logger

import (
	"github.com/cozy-creator/plate-gateway/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvProd = "prod"
	EnvTest = "test"
)

var logger *zap.Logger

// NewLogger picks the zap preset for the configured environment: production
// JSON for prod, the example logger for tests and the development console
// logger everywhere else.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)

	switch cfg.Environment {
	case EnvProd:
		l, err = zap.NewProduction()
	case EnvTest:
		l = zap.NewExample()
	default:
		dev := zap.NewDevelopmentConfig()
		dev.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		l, err = dev.Build()
	}

	return l, err
}

func MustNewLogger(cfg *config.Config) *zap.Logger {
	return zap.Must(NewLogger(cfg))
}

// InitLogger builds the process-wide logger and returns it.
func InitLogger(cfg *config.Config) (*zap.Logger, error) {
	l, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	logger = l
	zap.ReplaceGlobals(l)
	return l, nil
}

// GetLogger returns the process-wide logger, or a no-op logger before
// InitLogger ran.
func GetLogger() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}

	return logger
}
