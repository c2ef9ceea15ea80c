package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds a zap logger for the given environment. Production uses JSON
// encoding with sampling; anything else gets the development console encoder.
// The caller owns the returned logger and passes it into components
// explicitly; there is no package-level instance.
func New(level, environment string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = true
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = lvl

	return cfg.Build()
}
