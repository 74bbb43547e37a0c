// Package logger builds the process-wide zap logger and carries
// request-scoped loggers through context.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the root logger for env: JSON output in prod,
// colored console output for local development. A non-empty level
// overrides the environment default (info in prod, debug otherwise).
func NewLogger(env string, level ...string) (*zap.Logger, error) {
	override := ""
	if len(level) > 0 {
		override = level[0]
	}

	var cfg zap.Config
	switch env {
	case "prod":
		cfg = zap.NewProductionConfig()
	case "local", "dev", "docker":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown logging environment %q", env)
	}

	if override != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(override)); err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", override, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}
