// Package log provides the context-carried logger used by every component.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
)

type ctxKeyType struct{}

var ctxKey = ctxKeyType{}

// Config controls the root logger's output.
type Config struct {
	// Level is the minimum level to log, e.g. "debug", "info", "warn".
	Level string
	// Format is either "text" or "json".
	Format string
}

// New builds the root logger from cfg.
func New(cfg Config) (*logrus.Logger, error) {
	logger := logrus.New()

	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, invalidLogFormatError{format: cfg.Format}
	}

	level, err := logrus.ParseLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		return nil, err
	}

	logger.SetLevel(level)

	return logger, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}

	return v
}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, ctxKey, logger)
}

// GetLogger returns the logger carried by ctx, or a standalone default
// logger if none was attached.
func GetLogger(ctx context.Context) logrus.FieldLogger {
	if logger, ok := ctx.Value(ctxKey).(logrus.FieldLogger); ok {
		return logger
	}

	return logrus.StandardLogger()
}
