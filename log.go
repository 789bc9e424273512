package bpmlink

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a text logger on stderr at the named level ("debug",
// "info", "warn", ...).
func NewLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bpmlink: log level: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return logger, nil
}

func componentLogger(cfg Config, name string) logrus.FieldLogger {
	return cfg.Logger.WithField("component", name)
}
