// control/logger.go
// Author: momentics <momentics@gmail.com>
//
// Logger construction from LogConfig.

package control

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a logrus logger writing to out.
func NewLogger(cfg LogConfig, out io.Writer) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(out)
	if err := ApplyLogConfig(l, cfg); err != nil {
		return nil, err
	}
	return l, nil
}

// ApplyLogConfig updates level and formatter of an existing logger, so a
// reload takes effect without replacing loggers already handed out.
func ApplyLogConfig(l *logrus.Logger, cfg LogConfig) error {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		lv, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		level = lv
	}
	switch cfg.Format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return fmt.Errorf("unknown log format %q", cfg.Format)
	}
	l.SetLevel(level)
	return nil
}
