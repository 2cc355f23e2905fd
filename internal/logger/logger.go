// Package logger configures the process-wide logrus logger.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Init sets the global level and format. format is "json" (timestamp,
// level and message keys) or "text".
func Init(level, format string) error {
	return InitWriter(os.Stdout, level, format)
}

// InitWriter is Init with an explicit output.
func InitWriter(w io.Writer, level, format string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	switch format {
	case "", "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log format %q: want json or text", format)
	}

	logrus.SetOutput(w)
	logrus.SetLevel(lvl)
	return nil
}
