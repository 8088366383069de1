// Package logger configures the process-wide structured logger.
package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

func init() {
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
}

// L returns the shared logger.
func L() *logrus.Logger {
	return log
}

// SetLevel parses and applies a log level name ("debug", "info", "warn",
// "error"). Unknown names leave the level unchanged.
func SetLevel(level string) {
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, keeping current")
		return
	}
	log.SetLevel(parsed)
}

// UseJSON switches the formatter to JSON output for machine ingestion.
func UseJSON() {
	log.SetFormatter(&logrus.JSONFormatter{})
}
