package log

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	if err := Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")); err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.Warnf("Ignoring logging environment: %v", err)
	}
}

// Configure sets the level (DEBUG, INFO, WARN, ERROR; default INFO) and the
// format ("text" or "json"; default text) of the shared logger.
func Configure(level, format string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}
	return nil
}

func parseLevel(level string) (logrus.Level, error) {
	switch strings.ToUpper(level) {
	case "", "INFO":
		return logrus.InfoLevel, nil
	case "DEBUG":
		return logrus.DebugLevel, nil
	case "WARN", "WARNING":
		return logrus.WarnLevel, nil
	case "ERROR":
		return logrus.ErrorLevel, nil
	}
	return logrus.InfoLevel, fmt.Errorf("unknown log level '%s'", level)
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
