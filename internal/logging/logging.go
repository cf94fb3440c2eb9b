// Package logging wraps logrus with the agent's standard configuration.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger so callers depend on this package, not logrus
// directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level and output format.
type Config struct {
	Level  string
	Format string
}

// New builds a Logger writing to stdout.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// NewDefault builds an info-level, text-formatted logger.
func NewDefault() *Logger {
	return New(Config{Level: "info", Format: "text"})
}

// WithField returns a new log entry carrying one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new log entry carrying several fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// MaskEmail returns a privacy-reduced form of a user identifier for logs
// (first three characters plus length), since emails here are frequently
// Telegram numeric ids and full values do not need to appear in logs.
func MaskEmail(email string) string {
	if len(email) <= 3 {
		return "***"
	}
	return email[:3] + "…(" + itoa(len(email)) + ")"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
