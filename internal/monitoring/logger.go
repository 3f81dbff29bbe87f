package monitoring

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

// Logf is the package-level diagnostic logger. It defaults to the structured
// logger at info level but may be replaced by SetLogger. Tests or production
// code can redirect or mute it.
var Logf func(format string, v ...interface{}) = logger.Infof

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger returns the structured logger shared by the session components.
func Logger() *logrus.Logger { return logger }

// Configure sets the level ("debug", "info", "warn", ...) and output format
// ("text" or "json") of the structured logger.
func Configure(level, format string, out io.Writer) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		return fmt.Errorf("log format %q: want text or json", format)
	}
	if out != nil {
		logger.SetOutput(out)
	}
	return nil
}

// WithFrame returns an entry tagged with the frame index and phase.
func WithFrame(index int, phase fmt.Stringer) *logrus.Entry {
	return logger.WithFields(logrus.Fields{"frame": index, "phase": phase.String()})
}

// WithTrial returns an entry tagged with the trial index.
func WithTrial(index int) *logrus.Entry {
	return logger.WithField("trial", index)
}

// TimingViolation logs a warning when a stage overran its per-frame budget
// and reports whether it did. It never fails the caller.
func TimingViolation(entry *logrus.Entry, stage string, took, budget time.Duration) bool {
	if budget <= 0 || took <= budget {
		return false
	}
	if entry == nil {
		entry = logrus.NewEntry(logger)
	}
	entry.WithFields(logrus.Fields{
		"stage":     stage,
		"took_ms":   took.Seconds() * 1000,
		"budget_ms": budget.Seconds() * 1000,
	}).Warn("timing violation")
	return true
}
