// Package logger provides the production core.Logger implementation backed
// by logrus. Components receive a core.Logger by injection; this adapter is
// constructed once at startup from the logging configuration.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/openroute/gasflow/core"
)

// LogrusLogger adapts a logrus entry to the core.Logger interface.
type LogrusLogger struct {
	entry *logrus.Entry
}

// New builds a logger from the logging configuration. Unknown levels fall
// back to info; unknown formats fall back to JSON.
func New(cfg core.LoggingConfig) *LogrusLogger {
	return NewWithOutput(cfg, os.Stdout)
}

// NewWithOutput builds a logger writing to the given sink. Used by tests.
func NewWithOutput(cfg core.LoggingConfig, out io.Writer) *LogrusLogger {
	l := logrus.New()
	l.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

func (l *LogrusLogger) Info(msg string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Info(msg)
}

func (l *LogrusLogger) Error(msg string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Error(msg)
}

func (l *LogrusLogger) Warn(msg string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Warn(msg)
}

func (l *LogrusLogger) Debug(msg string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(msg)
}

// WithComponent returns a child logger tagged with the component name.
func (l *LogrusLogger) WithComponent(component string) core.Logger {
	return &LogrusLogger{entry: l.entry.WithField("component", component)}
}
