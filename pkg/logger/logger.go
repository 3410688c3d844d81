// Package logger provides structured logging for Canaria, wrapping logrus
// with the level/format/output knobs every subsystem is constructed with.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls how a Logger formats and routes output.
type Config struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
	Output string `json:"output" env:"LOG_OUTPUT"`
}

// Logger wraps logrus.Logger with the component name attached as a field.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a Logger from Config.
func New(cfg Config, component string) *Logger {
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

	var out io.Writer = os.Stdout
	if strings.ToLower(cfg.Output) == "discard" {
		out = io.Discard
	}
	l.SetOutput(out)

	return &Logger{Logger: l, component: component}
}

// NewDefault returns an info-level, text-formatted logger writing to stdout.
func NewDefault(component string) *Logger {
	return New(Config{Level: "info", Format: "text", Output: "stdout"}, component)
}

// With returns a log entry tagged with this logger's component and extra fields.
func (l *Logger) With(fields logrus.Fields) *logrus.Entry {
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// Component returns the name this logger was constructed with.
func (l *Logger) Component() string { return l.component }
