// Package log provides a structured logging wrapper around logrus.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger together with the fields bound by Named and With.
// Children share the parent's output and level.
type Logger struct {
	log    *logrus.Logger
	fields logrus.Fields
}

// New creates a logger writing colored text to stdout. The level is read from LOG_LEVEL
// and defaults to info.
func New() *Logger {
	l := NewWithOutput(os.Stdout)
	l.log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     true,
	})
	return l
}

// NewWithOutput creates a logger writing plain text to w
func NewWithOutput(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   true,
	})
	level, ok := parseLevel(os.Getenv("LOG_LEVEL"))
	if !ok {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return &Logger{log: l}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewWithOutput(io.Discard)
}

func parseLevel(s string) (logrus.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel, true
	case "debug":
		return logrus.DebugLevel, true
	case "info":
		return logrus.InfoLevel, true
	case "warn", "warning":
		return logrus.WarnLevel, true
	case "error":
		return logrus.ErrorLevel, true
	case "fatal":
		return logrus.FatalLevel, true
	case "panic":
		return logrus.PanicLevel, true
	}
	return logrus.InfoLevel, false
}

// SetLevel changes the level at runtime. Unknown names are ignored.
func (l *Logger) SetLevel(level string) {
	if lvl, ok := parseLevel(level); ok {
		l.log.SetLevel(lvl)
	}
}

// Level returns the current level name
func (l *Logger) Level() string {
	return l.log.GetLevel().String()
}

// Logrus exposes the underlying logger
func (l *Logger) Logrus() *logrus.Logger {
	return l.log
}

// Named returns a child logger tagging every line with component=name
func (l *Logger) Named(name string) *Logger {
	return l.With(logrus.Fields{"component": name})
}

// With returns a child logger carrying fields on every line
func (l *Logger) With(fields logrus.Fields) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{log: l.log, fields: merged}
}

func (l *Logger) entry(extra logrus.Fields) *logrus.Entry {
	e := logrus.NewEntry(l.log)
	if len(l.fields) > 0 {
		e = e.WithFields(l.fields)
	}
	if len(extra) > 0 {
		e = e.WithFields(extra)
	}
	return e
}

// Trace logs at trace level
func (l *Logger) Trace(format string, v ...interface{}) {
	l.entry(nil).Tracef(format, v...)
}

// Debug logs at debug level
func (l *Logger) Debug(format string, v ...interface{}) {
	l.entry(nil).Debugf(format, v...)
}

// DebugWithFields logs at debug level with extra fields
func (l *Logger) DebugWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry(fields).Debugf(format, v...)
}

// Info logs at info level
func (l *Logger) Info(format string, v ...interface{}) {
	l.entry(nil).Infof(format, v...)
}

// InfoWithFields logs at info level with extra fields
func (l *Logger) InfoWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry(fields).Infof(format, v...)
}

// Warn logs at warn level
func (l *Logger) Warn(format string, v ...interface{}) {
	l.entry(nil).Warnf(format, v...)
}

// WarnWithFields logs at warn level with extra fields
func (l *Logger) WarnWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry(fields).Warnf(format, v...)
}

// Error logs at error level
func (l *Logger) Error(format string, v ...interface{}) {
	l.entry(nil).Errorf(format, v...)
}

// ErrorWithFields logs at error level with extra fields
func (l *Logger) ErrorWithFields(fields logrus.Fields, format string, v ...interface{}) {
	l.entry(fields).Errorf(format, v...)
}

// Fatal logs and exits the process
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.entry(nil).Fatalf(format, v...)
}
