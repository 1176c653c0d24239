package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped logrus entry.
type Logger struct {
	prefix string
	*logrus.Entry
}

var root = newRoot(os.Stdout)

func newRoot(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000000"})
	return l
}

func NewLogger(p string) *Logger {
	return &Logger{prefix: p, Entry: root.WithField("component", p)}
}

// NopLogger discards everything; used by tests and optional collaborators.
func NopLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{Entry: logrus.NewEntry(l)}
}

// SetLevel adjusts the process-wide level ("debug", "info", ...).
func SetLevel(level string) error {
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	root.SetLevel(lv)
	return nil
}

// SetJSON switches the process-wide formatter to JSON lines.
func SetJSON() {
	root.SetFormatter(&logrus.JSONFormatter{})
}

func (l *Logger) With(key string, value any) *Logger {
	return &Logger{prefix: l.prefix, Entry: l.Entry.WithField(key, value)}
}

