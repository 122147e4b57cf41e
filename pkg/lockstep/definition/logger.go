// Package definition holds the ambient defaults a host can override:
// the logger and the metrics registry. Grounded on
// pkg/mcast/definition/default_logger.go, rebuilt over logrus instead of
// the teacher's bare *log.Logger (see SPEC_FULL.md §3 "Logging").
package definition

import (
	"github.com/sirupsen/logrus"
)

// Logger is the interface every lockstep package logs through. A host can
// supply its own implementation (e.g. wrapping its own logger) at
// session construction time.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	ToggleDebug(value bool) bool
}

// DefaultLogger is the logger used when the host provides none.
type DefaultLogger struct {
	entry *logrus.Logger
}

// NewDefaultLogger builds a DefaultLogger writing to stderr with the
// logrus text formatter, level Info until ToggleDebug(true).
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return &DefaultLogger{entry: l}
}

func (l *DefaultLogger) Info(v ...interface{})  { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{}) { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})  { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{}) { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

func (l *DefaultLogger) Debug(v ...interface{}) {
	l.entry.Debug(v...)
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

func (l *DefaultLogger) Fatal(v ...interface{}) { l.entry.Fatal(v...) }

func (l *DefaultLogger) Fatalf(format string, v ...interface{}) {
	l.entry.Fatalf(format, v...)
}

// ToggleDebug flips the logger between Info and Debug level, mirroring
// the teacher's debug-gated Debug/Debugf (default_logger.go).
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.SetLevel(logrus.InfoLevel)
	}
	return value
}
