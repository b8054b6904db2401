// Package logging defines the Logger interface threaded through every
// component, and a default implementation backed by logrus. No
// component reaches for a package-level logger; each is constructed
// with one (see Design Notes on global/process state).
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every component depends on. It mirrors the
// shape the teacher's components were built against, so a caller can
// swap in a test double without touching call sites.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// With returns a logger that tags every subsequent line with the
	// given field, without mutating the receiver.
	With(field string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds the default logger for a node, tagged with its id.
func New(nodeID string) Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: base.WithField("node", nodeID)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) With(field string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(field, value)}
}

// Noop is a logger that discards everything, useful in tests that
// don't want the cluster harness's chatter.
func Noop() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.PanicLevel)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}
