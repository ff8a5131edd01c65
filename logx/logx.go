// Package logx provides the single leveled-logger interface injected into
// every protocol layer. Concrete rendering (color, destination) lives behind
// this interface so the protocol packages never import a logging library
// directly.
package logx

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal leveled-logging surface every package depends on.
type Logger interface {
	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// logrusLogger adapts *logrus.Entry to Logger.
type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// New returns a colorized logrus-backed Logger tagged with component,
// writing to stderr at the given level ("trace", "debug", "info", "warn",
// "error").
func New(component string, level string) Logger {
	base := logrus.New()
	base.Out = os.Stderr
	base.Formatter = &logrus.TextFormatter{
		ForceColors:   true,
		FullTimestamp: true,
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	return &logrusLogger{entry: base.WithField("component", component)}
}

// Nop is a Logger that discards everything, used as the default for
// packages constructed without an explicit logger.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Tracef(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
