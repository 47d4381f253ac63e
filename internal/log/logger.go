// Package log wraps logrus with key/value helpers used across the storage
// engine and the arenactl CLI.
package log

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000"

var std atomic.Pointer[logrus.Logger]

func init() {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	std.Store(l)
}

// Logger returns the logger all helpers write to.
func Logger() *logrus.Logger {
	return std.Load()
}

// Replace swaps the process logger and returns the previous one.
func Replace(l *logrus.Logger) *logrus.Logger {
	return std.Swap(l)
}

// SetLogger configures level and format of the process logger.
func SetLogger(level logrus.Level, jsonFormat, colorFormat bool) {
	l := Logger()
	l.SetLevel(level)
	if jsonFormat {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
		return
	}
	l.SetFormatter(&logrus.TextFormatter{
		ForceColors:     colorFormat,
		DisableColors:   !colorFormat,
		ForceQuote:      true,
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
		DisableSorting:  true,
	})
}

// SetOutput redirects the process logger.
func SetOutput(w io.Writer) {
	Logger().SetOutput(w)
}

// ParseLevel maps a level name to a logrus level, falling back to info.
func ParseLevel(name string) logrus.Level {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// WithFields turns alternating key/value arguments into a log entry.
func WithFields(ctx ...interface{}) *logrus.Entry {
	l := Logger()
	length := len(ctx)
	if length%2 != 0 {
		l.Debugf("log fields number %v is not even", length)
	}
	fields := make(logrus.Fields, length/2)
	for k := 0; k+2 <= length; k += 2 {
		key, ok := ctx[k].(string)
		if !ok {
			l.Debugf("log field key '%v' is not string", ctx[k])
			continue
		}
		fields[key] = ctx[k+1]
	}
	return l.WithFields(fields)
}

// Component returns an entry tagged with a component name.
func Component(name string) *logrus.Entry {
	return Logger().WithField("component", name)
}

func Trace(msg string, ctx ...interface{}) {
	WithFields(ctx...).Trace(msg)
}

func Debug(msg string, ctx ...interface{}) {
	WithFields(ctx...).Debug(msg)
}

func Debugf(format string, args ...interface{}) {
	Logger().Debugf(format, args...)
}

func Info(msg string, ctx ...interface{}) {
	WithFields(ctx...).Info(msg)
}

func Infof(format string, args ...interface{}) {
	Logger().Infof(format, args...)
}

func Warn(msg string, ctx ...interface{}) {
	WithFields(ctx...).Warn(msg)
}

func Warnf(format string, args ...interface{}) {
	Logger().Warnf(format, args...)
}

func Error(msg string, ctx ...interface{}) {
	WithFields(ctx...).Error(msg)
}

func Errorf(format string, args ...interface{}) {
	Logger().Errorf(format, args...)
}

func Fatal(msg string, ctx ...interface{}) {
	WithFields(ctx...).Fatal(msg)
}

// Crit is an alias of Fatal.
func Crit(msg string, ctx ...interface{}) {
	Fatal(msg, ctx...)
}
