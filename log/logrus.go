package log

import (
	"github.com/sirupsen/logrus"
)

// NewLogrusLogger adapts a logrus logger. Levels map one to one, SetLevel changes the level of
// the underlying logger.
func NewLogrusLogger(base *logrus.Logger) Logger {
	return &logrusLogger{base: base, entry: logrus.NewEntry(base)}
}

type logrusLogger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

func (l *logrusLogger) Log(level Level, v ...interface{}) {
	l.entry.Log(logrus.Level(level), v...)
}

func (l *logrusLogger) Logf(level Level, template string, args ...interface{}) {
	l.entry.Logf(logrus.Level(level), template, args...)
}

func (l *logrusLogger) SetLevel(level Level) {
	l.base.SetLevel(logrus.Level(level))
}

func (l *logrusLogger) WithFields(fields []Field) Logger {
	logrusFields := make(logrus.Fields, len(fields))
	for _, f := range fields {
		logrusFields[f.Name] = f.Val
	}

	return &logrusLogger{base: l.base, entry: l.entry.WithFields(logrusFields)}
}
