package log

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
)

const defaultPrefix = "[bookingsaga] "

//DefaultLogger returns a stdlib backed logger, used when nothing else is configured
func DefaultLogger(output io.Writer) Logger {
	l := &defaultLogger{
		internalLogger: log.New(output, defaultPrefix, log.Ldate|log.Ltime|log.Lmicroseconds),
		level:          new(uint32),
	}
	atomic.StoreUint32(l.level, uint32(InfoLevel))

	return l
}

type defaultLogger struct {
	internalLogger *log.Logger
	level          *uint32
	fields         []Field
}

func (l defaultLogger) Log(level Level, v ...interface{}) {
	msg := l.format(level, fmt.Sprint(v...))

	if level == FatalLevel {
		l.internalLogger.Fatal(msg)
		return
	}

	if level == PanicLevel {
		_ = l.internalLogger.Output(2, msg)
		panic(fmt.Sprint(v...))
	}

	if uint32(level) <= atomic.LoadUint32(l.level) {
		if err := l.internalLogger.Output(3, msg); err != nil {
			l.internalLogger.Printf("err logging an entry: %s. %s\n", err, v)
		}
	}
}

func (l defaultLogger) Logf(level Level, template string, args ...interface{}) {
	l.Log(level, fmt.Sprintf(template, args...))
}

func (l *defaultLogger) SetLevel(level Level) {
	atomic.StoreUint32(l.level, uint32(level))
}

func (l *defaultLogger) WithFields(fields []Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)

	return &defaultLogger{
		internalLogger: l.internalLogger,
		level:          l.level,
		fields:         merged,
	}
}

func (l defaultLogger) format(level Level, msg string) string {
	if len(l.fields) == 0 {
		return fmt.Sprintf("%s [%s]", level, msg)
	}

	pairs := make([]string, len(l.fields))
	for i, f := range l.fields {
		pairs[i] = fmt.Sprintf("%s=%v", f.Name, f.Val)
	}

	return fmt.Sprintf("%s [%s]  [%s]", level, strings.Join(pairs, " "), msg)
}
