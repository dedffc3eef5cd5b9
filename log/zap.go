package log

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// NewZapLogger adapts a zap logger to Logger. Level filtering happens here so SetLevel works
// regardless of the level the zap core was built with; trace entries go out as zap debug.
func NewZapLogger(base *zap.Logger) Logger {
	l := &zapLogger{base: base.WithOptions(zap.AddCallerSkip(2)), level: new(uint32)}
	atomic.StoreUint32(l.level, uint32(InfoLevel))

	return l
}

type zapLogger struct {
	base  *zap.Logger
	level *uint32
}

func (z *zapLogger) Log(level Level, v ...interface{}) {
	z.write(level, fmt.Sprint(v...))
}

func (z *zapLogger) Logf(level Level, template string, args ...interface{}) {
	z.write(level, fmt.Sprintf(template, args...))
}

func (z *zapLogger) SetLevel(level Level) {
	atomic.StoreUint32(z.level, uint32(level))
}

func (z *zapLogger) WithFields(fields []Field) Logger {
	zapFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		zapFields[i] = zap.Any(f.Name, f.Val)
	}

	return &zapLogger{base: z.base.With(zapFields...), level: z.level}
}

func (z *zapLogger) write(level Level, msg string) {
	if level > FatalLevel && uint32(level) > atomic.LoadUint32(z.level) {
		return
	}

	switch level {
	case PanicLevel:
		z.base.Panic(msg)
	case FatalLevel:
		z.base.Fatal(msg)
	case ErrorLevel:
		z.base.Error(msg)
	case WarnLevel:
		z.base.Warn(msg)
	case InfoLevel:
		z.base.Info(msg)
	default:
		z.base.Debug(msg)
	}
}
