package log

// Level is a severity of a log entry. Lower value means more severe.
type Level uint32

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
	TraceLevel
)

// Field is a key/value pair attached to every entry of a logger created by WithFields.
type Field struct {
	Name string
	Val  interface{}
}

// Logger is the logging contract used across the booking saga packages.
type Logger interface {
	Log(level Level, v ...interface{})
	Logf(level Level, template string, args ...interface{})
	SetLevel(level Level)
	WithFields(fields []Field) Logger
}

var levelNames = map[Level]string{
	PanicLevel: "panic",
	FatalLevel: "fatal",
	ErrorLevel: "error",
	WarnLevel:  "warn",
	InfoLevel:  "info",
	DebugLevel: "debug",
	TraceLevel: "trace",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}

	return "unknown"
}

// ParseLevel converts a level name from configuration, falls back to InfoLevel.
func ParseLevel(name string) Level {
	for lvl, n := range levelNames {
		if n == name {
			return lvl
		}
	}

	return InfoLevel
}
