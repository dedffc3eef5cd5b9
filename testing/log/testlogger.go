package log

import (
	"fmt"
	"sync"

	"github.com/clinicflow/bookingsaga/log"
)

//NewNilLogger is used in tests, prints nothing but keeps every entry for assertions
func NewNilLogger() *TestLogger {
	return &TestLogger{entriesStore: &entriesStore{}, level: log.TraceLevel}
}

type entriesStore struct {
	mutex   sync.Mutex
	entries []Entry
}

// Entry is a captured log record.
type Entry struct {
	Msg    string
	Level  log.Level
	Fields []log.Field
}

type TestLogger struct {
	level        log.Level
	fields       []log.Field
	entriesStore *entriesStore
}

func (n *TestLogger) Log(level log.Level, v ...interface{}) {
	n.append(level, fmt.Sprint(v...))
}

func (n *TestLogger) Logf(level log.Level, template string, args ...interface{}) {
	n.append(level, fmt.Sprintf(template, args...))
}

func (n *TestLogger) SetLevel(level log.Level) {
	n.level = level
}

func (n *TestLogger) WithFields(fields []log.Field) log.Logger {
	merged := make([]log.Field, 0, len(n.fields)+len(fields))
	merged = append(merged, n.fields...)
	merged = append(merged, fields...)

	return &TestLogger{
		entriesStore: n.entriesStore,
		level:        n.level,
		fields:       merged,
	}
}

func (n *TestLogger) append(level log.Level, msg string) {
	n.entriesStore.mutex.Lock()
	defer n.entriesStore.mutex.Unlock()

	n.entriesStore.entries = append(n.entriesStore.entries, Entry{Msg: msg, Level: level, Fields: n.fields})
}

func (n *TestLogger) Entries() []Entry {
	n.entriesStore.mutex.Lock()
	defer n.entriesStore.mutex.Unlock()

	r := make([]Entry, len(n.entriesStore.entries))
	copy(r, n.entriesStore.entries)

	return r
}

func (n *TestLogger) Messages() []string {
	entries := n.Entries()
	r := make([]string, len(entries))
	for i := range entries {
		r[i] = entries[i].Msg
	}

	return r
}

// MessagesOf returns messages logged with the given level.
func (n *TestLogger) MessagesOf(level log.Level) []string {
	var r []string
	for _, e := range n.Entries() {
		if e.Level == level {
			r = append(r, e.Msg)
		}
	}

	return r
}

func (n *TestLogger) LastMessage() string {
	entries := n.Entries()
	if len(entries) > 0 {
		return entries[len(entries)-1].Msg
	}

	return ""
}

func (n *TestLogger) Clear() {
	n.entriesStore.mutex.Lock()
	defer n.entriesStore.mutex.Unlock()

	n.entriesStore.entries = make([]Entry, 0)
	n.fields = nil
}
