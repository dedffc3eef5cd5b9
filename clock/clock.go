package clock

import (
	"sync"
	"time"
)

// Clock hands out timestamps for saga records and outbox rows.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Real returns the system clock in UTC.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

// Fake is a manually driven clock, safe for concurrent use.
type Fake struct {
	mutex sync.Mutex
	now   time.Time
}

func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.now
}

func (f *Fake) Set(t time.Time) {
	f.mutex.Lock()
	f.now = t
	f.mutex.Unlock()
}

func (f *Fake) Advance(d time.Duration) {
	f.mutex.Lock()
	f.now = f.now.Add(d)
	f.mutex.Unlock()
}
