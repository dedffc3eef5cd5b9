package outbox

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/clinicflow/bookingsaga/clock"
)

// MemoryStore is a process local Store, it ignores the transaction argument.
type MemoryStore struct {
	mutex  sync.Mutex
	events map[string]*Event
	seq    map[string]int
	next   int
	clock  clock.Clock
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}

	return &MemoryStore{
		events: make(map[string]*Event),
		seq:    make(map[string]int),
		clock:  c,
	}
}

func (m *MemoryStore) CreateEvent(ctx context.Context, _ Execer, payload Payload, topic, correlationID string) (*Event, error) {
	ev, err := NewEvent(payload, topic, correlationID, m.clock.Now())
	if err != nil {
		return nil, errors.WithStack(err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.events[ev.EventID] = ev
	m.seq[ev.EventID] = m.next
	m.next++

	return copyEvent(ev), nil
}

func (m *MemoryStore) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	pending := m.oldestWithStatus(StatusPending, limit)

	res := make([]*Event, len(pending))
	for i, ev := range pending {
		res[i] = copyEvent(ev)
	}

	return res, nil
}

func (m *MemoryStore) MarkPublished(ctx context.Context, eventID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ev, exists := m.events[eventID]
	if !exists {
		return errors.Wrapf(ErrEventNotFound, "event %s", eventID)
	}

	if ev.Status != StatusPending {
		return errors.Wrapf(ErrNotPending, "event %s has status %s", eventID, ev.Status)
	}

	now := m.clock.Now()
	ev.Status = StatusPublished
	ev.PublishedAt = &now
	ev.LastError = ""

	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, eventID string, reason string, maxRetries int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ev, exists := m.events[eventID]
	if !exists {
		return errors.Wrapf(ErrEventNotFound, "event %s", eventID)
	}

	if ev.Status != StatusPending {
		return errors.Wrapf(ErrNotPending, "event %s has status %s", eventID, ev.Status)
	}

	ev.RetryCount++
	ev.LastError = reason

	if ev.RetryCount >= maxRetries {
		ev.Status = StatusFailed
	}

	return nil
}

func (m *MemoryStore) RequeueFailed(ctx context.Context, limit int) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	failed := m.oldestWithStatus(StatusFailed, limit)
	for _, ev := range failed {
		ev.Status = StatusPending
		ev.RetryCount = 0
	}

	return len(failed), nil
}

// oldestWithStatus returns up to limit stored events in insertion order, the caller holds the mutex.
func (m *MemoryStore) oldestWithStatus(status Status, limit int) []*Event {
	var matched []*Event
	for _, ev := range m.events {
		if ev.Status == status {
			matched = append(matched, ev)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}

		return m.seq[matched[i].EventID] < m.seq[matched[j].EventID]
	})

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return matched
}

func (m *MemoryStore) Get(ctx context.Context, eventID string) (*Event, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ev, exists := m.events[eventID]
	if !exists {
		return nil, errors.Wrapf(ErrEventNotFound, "event %s", eventID)
	}

	return copyEvent(ev), nil
}

func copyEvent(ev *Event) *Event {
	c := *ev
	if ev.PublishedAt != nil {
		publishedAt := *ev.PublishedAt
		c.PublishedAt = &publishedAt
	}

	return &c
}
