package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultTopic is where appointment events go unless configured otherwise.
const DefaultTopic = "appointment-events"

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPublished, StatusFailed:
		return true
	}

	return false
}

var (
	ErrEventNotFound = errors.New("outbox event not found")
	// ErrNotPending is returned when a state transition is requested for an event that already left pending.
	ErrNotPending = errors.New("outbox event is not pending")
)

// Execer is satisfied by *sql.DB and *sql.Tx. Passing the caller's transaction makes the outbox
// write part of the same unit of work as the domain change.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Event is a durable record of something that must be published.
type Event struct {
	EventID       string     `json:"eventId"`
	EventType     string     `json:"eventType"`
	Topic         string     `json:"topic"`
	AggregateID   string     `json:"aggregateId"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Payload       Payload    `json:"payload"`
	Status        Status     `json:"status"`
	RetryCount    int        `json:"retryCount"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	PublishedAt   *time.Time `json:"publishedAt,omitempty"`
}

// NewEvent validates the payload and builds a pending event.
func NewEvent(payload Payload, topic, correlationID string, now time.Time) (*Event, error) {
	if payload == nil {
		return nil, errors.New("outbox event payload is nil")
	}

	if err := payload.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s payload", payload.EventType())
	}

	if topic == "" {
		topic = DefaultTopic
	}

	return &Event{
		EventID:       uuid.NewString(),
		EventType:     payload.EventType(),
		Topic:         topic,
		AggregateID:   payload.AggregateID(),
		CorrelationID: correlationID,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     now,
	}, nil
}
