package outbox

import (
	"context"
)

//go:generate mockgen --build_flags=--mod=mod -destination ../testing/mocks/outbox/store.go -package outbox . Store,Broker

// Store keeps outbox events. Implementations must make MarkPublished a transition from pending only.
type Store interface {
	// CreateEvent persists a pending event. A non nil tx makes the write part of the caller's transaction.
	CreateEvent(ctx context.Context, tx Execer, payload Payload, topic, correlationID string) (*Event, error)
	// GetPendingEvents returns up to limit pending events, oldest first.
	GetPendingEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkPublished(ctx context.Context, eventID string) error
	// MarkFailed records a failed attempt. The event stays pending until maxRetries attempts failed.
	MarkFailed(ctx context.Context, eventID string, reason string, maxRetries int) error
	// RequeueFailed moves up to limit failed events back to pending and returns how many moved.
	RequeueFailed(ctx context.Context, limit int) (int, error)
	Get(ctx context.Context, eventID string) (*Event, error)
}
