package store

import (
	"context"

	"watchalert/internal/domain"
)

// EventStore holds the snapshot of every active event so the scheduler can
// rebuild its timers after a restart. This is typically backed by Redis.
// All methods must be safe for concurrent use.
type EventStore interface {
	// Save stores or replaces the event keyed by its fingerprint.
	Save(ctx context.Context, event *domain.Event) error

	// Get retrieves an event by fingerprint.
	// Returns nil, nil if the event doesn't exist.
	Get(ctx context.Context, fingerprint string) (*domain.Event, error)

	// Delete removes an event. Deleting a missing event is not an error.
	Delete(ctx context.Context, fingerprint string) error

	// List returns every stored event.
	List(ctx context.Context) ([]*domain.Event, error)

	// Close releases any resources held by the store.
	Close() error
}
