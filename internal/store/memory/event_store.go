package memory

import (
	"context"
	"sort"
	"sync"

	"watchalert/internal/domain"
)

// EventStore is an in-memory implementation of the store.EventStore interface.
// It uses a map with mutex protection for thread-safe access.
type EventStore struct {
	mu sync.RWMutex

	// events stores active events keyed by fingerprint
	events map[string]*domain.Event
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		events: make(map[string]*domain.Event),
	}
}

// Save stores a copy of the event.
func (s *EventStore) Save(ctx context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.Fingerprint] = event.Clone()
	return nil
}

// Get retrieves an event by fingerprint.
// Returns nil, nil if the event doesn't exist.
func (s *EventStore) Get(ctx context.Context, fingerprint string) (*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.events[fingerprint]
	if !exists {
		return nil, nil
	}
	return e.Clone(), nil
}

// Delete removes an event.
func (s *EventStore) Delete(ctx context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, fingerprint)
	return nil
}

// List returns every stored event ordered by fingerprint.
func (s *EventStore) List(ctx context.Context) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*domain.Event, 0, len(s.events))
	for _, e := range s.events {
		results = append(results, e.Clone())
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Fingerprint < results[j].Fingerprint })
	return results, nil
}

// Close is a no-op for the in-memory store.
func (s *EventStore) Close() error {
	return nil
}

// Clear removes all data from the store. Useful for test cleanup.
func (s *EventStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = make(map[string]*domain.Event)
}
