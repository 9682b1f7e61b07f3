// Package redis provides Redis-based implementations of the store interfaces.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"watchalert/internal/config"
	"watchalert/internal/domain"
	"watchalert/internal/metrics"
)

// Key suffixes appended to the configured prefix.
const (
	prefixEvent = "event:"
	keyIndex    = "events"
)

// EventStore implements store.EventStore using Redis. Each event is a JSON
// string; a set indexes the fingerprints for List.
type EventStore struct {
	client *redis.Client
	prefix string
}

// NewEventStore creates a new Redis-backed event store.
func NewEventStore(cfg *config.RedisConfig) (*EventStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &EventStore{client: client, prefix: cfg.KeyPrefix}, nil
}

// eventKey generates the Redis key for an event.
func (s *EventStore) eventKey(fingerprint string) string {
	return s.prefix + prefixEvent + fingerprint
}

func (s *EventStore) indexKey() string {
	return s.prefix + keyIndex
}

func observe(operation string, start time.Time, err error) {
	metrics.StorageOperationLatency.WithLabelValues("redis", operation).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.StorageOperationsTotal.WithLabelValues("redis", operation, status).Inc()
}

// Save stores or replaces the event.
func (s *EventStore) Save(ctx context.Context, event *domain.Event) (err error) {
	defer func(start time.Time) { observe("write", start, err) }(time.Now())

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// No TTL - the scheduler deletes the event when it closes
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.eventKey(event.Fingerprint), data, 0)
		pipe.SAdd(ctx, s.indexKey(), event.Fingerprint)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// Get retrieves an event by fingerprint.
func (s *EventStore) Get(ctx context.Context, fingerprint string) (_ *domain.Event, err error) {
	defer func(start time.Time) { observe("read", start, err) }(time.Now())

	data, err := s.client.Get(ctx, s.eventKey(fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	var event domain.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

// Delete removes an event and its index entry.
func (s *EventStore) Delete(ctx context.Context, fingerprint string) (err error) {
	defer func(start time.Time) { observe("write", start, err) }(time.Now())

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.eventKey(fingerprint))
		pipe.SRem(ctx, s.indexKey(), fingerprint)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// List returns every indexed event. Index entries whose value vanished are pruned.
func (s *EventStore) List(ctx context.Context) (_ []*domain.Event, err error) {
	defer func(start time.Time) { observe("read", start, err) }(time.Now())

	fingerprints, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	sort.Strings(fingerprints)
	if len(fingerprints) == 0 {
		return []*domain.Event{}, nil
	}

	keys := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = s.eventKey(fp)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	events := make([]*domain.Event, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, fingerprints[i])
			continue
		}
		var event domain.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event %s: %w", fingerprints[i], err)
		}
		events = append(events, &event)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, s.indexKey(), stale...)
	}
	return events, nil
}

// Close closes the Redis client connection.
func (s *EventStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
