// Package store defines interfaces for data persistence and active event state.
// These abstractions allow swapping implementations (Redis, PostgreSQL, in-memory)
// without changing business logic.
package store

import (
	"context"

	"watchalert/internal/domain"
)

// RuleRepository defines the interface for persistent rule storage.
// This is typically backed by PostgreSQL for production use.
type RuleRepository interface {
	// Save creates the rule or replaces the stored version with the same ID.
	Save(ctx context.Context, rule *domain.Rule) error

	// Delete removes a rule by ID.
	Delete(ctx context.Context, id string) error

	// GetByID retrieves a rule by its ID.
	GetByID(ctx context.Context, id string) (*domain.Rule, error)

	// List retrieves all rules.
	List(ctx context.Context) ([]*domain.Rule, error)
}

// DocumentRepository stores configuration records of one kind (fault centers,
// notice objects, silences, templates) keyed by ID.
type DocumentRepository[T any] interface {
	// Put creates or replaces the document with id.
	Put(ctx context.Context, id string, doc *T) error

	Delete(ctx context.Context, id string) error

	// Get returns the document or the repository's not-found error.
	Get(ctx context.Context, id string) (*T, error)

	List(ctx context.Context) ([]*T, error)
}

// ConfigRepositories bundles the configuration documents the catalog reads.
type ConfigRepositories struct {
	FaultCenters  DocumentRepository[domain.FaultCenter]
	NoticeObjects DocumentRepository[domain.NoticeObject]
	Silences      DocumentRepository[domain.Silence]
	Templates     DocumentRepository[domain.NoticeTemplate]
}

// HistoryRepository keeps the lifecycle transitions of every event.
type HistoryRepository interface {
	// Append stores one transition.
	Append(ctx context.Context, t *domain.EventTransition) error

	// ListByFingerprint returns transitions of fingerprint, oldest first.
	// A limit of zero returns everything.
	ListByFingerprint(ctx context.Context, fingerprint string, limit int) ([]*domain.EventTransition, error)
}

// NoticeRecordRepository keeps the outcome of every delivery attempt.
type NoticeRecordRepository interface {
	// Create stores a new record.
	Create(ctx context.Context, rec *domain.NoticeRecord) error

	// List retrieves records matching the filter, newest first.
	List(ctx context.Context, filter domain.NoticeRecordFilter) ([]*domain.NoticeRecord, error)
}
