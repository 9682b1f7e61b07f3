package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"watchalert/internal/domain"
	"watchalert/internal/store"
)

// Document kinds stored in config_documents.
const (
	kindFaultCenter  = "fault_center"
	kindNoticeObject = "notice_object"
	kindSilence      = "silence"
	kindTemplate     = "template"
)

// DocumentRepository implements store.DocumentRepository for one document kind
// as JSONB rows of config_documents.
type DocumentRepository[T any] struct {
	db       *DB
	kind     string
	notFound error
}

// NewDocumentRepository creates a repository for kind.
func NewDocumentRepository[T any](db *DB, kind string, notFound error) *DocumentRepository[T] {
	return &DocumentRepository[T]{db: db, kind: kind, notFound: notFound}
}

// NewConfigRepositories returns PostgreSQL repositories for every configuration kind.
func NewConfigRepositories(db *DB) store.ConfigRepositories {
	return store.ConfigRepositories{
		FaultCenters:  NewDocumentRepository[domain.FaultCenter](db, kindFaultCenter, domain.ErrFaultCenterNotFound),
		NoticeObjects: NewDocumentRepository[domain.NoticeObject](db, kindNoticeObject, domain.ErrNoticeObjectNotFound),
		Silences:      NewDocumentRepository[domain.Silence](db, kindSilence, domain.ErrSilenceNotFound),
		Templates:     NewDocumentRepository[domain.NoticeTemplate](db, kindTemplate, domain.ErrTemplateNotFound),
	}
}

// Put creates or replaces the document with id.
func (r *DocumentRepository[T]) Put(ctx context.Context, id string, doc *T) (err error) {
	defer func(start time.Time) { observe("write", start, err) }(time.Now())

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", r.kind, err)
	}

	query := `
		INSERT INTO config_documents (kind, id, body) VALUES ($1, $2, $3)
		ON CONFLICT (kind, id) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()
	`
	if _, err = r.db.pool.Exec(ctx, query, r.kind, id, body); err != nil {
		return fmt.Errorf("failed to save %s: %w", r.kind, err)
	}
	return nil
}

// Delete removes the document with id.
func (r *DocumentRepository[T]) Delete(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { observe("write", start, err) }(time.Now())

	result, err := r.db.pool.Exec(ctx, `DELETE FROM config_documents WHERE kind = $1 AND id = $2`, r.kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", r.kind, err)
	}
	if result.RowsAffected() == 0 {
		return r.notFound
	}
	return nil
}

// Get retrieves the document with id.
func (r *DocumentRepository[T]) Get(ctx context.Context, id string) (_ *T, err error) {
	defer func(start time.Time) { observe("read", start, err) }(time.Now())

	var body []byte
	err = r.db.pool.QueryRow(ctx, `SELECT body FROM config_documents WHERE kind = $1 AND id = $2`, r.kind, id).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.notFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", r.kind, err)
	}

	var doc T
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s %s: %w", r.kind, id, err)
	}
	return &doc, nil
}

// List returns every document of the kind ordered by id.
func (r *DocumentRepository[T]) List(ctx context.Context) (_ []*T, err error) {
	defer func(start time.Time) { observe("read", start, err) }(time.Now())

	rows, err := r.db.pool.Query(ctx, `SELECT body FROM config_documents WHERE kind = $1 ORDER BY id`, r.kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.kind, err)
	}
	defer rows.Close()

	docs := make([]*T, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", r.kind, err)
		}
		var doc T
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", r.kind, err)
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", r.kind, err)
	}
	return docs, nil
}
