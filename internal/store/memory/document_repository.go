package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"watchalert/internal/domain"
	"watchalert/internal/store"
)

// DocumentRepository is an in-memory implementation of store.DocumentRepository.
type DocumentRepository[T any] struct {
	mu       sync.RWMutex
	docs     map[string]*T
	notFound error
}

// NewDocumentRepository creates a repository that reports notFound for missing ids.
func NewDocumentRepository[T any](notFound error) *DocumentRepository[T] {
	return &DocumentRepository[T]{
		docs:     make(map[string]*T),
		notFound: notFound,
	}
}

// NewConfigRepositories returns in-memory repositories for every configuration kind.
func NewConfigRepositories() store.ConfigRepositories {
	return store.ConfigRepositories{
		FaultCenters:  NewDocumentRepository[domain.FaultCenter](domain.ErrFaultCenterNotFound),
		NoticeObjects: NewDocumentRepository[domain.NoticeObject](domain.ErrNoticeObjectNotFound),
		Silences:      NewDocumentRepository[domain.Silence](domain.ErrSilenceNotFound),
		Templates:     NewDocumentRepository[domain.NoticeTemplate](domain.ErrTemplateNotFound),
	}
}

// Put stores a copy of doc under a copy of id.
func (r *DocumentRepository[T]) Put(ctx context.Context, id string, doc *T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	docCopy := *doc
	r.docs[strings.Clone(id)] = &docCopy
	return nil
}

// Delete removes the document with id.
func (r *DocumentRepository[T]) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.docs[id]; !exists {
		return r.notFound
	}
	delete(r.docs, id)
	return nil
}

// Get retrieves the document with id.
func (r *DocumentRepository[T]) Get(ctx context.Context, id string) (*T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, exists := r.docs[id]
	if !exists {
		return nil, r.notFound
	}
	result := *doc
	return &result, nil
}

// List returns every document ordered by id.
func (r *DocumentRepository[T]) List(ctx context.Context) ([]*T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.docs))
	for id := range r.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]*T, 0, len(ids))
	for _, id := range ids {
		docCopy := *r.docs[id]
		results = append(results, &docCopy)
	}
	return results, nil
}
