package memory

import (
	"context"
	"sort"
	"sync"

	"watchalert/internal/domain"
)

// HistoryRepository is an in-memory implementation of store.HistoryRepository.
type HistoryRepository struct {
	mu sync.RWMutex

	// transitions stores transitions per fingerprint in append order
	transitions map[string][]*domain.EventTransition
}

// NewHistoryRepository creates a new in-memory history repository.
func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{
		transitions: make(map[string][]*domain.EventTransition),
	}
}

// Append stores one transition.
func (r *HistoryRepository) Append(ctx context.Context, t *domain.EventTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tCopy := *t
	r.transitions[t.Fingerprint] = append(r.transitions[t.Fingerprint], &tCopy)
	return nil
}

// ListByFingerprint returns transitions of fingerprint, oldest first.
func (r *HistoryRepository) ListByFingerprint(ctx context.Context, fingerprint string, limit int) ([]*domain.EventTransition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.transitions[fingerprint]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	results := make([]*domain.EventTransition, 0, len(list))
	for _, t := range list {
		tCopy := *t
		results = append(results, &tCopy)
	}
	return results, nil
}

// NoticeRecordRepository is an in-memory implementation of store.NoticeRecordRepository.
type NoticeRecordRepository struct {
	mu      sync.RWMutex
	records []*domain.NoticeRecord
}

// NewNoticeRecordRepository creates a new in-memory notice record repository.
func NewNoticeRecordRepository() *NoticeRecordRepository {
	return &NoticeRecordRepository{}
}

// Create stores a new record.
func (r *NoticeRecordRepository) Create(ctx context.Context, rec *domain.NoticeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recCopy := *rec
	r.records = append(r.records, &recCopy)
	return nil
}

// List retrieves records matching the filter, newest first.
func (r *NoticeRecordRepository) List(ctx context.Context, filter domain.NoticeRecordFilter) ([]*domain.NoticeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*domain.NoticeRecord
	for _, rec := range r.records {
		if filter.Fingerprint != "" && rec.Fingerprint != filter.Fingerprint {
			continue
		}
		if filter.RuleID != "" && rec.RuleID != filter.RuleID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		recCopy := *rec
		results = append(results, &recCopy)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	// Apply pagination
	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return []*domain.NoticeRecord{}, nil
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	if results == nil {
		results = []*domain.NoticeRecord{}
	}
	return results, nil
}
