// Package memory provides in-memory implementations of store interfaces.
// These are useful for testing and development without external dependencies.
package memory

import (
	"context"
	"sort"
	"sync"

	"watchalert/internal/domain"
)

// RuleRepository is an in-memory implementation of store.RuleRepository.
type RuleRepository struct {
	mu sync.RWMutex

	// rules stores all rules by their ID
	rules map[string]*domain.Rule
}

// NewRuleRepository creates a new in-memory rule repository.
func NewRuleRepository() *RuleRepository {
	return &RuleRepository{
		rules: make(map[string]*domain.Rule),
	}
}

// Save creates or replaces a rule.
func (r *RuleRepository) Save(ctx context.Context, rule *domain.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy
	ruleCopy := *rule
	r.rules[rule.ID] = &ruleCopy
	return nil
}

// Delete removes a rule by ID.
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[id]; !exists {
		return domain.ErrRuleNotFound
	}

	delete(r.rules, id)
	return nil
}

// GetByID retrieves a rule by its ID.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, exists := r.rules[id]
	if !exists {
		return nil, domain.ErrRuleNotFound
	}

	result := *rule
	return &result, nil
}

// List retrieves all rules ordered by ID.
func (r *RuleRepository) List(ctx context.Context) ([]*domain.Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*domain.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		ruleCopy := *rule
		results = append(results, &ruleCopy)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })

	return results, nil
}

// Clear removes all data from the repository. Useful for test cleanup.
func (r *RuleRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rules = make(map[string]*domain.Rule)
}
