package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"watchalert/internal/domain"
)

// RuleRepository implements store.RuleRepository using PostgreSQL.
// The canonical rule JSON is stored in body; the indexed columns duplicate
// the fields used for lookups.
type RuleRepository struct {
	db *DB
}

// NewRuleRepository creates a new PostgreSQL-backed rule repository.
func NewRuleRepository(db *DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Save creates or replaces a rule.
func (r *RuleRepository) Save(ctx context.Context, rule *domain.Rule) (err error) {
	defer func(start time.Time) { observe("write", start, err) }(time.Now())

	body, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}

	query := `
		INSERT INTO rules (id, name, datasource_kind, fault_center_id, enabled, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			datasource_kind = EXCLUDED.datasource_kind,
			fault_center_id = EXCLUDED.fault_center_id,
			enabled = EXCLUDED.enabled,
			body = EXCLUDED.body,
			updated_at = NOW()
	`

	_, err = r.db.pool.Exec(ctx, query,
		rule.ID,
		rule.Name,
		string(rule.DatasourceKind),
		rule.FaultCenterID,
		rule.Enabled,
		body,
	)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}

	return nil
}

// Delete removes a rule by ID.
func (r *RuleRepository) Delete(ctx context.Context, id string) (err error) {
	defer func(start time.Time) { observe("write", start, err) }(time.Now())

	result, err := r.db.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrRuleNotFound
	}

	return nil
}

// GetByID retrieves a rule by its ID.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (_ *domain.Rule, err error) {
	defer func(start time.Time) { observe("read", start, err) }(time.Now())

	var body []byte
	err = r.db.pool.QueryRow(ctx, `SELECT body FROM rules WHERE id = $1`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	var rule domain.Rule
	if err := json.Unmarshal(body, &rule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule %s: %w", id, err)
	}
	return &rule, nil
}

// List retrieves all rules ordered by ID.
func (r *RuleRepository) List(ctx context.Context) (_ []*domain.Rule, err error) {
	defer func(start time.Time) { observe("read", start, err) }(time.Now())

	rows, err := r.db.pool.Query(ctx, `SELECT id, body FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*domain.Rule
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		var rule domain.Rule
		if err := json.Unmarshal(body, &rule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule %s: %w", id, err)
		}
		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}
