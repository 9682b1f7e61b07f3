package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"watchalert/internal/domain"
)

// HistoryRepository implements store.HistoryRepository using PostgreSQL.
type HistoryRepository struct {
	db *DB
}

// NewHistoryRepository creates a new PostgreSQL-backed history repository.
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append stores one transition.
func (r *HistoryRepository) Append(ctx context.Context, t *domain.EventTransition) (err error) {
	defer func(start time.Time) { observe("write", start, err) }(time.Now())

	query := `
		INSERT INTO event_transitions (
			id, fingerprint, rule_id, from_status, to_status, severity, reason, at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = r.db.pool.Exec(ctx, query,
		t.ID,
		t.Fingerprint,
		t.RuleID,
		nullableString(string(t.From)),
		string(t.To),
		nullableString(string(t.Severity)),
		t.Reason,
		t.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// ListByFingerprint returns transitions of fingerprint, oldest first.
func (r *HistoryRepository) ListByFingerprint(ctx context.Context, fingerprint string, limit int) (_ []*domain.EventTransition, err error) {
	defer func(start time.Time) { observe("read", start, err) }(time.Now())

	query := `
		SELECT id, fingerprint, rule_id, from_status, to_status, severity, reason, at
		FROM event_transitions
		WHERE fingerprint = $1
		ORDER BY at DESC
	`
	args := []any{fingerprint}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*domain.EventTransition
	for rows.Next() {
		var (
			t        domain.EventTransition
			from     *string
			severity *string
		)
		if err := rows.Scan(&t.ID, &t.Fingerprint, &t.RuleID, &from, &t.To, &severity, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		if from != nil {
			t.From = domain.EventStatus(*from)
		}
		if severity != nil {
			t.Severity = domain.Severity(*severity)
		}
		transitions = append(transitions, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	// Newest rows were selected so the limit keeps the latest; return oldest first.
	for i, j := 0, len(transitions)-1; i < j; i, j = i+1, j-1 {
		transitions[i], transitions[j] = transitions[j], transitions[i]
	}
	return transitions, nil
}

// NoticeRecordRepository implements store.NoticeRecordRepository using PostgreSQL.
type NoticeRecordRepository struct {
	db *DB
}

// NewNoticeRecordRepository creates a new PostgreSQL-backed notice record repository.
func NewNoticeRecordRepository(db *DB) *NoticeRecordRepository {
	return &NoticeRecordRepository{db: db}
}

// Create stores a new record.
func (r *NoticeRecordRepository) Create(ctx context.Context, rec *domain.NoticeRecord) (err error) {
	defer func(start time.Time) { observe("write", start, err) }(time.Now())

	query := `
		INSERT INTO notice_records (
			id, fingerprint, rule_id, notice_id, channel_kind, kind,
			severity, destination, status, err_msg, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.pool.Exec(ctx, query,
		rec.ID,
		rec.Fingerprint,
		rec.RuleID,
		rec.NoticeID,
		string(rec.ChannelKind),
		string(rec.Kind),
		nullableString(string(rec.Severity)),
		rec.Destination,
		string(rec.Status),
		nullableString(rec.ErrMsg),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notice record: %w", err)
	}
	return nil
}

// List retrieves records matching the filter, newest first.
func (r *NoticeRecordRepository) List(ctx context.Context, filter domain.NoticeRecordFilter) (_ []*domain.NoticeRecord, err error) {
	defer func(start time.Time) { observe("read", start, err) }(time.Now())

	query := `
		SELECT id, fingerprint, rule_id, notice_id, channel_kind, kind,
			   severity, destination, status, err_msg, created_at
		FROM notice_records
		WHERE 1=1
	`
	args := []any{}
	argNum := 1

	if filter.Fingerprint != "" {
		query += fmt.Sprintf(" AND fingerprint = $%d", argNum)
		args = append(args, filter.Fingerprint)
		argNum++
	}

	if filter.RuleID != "" {
		query += fmt.Sprintf(" AND rule_id = $%d", argNum)
		args = append(args, filter.RuleID)
		argNum++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filter.Status))
		argNum++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notice records: %w", err)
	}
	defer rows.Close()

	return scanNoticeRecords(rows)
}

// scanNoticeRecords scans multiple rows into a slice of NoticeRecords.
func scanNoticeRecords(rows pgx.Rows) ([]*domain.NoticeRecord, error) {
	records := make([]*domain.NoticeRecord, 0)

	for rows.Next() {
		var (
			rec      domain.NoticeRecord
			severity *string
			errMsg   *string
		)

		err := rows.Scan(
			&rec.ID,
			&rec.Fingerprint,
			&rec.RuleID,
			&rec.NoticeID,
			&rec.ChannelKind,
			&rec.Kind,
			&severity,
			&rec.Destination,
			&rec.Status,
			&errMsg,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notice record: %w", err)
		}

		if severity != nil {
			rec.Severity = domain.Severity(*severity)
		}
		if errMsg != nil {
			rec.ErrMsg = *errMsg
		}

		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notice records: %w", err)
	}

	return records, nil
}

// nullableString returns nil if the string is empty, otherwise returns a pointer to it.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
