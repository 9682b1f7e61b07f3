// Package postgres provides PostgreSQL-based implementations of the store interfaces.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"watchalert/internal/config"
	"watchalert/internal/metrics"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, cfg *config.PostgresConfig) (*DB, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.SSLMode,
		cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxOpenConns
	poolConfig.MinConns = cfg.MaxIdleConns
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

func observe(operation string, start time.Time, err error) {
	metrics.StorageOperationLatency.WithLabelValues("postgres", operation).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.StorageOperationsTotal.WithLabelValues("postgres", operation, status).Inc()
}

// RunMigrations creates the required database tables.
func (db *DB) RunMigrations(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS rules (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			datasource_kind VARCHAR(40) NOT NULL,
			fault_center_id VARCHAR(64) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			body JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_rules_fault_center ON rules(fault_center_id);

		CREATE TABLE IF NOT EXISTS config_documents (
			kind VARCHAR(40) NOT NULL,
			id VARCHAR(64) NOT NULL,
			body JSONB NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (kind, id)
		);

		CREATE TABLE IF NOT EXISTS event_transitions (
			id VARCHAR(36) PRIMARY KEY,
			fingerprint VARCHAR(64) NOT NULL,
			rule_id VARCHAR(36) NOT NULL,
			from_status VARCHAR(20),
			to_status VARCHAR(20) NOT NULL,
			severity VARCHAR(4),
			reason TEXT NOT NULL,
			at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_fingerprint ON event_transitions(fingerprint, at);

		CREATE TABLE IF NOT EXISTS notice_records (
			id VARCHAR(36) PRIMARY KEY,
			fingerprint VARCHAR(64) NOT NULL,
			rule_id VARCHAR(36) NOT NULL,
			notice_id VARCHAR(64) NOT NULL,
			channel_kind VARCHAR(20) NOT NULL,
			kind VARCHAR(20) NOT NULL,
			severity VARCHAR(4),
			destination TEXT NOT NULL,
			status VARCHAR(20) NOT NULL,
			err_msg TEXT,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notice_records_fingerprint ON notice_records(fingerprint);
		CREATE INDEX IF NOT EXISTS idx_notice_records_rule ON notice_records(rule_id);
		CREATE INDEX IF NOT EXISTS idx_notice_records_created ON notice_records(created_at);
	`

	_, err := db.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
