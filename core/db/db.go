package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so store adapters can
// be handed either a pooled connection or an in-flight transaction without
// caring which.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a pgxpool.Pool and provides transaction support. It is the main
// entry point for database operations.
type DB struct {
	pool *pgxpool.Pool
}

type Config struct {
	DSN string

	// With PgBouncer, this can be relatively low per replica.
	MaxConns int32

	MinConns int32
}

// New creates a new DB instance with the given configuration.
func New(ctx context.Context, cfg Config) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	} else {
		poolCfg.MinConns = 2
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

// Pool returns the underlying DBTX for non-transactional operations.
func (db *DB) Pool() DBTX {
	return db.pool
}

// WithTx executes fn within a database transaction. If fn returns an
// error, the transaction is rolled back; otherwise it is committed.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// EnsureSchema creates the tables and indexes the store adapters depend on,
// if they don't already exist. The repository ships no migration tool, so
// schema management is this one idempotent DDL pass rather than a
// versioned migration chain.
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS event_streams (
	aggregate_id TEXT PRIMARY KEY,
	version      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS stored_events (
	aggregate_id   TEXT NOT NULL REFERENCES event_streams(aggregate_id),
	version        INTEGER NOT NULL,
	event_id       TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	occurred_utc   TIMESTAMPTZ NOT NULL,
	data           JSONB NOT NULL,
	correlation_id TEXT,
	causation_id   TEXT,
	PRIMARY KEY (aggregate_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS stored_events_aggregate_event_id_key
	ON stored_events (aggregate_id, event_id);

CREATE TABLE IF NOT EXISTS request_projections (
	request_id                 TEXT PRIMARY KEY,
	partition_key               TEXT NOT NULL,
	row_key                     TEXT NOT NULL,
	status                      TEXT NOT NULL,
	submit_attempt_count        INTEGER NOT NULL DEFAULT 0,
	next_poll_at_utc            TIMESTAMPTZ,
	external_job_id             TEXT,
	last_applied_event_version  INTEGER NOT NULL DEFAULT 0,
	updated_utc                 TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS request_projections_due_for_poll_idx
	ON request_projections (next_poll_at_utc)
	WHERE status = 'InProgress' AND next_poll_at_utc IS NOT NULL;

CREATE TABLE IF NOT EXISTS intake_rows (
	partition_key TEXT NOT NULL,
	row_key       TEXT NOT NULL,
	status        TEXT NOT NULL,
	lease_until   TIMESTAMPTZ NOT NULL,
	etag          TEXT NOT NULL,
	PRIMARY KEY (partition_key, row_key)
);

CREATE INDEX IF NOT EXISTS intake_rows_eligible_idx
	ON intake_rows (lease_until)
	WHERE status IN ('Unprocessed', 'InProgress');

CREATE TABLE IF NOT EXISTS idempotency_records (
	handler_name    TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	status          TEXT NOT NULL,
	lease_until_utc TIMESTAMPTZ NOT NULL,
	updated_utc     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (handler_name, event_id)
);
`
