package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockKey int64 = 2026021001

// Scoped vector search relies on HNSW iterative scans (pgvector 0.8.0).
const minVectorMajor, minVectorMinor = 0, 8

func OpenDB(ctx context.Context, dsn string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := pingWithRetry(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		return db.PingContext(ctx)
	}
	notify := func(err error, wait time.Duration) {
		if logger != nil {
			logger.Warn("db_ping_retry", "error", err, "wait", wait)
		}
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}

// EnsureSchema creates every table the service reads or writes. The embedding
// column dimension is fixed at creation time.
func EnsureSchema(ctx context.Context, db *sql.DB, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("invalid embedding dimensions: %d", dimensions)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	query := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS indexed_chunks (
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	text TEXT NOT NULL,
	text_tsv tsvector GENERATED ALWAYS AS (to_tsvector('simple', text)) STORED,
	embedding vector(%d) NOT NULL,
	content_hash TEXT NOT NULL,
	scope_keys TEXT[] NOT NULL DEFAULT '{}',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	original_timestamp TIMESTAMPTZ NOT NULL,
	indexed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_type, source_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_indexed_chunks_tsv ON indexed_chunks USING GIN (text_tsv);
CREATE INDEX IF NOT EXISTS idx_indexed_chunks_scope ON indexed_chunks USING GIN (scope_keys);
CREATE INDEX IF NOT EXISTS idx_indexed_chunks_embedding ON indexed_chunks USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS sync_watermarks (
	source_type TEXT PRIMARY KEY,
	last_synced_at TIMESTAMPTZ NOT NULL,
	last_source_id TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS scope_groups (
	group_id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS scope_bindings (
	group_id TEXT NOT NULL REFERENCES scope_groups(group_id) ON DELETE CASCADE,
	source_type TEXT NOT NULL,
	source_key TEXT NOT NULL,
	PRIMARY KEY (group_id, source_type, source_key)
);

CREATE TABLE IF NOT EXISTS source_items (
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'::jsonb,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_type, source_id)
);

CREATE INDEX IF NOT EXISTS idx_source_items_keyset ON source_items(source_type, updated_at, source_id);
`, dimensions)
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	var version string
	if err := tx.QueryRowContext(ctx, `SELECT extversion FROM pg_extension WHERE extname = 'vector'`).Scan(&version); err != nil {
		return fmt.Errorf("read pgvector version: %w", err)
	}
	if err := requireVectorVersion(version); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func requireVectorVersion(version string) error {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return fmt.Errorf("unrecognized pgvector version %q", version)
	}
	major, errMajor := strconv.Atoi(parts[0])
	minor, errMinor := strconv.Atoi(parts[1])
	if errMajor != nil || errMinor != nil {
		return fmt.Errorf("unrecognized pgvector version %q", version)
	}
	if major < minVectorMajor || (major == minVectorMajor && minor < minVectorMinor) {
		return fmt.Errorf("pgvector %s is too old: %d.%d.0 or newer is required", version, minVectorMajor, minVectorMinor)
	}
	return nil
}
