package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

// RunLocker holds a session-level advisory lock per source type on a
// dedicated connection for the duration of a sync run.
type RunLocker struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRunLocker(db *sql.DB, logger *slog.Logger) *RunLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLocker{db: db, logger: logger}
}

func (l *RunLocker) TryLock(ctx context.Context, sourceType domain.SourceType) (func(), error) {
	key := lockKey(sourceType)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStore, "acquire sync lock", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, domain.WrapError(domain.ErrStore, "acquire sync lock", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, domain.WrapError(
			domain.ErrSyncInProgress,
			"acquire sync lock",
			fmt.Errorf("source type %s is locked by another run", sourceType),
		)
	}

	release := func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var released bool
		err := conn.QueryRowContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released)
		if err == nil && !released {
			err = errors.New("lock was not held")
		}
		if err != nil {
			l.logger.Warn("sync_lock_release_failed", "source_type", sourceType, "error", err)
			// Discard the session instead of pooling it; the lock dies with it.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}
	return release, nil
}

func lockKey(sourceType domain.SourceType) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("retrieval-sync:" + string(sourceType)))
	return int64(h.Sum64())
}
