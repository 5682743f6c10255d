package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

// SourceFeedRepository is the staging table connectors write raw items into.
type SourceFeedRepository struct {
	db     *sql.DB
	settle time.Duration
}

// NewSourceFeedRepository builds the feed. Rows younger than settle are left
// for a later fetch: a writer whose stamp is older than a committed row may
// still be in flight, and reading past it would move the watermark over it.
func NewSourceFeedRepository(db *sql.DB, settle time.Duration) *SourceFeedRepository {
	if settle < 0 {
		settle = 0
	}
	return &SourceFeedRepository{db: db, settle: settle}
}

// FetchChanged pages through settled items in (updated_at, source_id) order
// strictly after the watermark, so items sharing a timestamp are never skipped.
func (r *SourceFeedRepository) FetchChanged(ctx context.Context, sourceType domain.SourceType, after domain.SyncWatermark, limit int) ([]domain.SourceItem, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT source_id, payload, deleted, updated_at
FROM source_items
WHERE source_type = $1 AND (updated_at, source_id) > ($2, $3)
	AND updated_at < clock_timestamp() - make_interval(secs => $5)
ORDER BY updated_at, source_id
LIMIT $4
`, string(sourceType), after.LastSyncedAt.UTC(), after.LastSourceID, limit, r.settle.Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch changed items: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SourceItem, 0)
	for rows.Next() {
		item := domain.SourceItem{SourceType: sourceType}
		if err := rows.Scan(&item.SourceID, &item.Payload, &item.Deleted, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan source item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source items: %w", err)
	}
	return out, nil
}

// Put records a new version of an item stamped with the database clock and
// returns that stamp. Tombstones keep their row with deleted = true so the
// next sync can propagate the removal.
func (r *SourceFeedRepository) Put(ctx context.Context, item domain.SourceItem) (time.Time, error) {
	payload := item.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	var stamped time.Time
	err := r.db.QueryRowContext(ctx, `
INSERT INTO source_items (source_type, source_id, payload, deleted, updated_at)
VALUES ($1,$2,$3,$4,clock_timestamp())
ON CONFLICT (source_type, source_id) DO UPDATE SET
	payload = EXCLUDED.payload,
	deleted = EXCLUDED.deleted,
	updated_at = EXCLUDED.updated_at
RETURNING updated_at
`, string(item.SourceType), item.SourceID, payload, item.Deleted).Scan(&stamped)
	if err != nil {
		return time.Time{}, fmt.Errorf("put source item: %w", err)
	}
	return stamped.UTC(), nil
}
