package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

type WatermarkRepository struct {
	db *sql.DB
}

func NewWatermarkRepository(db *sql.DB) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

// GetWatermark returns the zero watermark for a source that never synced.
func (r *WatermarkRepository) GetWatermark(ctx context.Context, sourceType domain.SourceType) (domain.SyncWatermark, error) {
	mark := domain.SyncWatermark{SourceType: sourceType}
	err := r.db.QueryRowContext(ctx, `
SELECT last_synced_at, last_source_id
FROM sync_watermarks
WHERE source_type = $1
`, string(sourceType)).Scan(&mark.LastSyncedAt, &mark.LastSourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mark, nil
		}
		return domain.SyncWatermark{}, fmt.Errorf("get watermark: %w", err)
	}
	return mark, nil
}

func (r *WatermarkRepository) SaveWatermark(ctx context.Context, mark domain.SyncWatermark) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sync_watermarks (source_type, last_synced_at, last_source_id, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (source_type) DO UPDATE SET
	last_synced_at = EXCLUDED.last_synced_at,
	last_source_id = EXCLUDED.last_source_id,
	updated_at = EXCLUDED.updated_at
`, string(mark.SourceType), mark.LastSyncedAt.UTC(), mark.LastSourceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save watermark: %w", err)
	}
	return nil
}
