package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

// ScopeRepository stores scope groups. Retrieval only calls ListBindings;
// the write methods belong to whoever manages projects.
type ScopeRepository struct {
	db *sql.DB
}

func NewScopeRepository(db *sql.DB) *ScopeRepository {
	return &ScopeRepository{db: db}
}

func (r *ScopeRepository) ListBindings(ctx context.Context, groupID string) ([]domain.ScopeBinding, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT source_type, source_key
FROM scope_bindings
WHERE group_id = $1
ORDER BY source_type, source_key
`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list scope bindings: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ScopeBinding, 0)
	for rows.Next() {
		var b domain.ScopeBinding
		var sourceType string
		if err := rows.Scan(&sourceType, &b.SourceKey); err != nil {
			return nil, fmt.Errorf("scan scope binding: %w", err)
		}
		b.SourceType = domain.SourceType(sourceType)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scope bindings: %w", err)
	}
	return out, nil
}

// SaveGroup creates or replaces a group together with its full binding set.
func (r *ScopeRepository) SaveGroup(ctx context.Context, group domain.ScopeGroup) error {
	for _, b := range group.Bindings {
		if _, err := domain.ParseSourceType(string(b.SourceType)); err != nil {
			return err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scope tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO scope_groups (group_id, name, created_at, updated_at)
VALUES ($1,$2,$3,$3)
ON CONFLICT (group_id) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
`, group.GroupID, group.Name, now); err != nil {
		return fmt.Errorf("upsert scope group: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM scope_bindings WHERE group_id = $1`, group.GroupID); err != nil {
		return fmt.Errorf("clear scope bindings: %w", err)
	}
	for _, b := range group.Bindings {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO scope_bindings (group_id, source_type, source_key)
VALUES ($1,$2,$3)
ON CONFLICT DO NOTHING
`, group.GroupID, string(b.SourceType), b.SourceKey); err != nil {
			return fmt.Errorf("insert scope binding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scope tx: %w", err)
	}
	return nil
}

// DeleteGroup removes a group; its bindings go with it.
func (r *ScopeRepository) DeleteGroup(ctx context.Context, groupID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM scope_groups WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("delete scope group: %w", err)
	}
	return nil
}
