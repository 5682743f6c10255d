package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

// ChunkRepository is the Postgres IndexStore: one row per chunk identity,
// a generated tsvector column for lexical search and a pgvector column for
// nearest-neighbour search.
type ChunkRepository struct {
	db *sql.DB
}

func NewChunkRepository(db *sql.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) ChunkStates(ctx context.Context, sourceType domain.SourceType, sourceIDs []string) (map[domain.ChunkIdentity]domain.ChunkState, error) {
	out := make(map[domain.ChunkIdentity]domain.ChunkState)
	if len(sourceIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT source_id, chunk_index, content_hash, to_json(scope_keys)
FROM indexed_chunks
WHERE source_type = $1 AND source_id = ANY($2)
`, string(sourceType), sourceIDs)
	if err != nil {
		return nil, fmt.Errorf("query chunk states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id        domain.ChunkIdentity
			state     domain.ChunkState
			scopeJSON []byte
		)
		if err := rows.Scan(&id.SourceID, &id.ChunkIndex, &state.ContentHash, &scopeJSON); err != nil {
			return nil, fmt.Errorf("scan chunk state: %w", err)
		}
		if err := json.Unmarshal(scopeJSON, &state.ScopeKeys); err != nil {
			return nil, fmt.Errorf("unmarshal scope keys: %w", err)
		}
		id.SourceType = sourceType
		out[id] = state
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk states: %w", err)
	}
	return out, nil
}

// UpsertChunks writes every chunk in one transaction. Each row is replaced in
// a single statement and only when its content hash differs.
func (r *ChunkRepository) UpsertChunks(ctx context.Context, chunks []domain.IndexedChunk) ([]domain.UpsertOutcome, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	outcomes := make([]domain.UpsertOutcome, len(chunks))
	for i, c := range chunks {
		metadataJSON, err := json.Marshal(nonNilMetadata(c.Metadata))
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}

		var inserted bool
		err = tx.QueryRowContext(ctx, `
INSERT INTO indexed_chunks (
	source_type, source_id, chunk_index, text, embedding, content_hash, scope_keys, metadata, original_timestamp, indexed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (source_type, source_id, chunk_index) DO UPDATE SET
	text = EXCLUDED.text,
	embedding = EXCLUDED.embedding,
	content_hash = EXCLUDED.content_hash,
	scope_keys = EXCLUDED.scope_keys,
	metadata = EXCLUDED.metadata,
	original_timestamp = EXCLUDED.original_timestamp,
	indexed_at = EXCLUDED.indexed_at
WHERE indexed_chunks.content_hash <> EXCLUDED.content_hash
RETURNING (xmax = 0)
`,
			string(c.SourceType), c.SourceID, c.ChunkIndex, c.Text, pgvector.NewVector(c.Embedding),
			c.ContentHash, nonNilKeys(c.ScopeKeys), metadataJSON, c.OriginalTimestamp.UTC(), c.IndexedAt.UTC(),
		).Scan(&inserted)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			outcomes[i] = domain.UpsertUnchanged
		case err != nil:
			return nil, fmt.Errorf("upsert chunk %s/%s#%d: %w", c.SourceType, c.SourceID, c.ChunkIndex, err)
		case inserted:
			outcomes[i] = domain.UpsertInserted
		default:
			outcomes[i] = domain.UpsertUpdated
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert tx: %w", err)
	}
	return outcomes, nil
}

func (r *ChunkRepository) UpdateChunkScope(ctx context.Context, id domain.ChunkIdentity, scopeKeys []string, metadata map[string]string) error {
	metadataJSON, err := json.Marshal(nonNilMetadata(metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
UPDATE indexed_chunks
SET scope_keys = $4, metadata = $5
WHERE source_type = $1 AND source_id = $2 AND chunk_index = $3
`, string(id.SourceType), id.SourceID, id.ChunkIndex, nonNilKeys(scopeKeys), metadataJSON)
	if err != nil {
		return fmt.Errorf("update chunk scope: %w", err)
	}
	return nil
}

func (r *ChunkRepository) DeleteSource(ctx context.Context, sourceType domain.SourceType, sourceID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM indexed_chunks
WHERE source_type = $1 AND source_id = $2
`, string(sourceType), sourceID)
	if err != nil {
		return 0, fmt.Errorf("delete source chunks: %w", err)
	}
	return rowsAffected(res)
}

func (r *ChunkRepository) DeleteChunksFrom(ctx context.Context, sourceType domain.SourceType, sourceID string, fromIndex int) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM indexed_chunks
WHERE source_type = $1 AND source_id = $2 AND chunk_index >= $3
`, string(sourceType), sourceID, fromIndex)
	if err != nil {
		return 0, fmt.Errorf("delete trailing chunks: %w", err)
	}
	return rowsAffected(res)
}

func (r *ChunkRepository) SearchLexical(ctx context.Context, queryText string, limit int, filter domain.SearchFilter) ([]domain.RetrievedChunk, error) {
	tsQuery := lexicalQuery(queryText)
	if tsQuery == "" || limit <= 0 {
		return []domain.RetrievedChunk{}, nil
	}

	args := []any{tsQuery, limit}
	scope, args := scopePredicate(filter, args)
	query := `
SELECT source_type, source_id, chunk_index, text, to_json(scope_keys), metadata, original_timestamp,
	ts_rank_cd(text_tsv, q) AS score
FROM indexed_chunks, to_tsquery('simple', $1) AS q
WHERE text_tsv @@ q AND ` + scope + `
ORDER BY score DESC, source_type, source_id, chunk_index
LIMIT $2`

	return r.search(ctx, r.db, "lexical", query, args)
}

// SearchVector runs the nearest-neighbour query in a read-only transaction
// with HNSW iterative scans enabled, so the scope predicate does not shrink
// the candidate list below limit. Requires pgvector 0.8.0 or newer.
func (r *ChunkRepository) SearchVector(ctx context.Context, queryVector []float32, limit int, filter domain.SearchFilter) ([]domain.RetrievedChunk, error) {
	if len(queryVector) == 0 || limit <= 0 {
		return []domain.RetrievedChunk{}, nil
	}

	args := []any{pgvector.NewVector(queryVector), limit}
	scope, args := scopePredicate(filter, args)
	query := `
SELECT source_type, source_id, chunk_index, text, to_json(scope_keys), metadata, original_timestamp,
	1 - (embedding <=> $1) AS score
FROM indexed_chunks
WHERE ` + scope + `
ORDER BY embedding <=> $1, source_type, source_id, chunk_index
LIMIT $2`

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin vector search tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
SELECT set_config('hnsw.iterative_scan', 'strict_order', true),
	set_config('hnsw.ef_search', $1, true)
`, strconv.Itoa(efSearch(limit))); err != nil {
		return nil, fmt.Errorf("configure hnsw scan: %w", err)
	}

	out, err := r.search(ctx, tx, "vector", query, args)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit vector search tx: %w", err)
	}
	return out, nil
}

// efSearch sizes the HNSW candidate list to at least the requested limit,
// within the range pgvector accepts.
func efSearch(limit int) int {
	return min(max(2*limit, 40), 1000)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *ChunkRepository) search(ctx context.Context, q queryer, kind, query string, args []any) ([]domain.RetrievedChunk, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", kind, err)
	}
	defer rows.Close()

	out := make([]domain.RetrievedChunk, 0)
	for rows.Next() {
		var (
			c            domain.RetrievedChunk
			sourceType   string
			scopeJSON    []byte
			metadataJSON []byte
		)
		if err := rows.Scan(
			&sourceType, &c.SourceID, &c.ChunkIndex, &c.Text, &scopeJSON, &metadataJSON, &c.OriginalTimestamp, &c.Score,
		); err != nil {
			return nil, fmt.Errorf("scan %s result: %w", kind, err)
		}
		c.SourceType = domain.SourceType(sourceType)
		if err := json.Unmarshal(scopeJSON, &c.ScopeKeys); err != nil {
			return nil, fmt.Errorf("unmarshal scope keys: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s results: %w", kind, err)
	}
	return out, nil
}

// scopePredicate renders the scope filter as a SQL boolean expression with
// its parameters appended to args. A chunk matches when its source type has
// at least one scope key bound to the group.
func scopePredicate(filter domain.SearchFilter, args []any) (string, []any) {
	if filter.Scope == nil {
		return "TRUE", args
	}

	var clauses []string
	for _, st := range domain.AllSourceTypes {
		keys := filter.Scope.KeysFor(st)
		if len(keys) == 0 {
			continue
		}
		args = append(args, string(st), keys)
		clauses = append(clauses, fmt.Sprintf("(source_type = $%d AND scope_keys && $%d::text[])", len(args)-1, len(args)))
	}
	if len(clauses) == 0 {
		return "FALSE", args
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

// lexicalQuery turns free text into an OR tsquery over its word tokens.
// Only letters and digits reach the query, so no tsquery syntax leaks in.
func lexicalQuery(text string) string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return strings.Join(out, " | ")
}

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func nonNilKeys(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
