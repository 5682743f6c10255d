package ports

import (
	"context"
	"time"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

// SourceFeed reads raw connector records changed after a watermark.
type SourceFeed interface {
	FetchChanged(ctx context.Context, sourceType domain.SourceType, after domain.SyncWatermark, limit int) ([]domain.SourceItem, error)
}

// Normalizer turns a raw source record into a TextUnit.
type Normalizer interface {
	Normalize(item domain.SourceItem) (domain.TextUnit, error)
}

// Chunker splits unit text into indexable chunks.
type Chunker interface {
	Split(text string) []string
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Reranker scores each candidate text against the query in one call.
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
}

// IndexStore persists indexed chunks and serves lexical and vector search.
// Search implementations must apply filter.Scope inside the storage query.
type IndexStore interface {
	ChunkStates(ctx context.Context, sourceType domain.SourceType, sourceIDs []string) (map[domain.ChunkIdentity]domain.ChunkState, error)
	UpsertChunks(ctx context.Context, chunks []domain.IndexedChunk) ([]domain.UpsertOutcome, error)
	UpdateChunkScope(ctx context.Context, id domain.ChunkIdentity, scopeKeys []string, metadata map[string]string) error
	DeleteSource(ctx context.Context, sourceType domain.SourceType, sourceID string) (int, error)
	DeleteChunksFrom(ctx context.Context, sourceType domain.SourceType, sourceID string, fromIndex int) (int, error)
	SearchLexical(ctx context.Context, queryText string, limit int, filter domain.SearchFilter) ([]domain.RetrievedChunk, error)
	SearchVector(ctx context.Context, queryVector []float32, limit int, filter domain.SearchFilter) ([]domain.RetrievedChunk, error)
}

// WatermarkStore persists per-source sync progress.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, sourceType domain.SourceType) (domain.SyncWatermark, error)
	SaveWatermark(ctx context.Context, watermark domain.SyncWatermark) error
}

// ScopeStore reads scope group bindings.
type ScopeStore interface {
	ListBindings(ctx context.Context, groupID string) ([]domain.ScopeBinding, error)
}

// ScopeGroupStore adds group maintenance to ScopeStore.
type ScopeGroupStore interface {
	ScopeStore
	SaveGroup(ctx context.Context, group domain.ScopeGroup) error
	DeleteGroup(ctx context.Context, groupID string) error
}

// SourceItemWriter records a new version of a raw item in the staging feed
// and returns the time the feed stamped it with.
type SourceItemWriter interface {
	Put(ctx context.Context, item domain.SourceItem) (time.Time, error)
}

// SyncTriggerPublisher asks the workers to run a sync for one source type.
type SyncTriggerPublisher interface {
	PublishSync(ctx context.Context, sourceType domain.SourceType) error
}

// RunLocker guarantees a single running sync per source type.
type RunLocker interface {
	TryLock(ctx context.Context, sourceType domain.SourceType) (release func(), err error)
}
