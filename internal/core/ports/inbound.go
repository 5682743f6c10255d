package ports

import (
	"context"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

// Synchronizer is the inbound contract for incremental index synchronization.
type Synchronizer interface {
	Sync(ctx context.Context, sourceType domain.SourceType) (domain.SyncReport, error)
	SyncAll(ctx context.Context) ([]domain.SyncReport, error)
}

// Retriever is the inbound contract for scoped hybrid retrieval.
type Retriever interface {
	Retrieve(ctx context.Context, req domain.RetrievalRequest) (*domain.RetrievalResult, error)
}

// ScopeResolver maps a scope group id to the container ids bound to it.
type ScopeResolver interface {
	Resolve(ctx context.Context, groupID string) (domain.ResolvedScope, error)
}

// SourceIngestor accepts raw items from connectors into the staging feed.
type SourceIngestor interface {
	Ingest(ctx context.Context, item domain.SourceItem) (domain.SourceItem, error)
}

// ScopeGroupManager maintains scope groups and their bindings.
type ScopeGroupManager interface {
	SaveGroup(ctx context.Context, group domain.ScopeGroup) (domain.ScopeGroup, error)
	DeleteGroup(ctx context.Context, groupID string) error
	Resolve(ctx context.Context, groupID string) (domain.ResolvedScope, error)
}
