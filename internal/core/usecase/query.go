package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/core/ports"
)

type RetrievalOptions struct {
	DefaultTopK      int
	MaxTopK          int
	HybridCandidates int
	RRFK             int
	RerankTopN       int
	Timeout          time.Duration
}

func (o RetrievalOptions) normalize() RetrievalOptions {
	out := o
	if out.DefaultTopK <= 0 {
		out.DefaultTopK = 5
	}
	if out.MaxTopK <= 0 {
		out.MaxTopK = 50
	}
	if out.MaxTopK < out.DefaultTopK {
		out.MaxTopK = out.DefaultTopK
	}
	if out.HybridCandidates <= 0 {
		out.HybridCandidates = 30
	}
	if out.RRFK <= 0 {
		out.RRFK = 60
	}
	if out.RerankTopN <= 0 {
		out.RerankTopN = 20
	}
	return out
}

type HybridRetrievalUseCase struct {
	resolver ports.ScopeResolver
	store    ports.IndexStore
	embedder ports.Embedder
	reranker ports.Reranker
	opts     RetrievalOptions
	logger   *slog.Logger
}

func NewHybridRetrievalUseCase(
	resolver ports.ScopeResolver,
	store ports.IndexStore,
	embedder ports.Embedder,
	reranker ports.Reranker,
	opts RetrievalOptions,
	logger *slog.Logger,
) *HybridRetrievalUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridRetrievalUseCase{
		resolver: resolver,
		store:    store,
		embedder: embedder,
		reranker: reranker,
		opts:     opts.normalize(),
		logger:   logger,
	}
}

func (uc *HybridRetrievalUseCase) Retrieve(ctx context.Context, req domain.RetrievalRequest) (*domain.RetrievalResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("query is empty"))
	}
	if req.ScopeGroupID != nil {
		if err := validateScopeGroupID(*req.ScopeGroupID); err != nil {
			return nil, err
		}
	}
	topK := uc.topK(req.TopK)

	if uc.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.opts.Timeout)
		defer cancel()
	}

	result, err := uc.retrieve(ctx, query, req.ScopeGroupID, topK)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !domain.IsKind(err, domain.ErrTimeout) {
			return nil, domain.WrapError(domain.ErrTimeout, "retrieve", err)
		}
		return nil, err
	}
	return result, nil
}

func (uc *HybridRetrievalUseCase) retrieve(ctx context.Context, query string, scopeGroupID *string, topK int) (*domain.RetrievalResult, error) {
	result := &domain.RetrievalResult{Chunks: []domain.RetrievedChunk{}}

	var filter domain.SearchFilter
	if scopeGroupID != nil {
		scope, err := uc.resolver.Resolve(ctx, *scopeGroupID)
		if err != nil {
			return nil, fmt.Errorf("resolve scope: %w", err)
		}
		result.Scope = &scope
		if scope.IsEmpty() {
			// Never widen to an unscoped search.
			result.Status = domain.RetrievalEmptyScope
			return result, nil
		}
		filter.Scope = &scope
	}

	lexical, semantic, lexicalOnly, err := uc.search(ctx, query, filter)
	if err != nil {
		return nil, err
	}
	if lexicalOnly {
		result.Degradations = append(result.Degradations, domain.DegradedLexicalOnly)
	}

	fused := fuseCandidatesRRF(semantic, lexical, uc.opts.RRFK)
	fused = trimCandidates(fused, max(uc.opts.RerankTopN, topK))
	if len(fused) == 0 {
		result.Status = domain.RetrievalNoMatches
		return result, nil
	}

	final := fused
	if uc.reranker != nil {
		reranked, err := rerankCandidates(ctx, uc.reranker, query, fused)
		switch {
		case err == nil:
			final = reranked
		case ctx.Err() != nil:
			return nil, fmt.Errorf("rerank: %w", ctx.Err())
		default:
			uc.logger.Warn("retrieval_degraded",
				"reason", domain.DegradedRerankSkipped,
				"candidates", len(fused),
				"error", err,
			)
			result.Degradations = append(result.Degradations, domain.DegradedRerankSkipped)
		}
	}

	result.Chunks = trimCandidates(final, topK)
	result.Status = domain.RetrievalOK
	return result, nil
}

// search runs lexical and vector search concurrently. A failing query
// embedding degrades to lexical-only; store failures are returned.
func (uc *HybridRetrievalUseCase) search(
	ctx context.Context,
	query string,
	filter domain.SearchFilter,
) (lexical, semantic []domain.RetrievedChunk, lexicalOnly bool, err error) {
	limit := uc.opts.HybridCandidates

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chunks, err := uc.store.SearchLexical(gctx, query, limit, filter)
		if err != nil {
			return domain.WrapError(domain.ErrStore, "lexical search", err)
		}
		lexical = chunks
		return nil
	})
	g.Go(func() error {
		if uc.embedder == nil {
			lexicalOnly = true
			return nil
		}
		vector, err := uc.embedder.EmbedQuery(gctx, query)
		if err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			uc.logger.Warn("retrieval_degraded",
				"reason", domain.DegradedLexicalOnly,
				"error", err,
			)
			lexicalOnly = true
			return nil
		}
		chunks, err := uc.store.SearchVector(gctx, vector, limit, filter)
		if err != nil {
			return domain.WrapError(domain.ErrStore, "vector search", err)
		}
		semantic = chunks
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, false, err
	}
	return lexical, semantic, lexicalOnly, nil
}

func (uc *HybridRetrievalUseCase) topK(requested int) int {
	if requested <= 0 {
		return uc.opts.DefaultTopK
	}
	if requested > uc.opts.MaxTopK {
		return uc.opts.MaxTopK
	}
	return requested
}
