package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

type retrievalHarness struct {
	index    *memoryIndex
	embedder *wordEmbedder
	scopes   *scopeStoreFake
	reranker *rerankerFake
}

func newRetrievalHarness() *retrievalHarness {
	h := &retrievalHarness{
		index:    newMemoryIndex(),
		embedder: newWordEmbedder("budget", "approved", "launch", "relevant"),
		scopes: &scopeStoreFake{bindings: map[string][]domain.ScopeBinding{
			"project-c1": {{SourceType: domain.SourceMessage, SourceKey: "C1"}},
			"empty":      nil,
		}},
	}
	h.index.put(h.indexed(domain.SourceMessage, "A", "budget approved", "C1"))
	h.index.put(h.indexed(domain.SourceMessage, "B", "budget approved, much more relevant wording about the budget", "C2"))
	return h
}

func (h *retrievalHarness) indexed(st domain.SourceType, id, text string, scope ...string) domain.IndexedChunk {
	return domain.IndexedChunk{
		ChunkIdentity:     domain.ChunkIdentity{SourceType: st, SourceID: id},
		Text:              text,
		Embedding:         h.embedder.vector(text),
		ContentHash:       contentHash(text),
		ScopeKeys:         scope,
		Metadata:          map[string]string{"channel_id": scope[0]},
		OriginalTimestamp: t0,
	}
}

func (h *retrievalHarness) useCase(opts RetrievalOptions) *HybridRetrievalUseCase {
	uc := NewHybridRetrievalUseCase(NewScopeResolverUseCase(h.scopes), h.index, h.embedder, nil, opts, discardLogger())
	if h.reranker != nil {
		uc.reranker = h.reranker
	}
	return uc
}

func strPtr(s string) *string { return &s }

func TestRetrieveScopeIsolation(t *testing.T) {
	h := newRetrievalHarness()
	uc := h.useCase(RetrievalOptions{})

	result, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget", ScopeGroupID: strPtr("project-c1")})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Status != domain.RetrievalOK {
		t.Fatalf("expected ok, got %s", result.Status)
	}
	if len(result.Chunks) != 1 || result.Chunks[0].SourceID != "A" {
		t.Fatalf("expected only chunk A, got %+v", result.Chunks)
	}
	if result.Chunks[0].Metadata["channel_id"] != "C1" {
		t.Fatalf("expected provenance metadata, got %+v", result.Chunks[0].Metadata)
	}
	if h.index.lastFilter.Scope == nil || !slices.Equal(h.index.lastFilter.Scope.ChannelIDs, []string{"C1"}) {
		t.Fatalf("expected scope pushed into the store query, got %+v", h.index.lastFilter)
	}
}

func TestRetrieveUnscopedSearchesEverything(t *testing.T) {
	h := newRetrievalHarness()
	uc := h.useCase(RetrievalOptions{})

	result, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("expected both chunks, got %+v", result.Chunks)
	}
	if result.Scope != nil || h.index.lastFilter.Scope != nil {
		t.Fatalf("expected unscoped search")
	}
}

func TestRetrieveEmptyScopeNeverFallsBack(t *testing.T) {
	for _, group := range []string{"empty", "deleted-group"} {
		t.Run(group, func(t *testing.T) {
			h := newRetrievalHarness()
			uc := h.useCase(RetrievalOptions{})

			result, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget", ScopeGroupID: strPtr(group)})
			if err != nil {
				t.Fatalf("empty scope must not be an error: %v", err)
			}
			if result.Status != domain.RetrievalEmptyScope || len(result.Chunks) != 0 {
				t.Fatalf("expected empty_scope result, got %+v", result)
			}
			if h.index.lexicalCalls != 0 || h.index.vectorCalls != 0 {
				t.Fatalf("store must not be searched for an empty scope")
			}
		})
	}
}

func TestRetrieveScopeWithoutIndexedChunks(t *testing.T) {
	h := newRetrievalHarness()
	h.scopes.bindings["other"] = []domain.ScopeBinding{{SourceType: domain.SourceEmail, SourceKey: "label-none"}}
	uc := h.useCase(RetrievalOptions{})

	result, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget", ScopeGroupID: strPtr("other")})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Status != domain.RetrievalNoMatches || len(result.Chunks) != 0 {
		t.Fatalf("expected no_matches, got %+v", result)
	}
}

func TestRetrieveEmptyIndex(t *testing.T) {
	h := newRetrievalHarness()
	h.index = newMemoryIndex()
	uc := h.useCase(RetrievalOptions{})

	result, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "anything"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if result.Status != domain.RetrievalNoMatches || result.Chunks == nil || len(result.Chunks) != 0 {
		t.Fatalf("expected empty no_matches result, got %+v", result)
	}
}

func TestRetrieveValidationHappensBeforeStorage(t *testing.T) {
	cases := []domain.RetrievalRequest{
		{Query: "   "},
		{Query: ""},
		{Query: "budget", ScopeGroupID: strPtr("")},
		{Query: "budget", ScopeGroupID: strPtr("bad id")},
		{Query: "budget", ScopeGroupID: strPtr("bad\x00id")},
	}
	for i, req := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			h := newRetrievalHarness()
			uc := h.useCase(RetrievalOptions{})

			_, err := uc.Retrieve(context.Background(), req)
			if !domain.IsKind(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if h.scopes.calls != 0 || h.index.lexicalCalls != 0 || h.index.vectorCalls != 0 {
				t.Fatalf("storage touched before validation")
			}
		})
	}
}

func TestRetrieveDegradesToLexicalOnly(t *testing.T) {
	h := newRetrievalHarness()
	h.embedder.queryErr = errors.New("embedding model unavailable")
	uc := h.useCase(RetrievalOptions{})

	result, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget"})
	if err != nil {
		t.Fatalf("embedding failure must degrade, got %v", err)
	}
	if len(result.Chunks) == 0 {
		t.Fatalf("expected lexical results")
	}
	if !slices.Contains(result.Degradations, domain.DegradedLexicalOnly) || !result.Degraded() {
		t.Fatalf("expected lexical_only degradation, got %v", result.Degradations)
	}
	if h.index.vectorCalls != 0 {
		t.Fatalf("vector search must be skipped without a query vector")
	}
	if result.Status != domain.RetrievalOK {
		t.Fatalf("expected ok status, got %s", result.Status)
	}
}

func TestRetrieveRerankOrdersAndTruncates(t *testing.T) {
	h := newRetrievalHarness()
	h.index.put(h.indexed(domain.SourceMessage, "C", "budget launch", "C1"))
	h.reranker = &rerankerFake{scores: func(_ string, texts []string) []float64 {
		scores := make([]float64, len(texts))
		for i, text := range texts {
			if text == "budget launch" {
				scores[i] = 10
			}
		}
		return scores
	}}
	uc := h.useCase(RetrievalOptions{RerankTopN: 20})

	result, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget", TopK: 1})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(result.Chunks) != 1 || result.Chunks[0].SourceID != "C" {
		t.Fatalf("expected reranked top result C, got %+v", result.Chunks)
	}
	if h.reranker.calls != 1 || h.reranker.seen != 3 {
		t.Fatalf("expected one batched rerank over 3 candidates, got calls=%d seen=%d", h.reranker.calls, h.reranker.seen)
	}
	if result.Degraded() {
		t.Fatalf("unexpected degradation %v", result.Degradations)
	}
}

func TestRetrieveRerankCandidatesCapped(t *testing.T) {
	h := newRetrievalHarness()
	for i := range 10 {
		h.index.put(h.indexed(domain.SourceMessage, fmt.Sprintf("n%02d", i), "budget note", "C1"))
	}
	h.reranker = &rerankerFake{scores: func(_ string, texts []string) []float64 { return make([]float64, len(texts)) }}
	uc := h.useCase(RetrievalOptions{RerankTopN: 4})

	if _, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget", TopK: 2}); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if h.reranker.seen != 4 {
		t.Fatalf("expected 4 rerank candidates, got %d", h.reranker.seen)
	}

	if _, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget", TopK: 6}); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if h.reranker.seen != 6 {
		t.Fatalf("rerank pool must never be smaller than top_k, got %d", h.reranker.seen)
	}
}

func TestRetrieveRerankFailureKeepsFusionOrder(t *testing.T) {
	h := newRetrievalHarness()
	h.reranker = &rerankerFake{err: errors.New("reranker down")}
	uc := h.useCase(RetrievalOptions{})

	result, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget"})
	if err != nil {
		t.Fatalf("rerank failure must degrade, got %v", err)
	}
	if !slices.Contains(result.Degradations, domain.DegradedRerankSkipped) {
		t.Fatalf("expected rerank_skipped, got %v", result.Degradations)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("expected fusion results, got %+v", result.Chunks)
	}
	if result.Chunks[0].Score < result.Chunks[1].Score {
		t.Fatalf("expected fusion order, got %+v", result.Chunks)
	}
}

func TestRetrieveStoreFailureIsFatal(t *testing.T) {
	h := newRetrievalHarness()
	h.index.lexicalErr = errors.New("connection reset")
	uc := h.useCase(RetrievalOptions{})

	_, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget"})
	if !domain.IsKind(err, domain.ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
}

type slowIndex struct {
	*memoryIndex
}

func (s slowIndex) SearchLexical(ctx context.Context, _ string, _ int, _ domain.SearchFilter) ([]domain.RetrievedChunk, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetrieveTimeout(t *testing.T) {
	h := newRetrievalHarness()
	uc := NewHybridRetrievalUseCase(
		NewScopeResolverUseCase(h.scopes),
		slowIndex{h.index},
		h.embedder,
		nil,
		RetrievalOptions{Timeout: 20 * time.Millisecond},
		discardLogger(),
	)

	_, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget"})
	if !domain.IsKind(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestRetrieveTopKBounds(t *testing.T) {
	h := newRetrievalHarness()
	for i := range 12 {
		h.index.put(h.indexed(domain.SourceMessage, fmt.Sprintf("x%02d", i), "budget", "C1"))
	}
	uc := h.useCase(RetrievalOptions{DefaultTopK: 5, MaxTopK: 8})

	result, err := uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(result.Chunks) != 5 {
		t.Fatalf("expected default top_k 5, got %d", len(result.Chunks))
	}

	result, err = uc.Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget", TopK: 100})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(result.Chunks) != 8 {
		t.Fatalf("expected capped top_k 8, got %d", len(result.Chunks))
	}
}

func TestRetrieveFlatRerankKeepsFusionOrder(t *testing.T) {
	h := newRetrievalHarness()
	h.index.put(h.indexed(domain.SourceMessage, "0-first-by-id", "budget", "C1"))
	h.reranker = &rerankerFake{err: errors.New("reranker down")}
	fused, err := h.useCase(RetrievalOptions{}).Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget approved", TopK: 3})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	h.reranker = &rerankerFake{scores: func(_ string, texts []string) []float64 {
		scores := make([]float64, len(texts))
		for i := range scores {
			scores[i] = 1
		}
		return scores
	}}
	reranked, err := h.useCase(RetrievalOptions{}).Retrieve(context.Background(), domain.RetrievalRequest{Query: "budget approved", TopK: 3})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	if len(fused.Chunks) != len(reranked.Chunks) {
		t.Fatalf("expected same result size, got %d and %d", len(fused.Chunks), len(reranked.Chunks))
	}
	for i := range fused.Chunks {
		if fused.Chunks[i].SourceID != reranked.Chunks[i].SourceID {
			t.Fatalf("flat rerank reordered results at %d: %s vs %s", i, fused.Chunks[i].SourceID, reranked.Chunks[i].SourceID)
		}
	}
}
