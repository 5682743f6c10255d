package usecase

import (
	"context"
	"fmt"
	"sort"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/core/ports"
)

// rerankCandidates scores every candidate against the query in a single
// model call and returns them ordered by the model score. Equal scores keep
// the order of candidates, which is the fused rank.
func rerankCandidates(
	ctx context.Context,
	reranker ports.Reranker,
	question string,
	candidates []domain.RetrievedChunk,
) ([]domain.RetrievedChunk, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	scores, err := reranker.Rerank(ctx, question, texts)
	if err != nil {
		return nil, domain.WrapError(domain.ErrRerankModel, "rerank candidates", err)
	}
	if len(scores) != len(candidates) {
		return nil, domain.WrapError(
			domain.ErrRerankModel,
			"rerank candidates",
			fmt.Errorf("scores/candidates mismatch: %d/%d", len(scores), len(candidates)),
		)
	}

	out := make([]domain.RetrievedChunk, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].Score = scores[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out, nil
}
