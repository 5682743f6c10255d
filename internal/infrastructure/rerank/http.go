package rerank

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/resilience"
)

// CrossEncoder calls a text-embeddings-inference style /rerank endpoint:
// POST {query, texts} -> [{index, score}].
type CrossEncoder struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

func NewCrossEncoder(baseURL, model string, executor *resilience.Executor) *CrossEncoder {
	return &CrossEncoder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		executor:   executor,
	}
}

type rerankRequest struct {
	Model string   `json:"model,omitempty"`
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank returns one score per text, aligned with the input order.
func (c *CrossEncoder) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return []float64{}, nil
	}

	var results []rerankResult
	call := func(ctx context.Context) error {
		results = nil
		return resilience.PostJSON(ctx, c.httpClient, "reranker", "rerank", c.baseURL+"/rerank",
			rerankRequest{Model: c.model, Query: query, Texts: texts}, &results)
	}

	var err error
	if c.executor == nil {
		err = call(ctx)
	} else {
		err = c.executor.Execute(ctx, "rerank.cross_encoder", call, resilience.ClassifyHTTPError)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrRerankModel, "cross-encoder rerank", resilience.WrapTemporary("cross-encoder rerank", err))
	}

	scores := make([]float64, len(texts))
	seen := make([]bool, len(texts))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(texts) {
			return nil, domain.WrapError(domain.ErrRerankModel, "cross-encoder rerank", fmt.Errorf("result index %d out of range", r.Index))
		}
		scores[r.Index] = r.Score
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, domain.WrapError(domain.ErrRerankModel, "cross-encoder rerank", fmt.Errorf("missing score for text %d", i))
		}
	}
	return scores, nil
}
