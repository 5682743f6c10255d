package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/resilience"
)

const defaultBatchSize = 256

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	BatchSize  int
}

// Embedder talks to any OpenAI-compatible /embeddings endpoint. Retries are
// left to the executor, so the SDK's own retry loop is disabled.
type Embedder struct {
	client    openai.Client
	model     string
	dims      int
	batchSize int
	executor  *resilience.Executor
}

func NewEmbedder(cfg Config, executor *resilience.Executor) *Embedder {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Embedder{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		dims:      cfg.Dimensions,
		batchSize: batchSize,
		executor:  executor,
	}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, domain.WrapError(domain.ErrEmbeddingModel, "openai embed query", fmt.Errorf("empty embedding result"))
	}
	return vectors[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dims > 0 {
		params.Dimensions = openai.Int(int64(e.dims))
	}

	var resp *openai.CreateEmbeddingResponse
	call := func(ctx context.Context) error {
		var err error
		resp, err = e.client.Embeddings.New(ctx, params)
		return err
	}

	var err error
	if e.executor == nil {
		err = call(ctx)
	} else {
		err = e.executor.Execute(ctx, "openai.embed", call, classifyOpenAIError)
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingModel, "openai embed", wrapTemporary(err))
	}
	if len(resp.Data) != len(texts) {
		return nil, domain.WrapError(domain.ErrEmbeddingModel, "openai embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) == 0 {
			return nil, domain.WrapError(domain.ErrEmbeddingModel, "openai embed", fmt.Errorf("empty embedding at index %d", i))
		}
		out[i] = toFloat32(d.Embedding)
	}
	return out, nil
}

// classifyOpenAIError maps SDK API errors onto the shared HTTP status rules.
func classifyOpenAIError(err error) resilience.ErrorClassification {
	return resilience.ClassifyHTTPError(asStatusError(err))
}

func wrapTemporary(err error) error {
	if class := classifyOpenAIError(err); class.Retryable {
		return domain.WrapError(domain.ErrTemporary, "openai embed", err)
	}
	return err
}

func asStatusError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &resilience.HTTPStatusError{
			Service:    "openai",
			Operation:  "embed",
			StatusCode: apiErr.StatusCode,
			Status:     http.StatusText(apiErr.StatusCode),
			Body:       apiErr.Message,
		}
	}
	return err
}

func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
