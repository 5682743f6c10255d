package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

const (
	denseVectorName  = "dense"
	sparseVectorName = "lexical"
	scrollPageSize   = 256
)

// pointNamespace seeds deterministic point ids so a chunk identity always
// maps to the same point.
var pointNamespace = uuid.MustParse("6f1c1c3e-5d0a-4b8e-9f43-2b7d0c1e9a11")

type Config struct {
	Host       string
	Port       int
	APIKey     string
	Collection string
	Dimensions int
}

// Store is the Qdrant IndexStore. Every chunk is one point with a named dense
// vector, a named sparse vector for lexical search and a payload carrying the
// chunk identity, text and scope keys.
type Store struct {
	client     *qdrant.Client
	collection string
	dims       int
	logger     *slog.Logger
}

// Open connects, waits for the server to report healthy and makes sure the
// collection and its payload indexes exist.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("invalid embedding dimensions: %d", cfg.Dimensions)
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	s := &Store{client: client, collection: cfg.Collection, dims: cfg.Dimensions, logger: logger}
	if err := s.healthCheckWithRetry(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant unreachable: %w", err)
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) Health(ctx context.Context) error {
	reply, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if reply == nil || reply.GetTitle() == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

func (s *Store) healthCheckWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	notify := func(err error, wait time.Duration) {
		s.logger.Warn("qdrant_health_retry", "error", err, "wait", wait)
	}
	return backoff.RetryNotify(func() error { return s.Health(ctx) }, backoff.WithContext(b, ctx), notify)
}

func (s *Store) ensureCollection(ctx context.Context) error {
	collections, err := s.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	if slices.Contains(collections, s.collection) {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     uint64(s.dims),
				Distance: qdrant.Distance_Cosine,
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			// Server-side IDF turns the saturated term frequencies into BM25.
			sparseVectorName: {Modifier: qdrant.Modifier_Idf.Enum()},
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	indexes := map[string]qdrant.FieldType{
		"source_type": qdrant.FieldType_FieldTypeKeyword,
		"source_id":   qdrant.FieldType_FieldTypeKeyword,
		"scope_keys":  qdrant.FieldType_FieldTypeKeyword,
		"chunk_index": qdrant.FieldType_FieldTypeInteger,
	}
	for field, fieldType := range indexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			FieldName:      field,
			FieldType:      fieldType.Enum(),
		})
		if err != nil {
			return fmt.Errorf("create index for field %s: %w", field, err)
		}
	}
	s.logger.Info("qdrant_collection_created", "collection", s.collection, "dimensions", s.dims)
	return nil
}

func (s *Store) ChunkStates(ctx context.Context, sourceType domain.SourceType, sourceIDs []string) (map[domain.ChunkIdentity]domain.ChunkState, error) {
	out := make(map[domain.ChunkIdentity]domain.ChunkState)
	if len(sourceIDs) == 0 {
		return out, nil
	}

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("source_type", string(sourceType)),
			qdrant.NewMatchKeywords("source_id", sourceIDs...),
		},
	}
	var offset *qdrant.PointId
	for {
		points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayloadInclude("source_type", "source_id", "chunk_index", "content_hash", "scope_keys"),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll chunk states: %w", err)
		}
		for _, p := range points {
			c := chunkFromPayload(p.GetPayload())
			out[c.ChunkIdentity] = domain.ChunkState{ContentHash: c.ContentHash, ScopeKeys: c.ScopeKeys}
		}
		// Scroll offsets are inclusive, so the last point repeats on the next
		// page; the map absorbs the duplicate.
		if len(points) < scrollPageSize {
			return out, nil
		}
		offset = points[len(points)-1].GetId()
	}
}

// UpsertChunks writes only chunks whose stored content hash differs. Qdrant
// has no conditional write, so hashes are read first; the sync run lock keeps
// writers for one source type serialized.
func (s *Store) UpsertChunks(ctx context.Context, chunks []domain.IndexedChunk) ([]domain.UpsertOutcome, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	ids := make([]*qdrant.PointId, len(chunks))
	for i, c := range chunks {
		ids[i] = qdrant.NewIDUUID(pointID(c.ChunkIdentity))
	}
	existing, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            ids,
		WithPayload:    qdrant.NewWithPayloadInclude("content_hash"),
	})
	if err != nil {
		return nil, fmt.Errorf("get existing points: %w", err)
	}
	stored := make(map[string]string, len(existing))
	for _, p := range existing {
		stored[p.GetId().GetUuid()] = p.GetPayload()["content_hash"].GetStringValue()
	}

	outcomes := make([]domain.UpsertOutcome, len(chunks))
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != s.dims {
			return nil, fmt.Errorf("chunk %s/%s#%d has %d dimensions, expected %d",
				c.SourceType, c.SourceID, c.ChunkIndex, len(c.Embedding), s.dims)
		}
		hash, ok := stored[ids[i].GetUuid()]
		switch {
		case !ok:
			outcomes[i] = domain.UpsertInserted
		case hash != c.ContentHash:
			outcomes[i] = domain.UpsertUpdated
		default:
			outcomes[i] = domain.UpsertUnchanged
			continue
		}
		points = append(points, toPoint(ids[i], c))
	}
	if len(points) == 0 {
		return outcomes, nil
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert points: %w", err)
	}
	return outcomes, nil
}

func (s *Store) UpdateChunkScope(ctx context.Context, id domain.ChunkIdentity, scopeKeys []string, metadata map[string]string) error {
	_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Payload: qdrant.NewValueMap(map[string]any{
			"scope_keys": anyStrings(scopeKeys),
			"metadata":   anyMap(metadata),
		}),
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDUUID(pointID(id))),
	})
	if err != nil {
		return fmt.Errorf("set scope payload: %w", err)
	}
	return nil
}

func (s *Store) DeleteSource(ctx context.Context, sourceType domain.SourceType, sourceID string) (int, error) {
	return s.deleteWhere(ctx, sourceFilter(sourceType, sourceID))
}

func (s *Store) DeleteChunksFrom(ctx context.Context, sourceType domain.SourceType, sourceID string, fromIndex int) (int, error) {
	filter := sourceFilter(sourceType, sourceID)
	filter.Must = append(filter.Must, qdrant.NewRange("chunk_index", &qdrant.Range{
		Gte: qdrant.PtrOf(float64(fromIndex)),
	}))
	return s.deleteWhere(ctx, filter)
}

func (s *Store) deleteWhere(ctx context.Context, filter *qdrant.Filter) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         filter,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return 0, fmt.Errorf("delete points: %w", err)
	}
	return int(n), nil
}

func (s *Store) SearchLexical(ctx context.Context, queryText string, limit int, filter domain.SearchFilter) ([]domain.RetrievedChunk, error) {
	sparse := encodeSparseQuery(queryText)
	if len(sparse.Indices) == 0 || limit <= 0 {
		return []domain.RetrievedChunk{}, nil
	}
	return s.query(ctx, "lexical", qdrant.NewQuerySparse(sparse.Indices, sparse.Values), sparseVectorName, limit, filter)
}

func (s *Store) SearchVector(ctx context.Context, queryVector []float32, limit int, filter domain.SearchFilter) ([]domain.RetrievedChunk, error) {
	if len(queryVector) == 0 || limit <= 0 {
		return []domain.RetrievedChunk{}, nil
	}
	return s.query(ctx, "vector", qdrant.NewQueryDense(queryVector), denseVectorName, limit, filter)
}

func (s *Store) query(ctx context.Context, kind string, q *qdrant.Query, using string, limit int, filter domain.SearchFilter) ([]domain.RetrievedChunk, error) {
	qf, matchesNothing := scopeFilter(filter)
	if matchesNothing {
		return []domain.RetrievedChunk{}, nil
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          q,
		Using:          qdrant.PtrOf(using),
		Filter:         qf,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", kind, err)
	}

	out := make([]domain.RetrievedChunk, 0, len(points))
	for _, p := range points {
		c := chunkFromPayload(p.GetPayload())
		out = append(out, domain.RetrievedChunk{
			SourceType:        c.SourceType,
			SourceID:          c.SourceID,
			ChunkIndex:        c.ChunkIndex,
			Text:              c.Text,
			ScopeKeys:         c.ScopeKeys,
			Metadata:          c.Metadata,
			OriginalTimestamp: c.OriginalTimestamp,
			Score:             float64(p.GetScore()),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// scopeFilter turns the resolved scope into a Should over per-source-type
// clauses. The bool result reports a scope that can match no chunk at all.
func scopeFilter(filter domain.SearchFilter) (*qdrant.Filter, bool) {
	if filter.Scope == nil {
		return nil, false
	}
	var should []*qdrant.Condition
	for _, st := range domain.AllSourceTypes {
		keys := filter.Scope.KeysFor(st)
		if len(keys) == 0 {
			continue
		}
		should = append(should, qdrant.NewFilterAsCondition(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("source_type", string(st)),
				qdrant.NewMatchKeywords("scope_keys", keys...),
			},
		}))
	}
	if len(should) == 0 {
		return nil, true
	}
	return &qdrant.Filter{Should: should}, false
}

func sourceFilter(sourceType domain.SourceType, sourceID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("source_type", string(sourceType)),
			qdrant.NewMatch("source_id", sourceID),
		},
	}
}

func pointID(id domain.ChunkIdentity) string {
	key := fmt.Sprintf("%s/%s#%d", id.SourceType, id.SourceID, id.ChunkIndex)
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}

func toPoint(id *qdrant.PointId, c domain.IndexedChunk) *qdrant.PointStruct {
	title := c.Metadata["title"]
	if title == "" {
		title = c.Metadata["subject"]
	}
	sparse := encodeSparseDocument(c.Text, title)
	return &qdrant.PointStruct{
		Id: id,
		Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
			denseVectorName:  qdrant.NewVectorDense(c.Embedding),
			sparseVectorName: qdrant.NewVectorSparse(sparse.Indices, sparse.Values),
		}),
		Payload: qdrant.NewValueMap(chunkPayload(c)),
	}
}

func chunkPayload(c domain.IndexedChunk) map[string]any {
	return map[string]any{
		"source_type":        string(c.SourceType),
		"source_id":          c.SourceID,
		"chunk_index":        int64(c.ChunkIndex),
		"text":               c.Text,
		"content_hash":       c.ContentHash,
		"scope_keys":         anyStrings(c.ScopeKeys),
		"metadata":           anyMap(c.Metadata),
		"original_timestamp": c.OriginalTimestamp.UTC().Format(time.RFC3339Nano),
		"indexed_at":         c.IndexedAt.UTC().Format(time.RFC3339Nano),
	}
}

func chunkFromPayload(payload map[string]*qdrant.Value) domain.IndexedChunk {
	c := domain.IndexedChunk{
		ChunkIdentity: domain.ChunkIdentity{
			SourceType: domain.SourceType(payload["source_type"].GetStringValue()),
			SourceID:   payload["source_id"].GetStringValue(),
			ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
		},
		Text:        payload["text"].GetStringValue(),
		ContentHash: payload["content_hash"].GetStringValue(),
		ScopeKeys:   []string{},
	}
	for _, v := range payload["scope_keys"].GetListValue().GetValues() {
		c.ScopeKeys = append(c.ScopeKeys, v.GetStringValue())
	}
	if fields := payload["metadata"].GetStructValue().GetFields(); len(fields) > 0 {
		c.Metadata = make(map[string]string, len(fields))
		for k, v := range fields {
			c.Metadata[k] = v.GetStringValue()
		}
	}
	if ts, err := time.Parse(time.RFC3339Nano, payload["original_timestamp"].GetStringValue()); err == nil {
		c.OriginalTimestamp = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, payload["indexed_at"].GetStringValue()); err == nil {
		c.IndexedAt = ts
	}
	return c
}

func anyStrings(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func anyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
