package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryIndex is an in-memory IndexStore. Search applies the scope filter
// before ranking, the same way the SQL predicate does.
type memoryIndex struct {
	mu     sync.Mutex
	rows   map[domain.ChunkIdentity]domain.IndexedChunk
	writes int

	upsertErr  error
	lexicalErr error
	vectorErr  error

	lexicalCalls int
	vectorCalls  int
	lastFilter   domain.SearchFilter
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{rows: make(map[domain.ChunkIdentity]domain.IndexedChunk)}
}

func (m *memoryIndex) put(chunk domain.IndexedChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[chunk.ChunkIdentity] = chunk
}

func (m *memoryIndex) snapshot() map[domain.ChunkIdentity]domain.IndexedChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.ChunkIdentity]domain.IndexedChunk, len(m.rows))
	for k, v := range m.rows {
		out[k] = v
	}
	return out
}

func (m *memoryIndex) ChunkStates(_ context.Context, st domain.SourceType, sourceIDs []string) (map[domain.ChunkIdentity]domain.ChunkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.ChunkIdentity]domain.ChunkState)
	for id, row := range m.rows {
		if id.SourceType == st && slices.Contains(sourceIDs, id.SourceID) {
			out[id] = domain.ChunkState{ContentHash: row.ContentHash, ScopeKeys: row.ScopeKeys}
		}
	}
	return out, nil
}

func (m *memoryIndex) UpsertChunks(_ context.Context, chunks []domain.IndexedChunk) ([]domain.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	outcomes := make([]domain.UpsertOutcome, len(chunks))
	for i, chunk := range chunks {
		existing, ok := m.rows[chunk.ChunkIdentity]
		switch {
		case !ok:
			outcomes[i] = domain.UpsertInserted
		case existing.ContentHash == chunk.ContentHash:
			outcomes[i] = domain.UpsertUnchanged
			continue
		default:
			outcomes[i] = domain.UpsertUpdated
		}
		m.rows[chunk.ChunkIdentity] = chunk
		m.writes++
	}
	return outcomes, nil
}

func (m *memoryIndex) UpdateChunkScope(_ context.Context, id domain.ChunkIdentity, scopeKeys []string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil
	}
	row.ScopeKeys = scopeKeys
	row.Metadata = metadata
	m.rows[id] = row
	m.writes++
	return nil
}

func (m *memoryIndex) DeleteSource(_ context.Context, st domain.SourceType, sourceID string) (int, error) {
	return m.deleteWhere(func(id domain.ChunkIdentity) bool {
		return id.SourceType == st && id.SourceID == sourceID
	}), nil
}

func (m *memoryIndex) DeleteChunksFrom(_ context.Context, st domain.SourceType, sourceID string, fromIndex int) (int, error) {
	return m.deleteWhere(func(id domain.ChunkIdentity) bool {
		return id.SourceType == st && id.SourceID == sourceID && id.ChunkIndex >= fromIndex
	}), nil
}

func (m *memoryIndex) deleteWhere(match func(domain.ChunkIdentity) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.rows {
		if match(id) {
			delete(m.rows, id)
			n++
		}
	}
	return n
}

func inScope(row domain.IndexedChunk, filter domain.SearchFilter) bool {
	if filter.Scope == nil {
		return true
	}
	allowed := filter.Scope.KeysFor(row.SourceType)
	for _, key := range row.ScopeKeys {
		if slices.Contains(allowed, key) {
			return true
		}
	}
	return false
}

func (m *memoryIndex) SearchLexical(_ context.Context, queryText string, limit int, filter domain.SearchFilter) ([]domain.RetrievedChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lexicalCalls++
	m.lastFilter = filter
	if m.lexicalErr != nil {
		return nil, m.lexicalErr
	}
	terms := strings.Fields(strings.ToLower(queryText))
	var out []domain.RetrievedChunk
	for _, row := range m.rows {
		if !inScope(row, filter) {
			continue
		}
		text := strings.ToLower(row.Text)
		hits := 0
		for _, term := range terms {
			hits += strings.Count(text, term)
		}
		if hits == 0 {
			continue
		}
		out = append(out, toRetrieved(row, float64(hits)))
	}
	return rankAndLimit(out, limit), nil
}

func (m *memoryIndex) SearchVector(_ context.Context, queryVector []float32, limit int, filter domain.SearchFilter) ([]domain.RetrievedChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectorCalls++
	m.lastFilter = filter
	if m.vectorErr != nil {
		return nil, m.vectorErr
	}
	var out []domain.RetrievedChunk
	for _, row := range m.rows {
		if !inScope(row, filter) {
			continue
		}
		out = append(out, toRetrieved(row, cosine(queryVector, row.Embedding)))
	}
	return rankAndLimit(out, limit), nil
}

func toRetrieved(row domain.IndexedChunk, score float64) domain.RetrievedChunk {
	return domain.RetrievedChunk{
		SourceType:        row.SourceType,
		SourceID:          row.SourceID,
		ChunkIndex:        row.ChunkIndex,
		Text:              row.Text,
		Score:             score,
		ScopeKeys:         row.ScopeKeys,
		Metadata:          row.Metadata,
		OriginalTimestamp: row.OriginalTimestamp,
	}
}

func rankAndLimit(chunks []domain.RetrievedChunk, limit int) []domain.RetrievedChunk {
	sortRetrieved(chunks)
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// wordEmbedder maps text to a tiny bag-of-known-words vector.
type wordEmbedder struct {
	mu       sync.Mutex
	vocab    []string
	failText map[string]bool
	failAll  bool
	queryErr error
	calls    int
	embedded []string
}

func newWordEmbedder(vocab ...string) *wordEmbedder {
	return &wordEmbedder{vocab: vocab, failText: map[string]bool{}}
}

func (e *wordEmbedder) vector(text string) []float32 {
	lower := strings.ToLower(text)
	v := make([]float32, len(e.vocab)+1)
	for i, w := range e.vocab {
		v[i] = float32(strings.Count(lower, w))
	}
	v[len(e.vocab)] = 0.01
	return v
}

func (e *wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failAll {
		return nil, errors.New("model unavailable")
	}
	for _, text := range texts {
		if e.failText[text] {
			return nil, errors.New("model rejected input")
		}
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
		e.embedded = append(e.embedded, text)
	}
	return out, nil
}

func (e *wordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.queryErr != nil {
		return nil, e.queryErr
	}
	return e.vector(text), nil
}

func (e *wordEmbedder) embeddedTexts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.embedded...)
}

type rerankerFake struct {
	scores func(query string, texts []string) []float64
	err    error
	calls  int
	seen   int
}

func (r *rerankerFake) Rerank(_ context.Context, query string, texts []string) ([]float64, error) {
	r.calls++
	r.seen = len(texts)
	if r.err != nil {
		return nil, r.err
	}
	return r.scores(query, texts), nil
}

type scopeStoreFake struct {
	bindings map[string][]domain.ScopeBinding
	err      error
	calls    int
}

func (s *scopeStoreFake) ListBindings(_ context.Context, groupID string) ([]domain.ScopeBinding, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.bindings[groupID], nil
}

// feedFake serves items ordered by (updated_at, source_id) after the watermark.
type feedFake struct {
	mu       sync.Mutex
	items    map[domain.SourceType][]domain.SourceItem
	err      error
	requests []domain.SyncWatermark
}

func newFeedFake() *feedFake {
	return &feedFake{items: make(map[domain.SourceType][]domain.SourceItem)}
}

func (f *feedFake) upsert(item domain.SourceItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.items[item.SourceType]
	for i := range list {
		if list[i].SourceID == item.SourceID {
			list[i] = item
			f.items[item.SourceType] = list
			return
		}
	}
	f.items[item.SourceType] = append(list, item)
}

func (f *feedFake) FetchChanged(_ context.Context, st domain.SourceType, after domain.SyncWatermark, limit int) ([]domain.SourceItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, after)
	if f.err != nil {
		return nil, f.err
	}
	list := append([]domain.SourceItem(nil), f.items[st]...)
	sort.Slice(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.Before(list[j].UpdatedAt)
		}
		return list[i].SourceID < list[j].SourceID
	})
	var out []domain.SourceItem
	for _, item := range list {
		newer := item.UpdatedAt.After(after.LastSyncedAt) ||
			(item.UpdatedAt.Equal(after.LastSyncedAt) && item.SourceID > after.LastSourceID)
		if !newer {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// testPayload is the raw shape the fake normalizer understands.
type testPayload struct {
	Text  string   `json:"text"`
	Scope []string `json:"scope"`
}

func rawItem(st domain.SourceType, id, text string, at time.Time, scope ...string) domain.SourceItem {
	payload, _ := json.Marshal(testPayload{Text: text, Scope: scope})
	return domain.SourceItem{SourceType: st, SourceID: id, Payload: payload, UpdatedAt: at}
}

func tombstone(st domain.SourceType, id string, at time.Time) domain.SourceItem {
	return domain.SourceItem{SourceType: st, SourceID: id, Deleted: true, UpdatedAt: at}
}

type normalizerFake struct{}

func (normalizerFake) Normalize(item domain.SourceItem) (domain.TextUnit, error) {
	unit := domain.TextUnit{
		SourceType: item.SourceType,
		SourceID:   item.SourceID,
		UpdatedAt:  item.UpdatedAt,
		Deleted:    item.Deleted,
	}
	if item.Deleted {
		return unit, nil
	}
	var p testPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return domain.TextUnit{}, domain.WrapError(domain.ErrInvalidInput, "normalize", err)
	}
	unit.Text = p.Text
	unit.ScopeKeys = append([]string(nil), p.Scope...)
	sort.Strings(unit.ScopeKeys)
	unit.Metadata = map[string]string{"scope": strings.Join(unit.ScopeKeys, ",")}
	return unit, nil
}

// paragraphChunker splits on blank lines.
type paragraphChunker struct{}

func (paragraphChunker) Split(text string) []string {
	var out []string
	for _, part := range strings.Split(text, "\n\n") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type watermarkStoreFake struct {
	mu      sync.Mutex
	marks   map[domain.SourceType]domain.SyncWatermark
	saveErr error
	saves   int
}

func newWatermarkStoreFake() *watermarkStoreFake {
	return &watermarkStoreFake{marks: make(map[domain.SourceType]domain.SyncWatermark)}
}

func (w *watermarkStoreFake) GetWatermark(_ context.Context, st domain.SourceType) (domain.SyncWatermark, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.marks[st], nil
}

func (w *watermarkStoreFake) SaveWatermark(_ context.Context, mark domain.SyncWatermark) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.saveErr != nil {
		return w.saveErr
	}
	w.marks[mark.SourceType] = mark
	w.saves++
	return nil
}

type lockerFake struct {
	mu       sync.Mutex
	held     map[domain.SourceType]bool
	released int
}

func newLockerFake() *lockerFake {
	return &lockerFake{held: make(map[domain.SourceType]bool)}
}

func (l *lockerFake) TryLock(_ context.Context, st domain.SourceType) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[st] {
		return nil, domain.WrapError(domain.ErrSyncInProgress, "acquire sync lock", errors.New("lock held"))
	}
	l.held[st] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held[st] = false
		l.released++
	}, nil
}
