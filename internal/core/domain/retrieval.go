package domain

import "time"

// SearchFilter restricts a storage-level search. A nil Scope means unscoped.
type SearchFilter struct {
	Scope *ResolvedScope
}

type RetrievedChunk struct {
	SourceType        SourceType        `json:"source_type"`
	SourceID          string            `json:"source_id"`
	ChunkIndex        int               `json:"chunk_index"`
	Text              string            `json:"text"`
	Score             float64           `json:"score"`
	ScopeKeys         []string          `json:"scope_keys"`
	Metadata          map[string]string `json:"source_metadata,omitempty"`
	OriginalTimestamp time.Time         `json:"original_timestamp"`
}

func (c RetrievedChunk) Identity() ChunkIdentity {
	return ChunkIdentity{SourceType: c.SourceType, SourceID: c.SourceID, ChunkIndex: c.ChunkIndex}
}

type RetrievalRequest struct {
	Query        string  `json:"query"`
	ScopeGroupID *string `json:"scope_group_id"`
	TopK         int     `json:"top_k"`
}

type RetrievalStatus string

const (
	RetrievalOK         RetrievalStatus = "ok"
	RetrievalNoMatches  RetrievalStatus = "no_matches"
	RetrievalEmptyScope RetrievalStatus = "empty_scope"
)

const (
	DegradedLexicalOnly   = "lexical_only"
	DegradedRerankSkipped = "rerank_skipped"
)

type RetrievalResult struct {
	Chunks       []RetrievedChunk `json:"chunks"`
	Status       RetrievalStatus  `json:"status"`
	Degradations []string         `json:"degradations,omitempty"`
	Scope        *ResolvedScope   `json:"scope,omitempty"`
}

func (r *RetrievalResult) Degraded() bool {
	return r != nil && len(r.Degradations) > 0
}
