package domain

import "time"

type ChunkIdentity struct {
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
	ChunkIndex int        `json:"chunk_index"`
}

type IndexedChunk struct {
	ChunkIdentity
	Text              string            `json:"text"`
	Embedding         []float32         `json:"-"`
	ContentHash       string            `json:"content_hash"`
	ScopeKeys         []string          `json:"scope_keys"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	OriginalTimestamp time.Time         `json:"original_timestamp"`
	IndexedAt         time.Time         `json:"indexed_at"`
}

// ChunkState is the stored fingerprint of a chunk used for change detection.
type ChunkState struct {
	ContentHash string
	ScopeKeys   []string
}

type UpsertOutcome string

const (
	UpsertInserted  UpsertOutcome = "inserted"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

type SyncWatermark struct {
	SourceType   SourceType `json:"source_type"`
	LastSyncedAt time.Time  `json:"last_synced_at"`
	LastSourceID string     `json:"last_source_id"`
}

type SyncReport struct {
	SourceType SourceType    `json:"source_type"`
	Scanned    int           `json:"scanned"`
	Inserted   int           `json:"inserted"`
	Updated    int           `json:"updated"`
	Skipped    int           `json:"skipped"`
	Removed    int           `json:"removed"`
	Failed     int           `json:"failed"`
	Batches    int           `json:"batches"`
	Watermark  SyncWatermark `json:"watermark"`
	Duration   time.Duration `json:"duration_ns"`
}
