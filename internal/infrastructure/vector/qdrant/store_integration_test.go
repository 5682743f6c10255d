//go:build integration

package qdrant

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		t.Skip("QDRANT_HOST not set")
	}
	port := 6334
	if raw := os.Getenv("QDRANT_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			port = v
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	store, err := Open(ctx, Config{
		Host:       host,
		Port:       port,
		Collection: fmt.Sprintf("retrieval_it_%d", time.Now().UnixNano()),
		Dimensions: 3,
	}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.client.DeleteCollection(context.Background(), store.collection)
		_ = store.Close()
	})
	return store
}

func itChunk(st domain.SourceType, id string, idx int, text, hash string, keys []string, vec []float32) domain.IndexedChunk {
	return domain.IndexedChunk{
		ChunkIdentity:     domain.ChunkIdentity{SourceType: st, SourceID: id, ChunkIndex: idx},
		Text:              text,
		Embedding:         vec,
		ContentHash:       hash,
		ScopeKeys:         keys,
		OriginalTimestamp: time.Now().UTC(),
		IndexedAt:         time.Now().UTC(),
	}
}

func TestStoreScopedHybridSearch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	outcomes, err := store.UpsertChunks(ctx, []domain.IndexedChunk{
		itChunk(domain.SourceMessage, "m1", 0, "budget approved", "h1", []string{"C1"}, []float32{1, 0, 0}),
		itChunk(domain.SourceMessage, "m2", 0, "budget approved for Q3 launch", "h2", []string{"C2"}, []float32{0.9, 0.1, 0}),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if outcomes[0] != domain.UpsertInserted || outcomes[1] != domain.UpsertInserted {
		t.Fatalf("unexpected outcomes %v", outcomes)
	}

	again, err := store.UpsertChunks(ctx, []domain.IndexedChunk{
		itChunk(domain.SourceMessage, "m1", 0, "budget approved", "h1", []string{"C1"}, []float32{1, 0, 0}),
	})
	if err != nil || again[0] != domain.UpsertUnchanged {
		t.Fatalf("expected unchanged, got %v err=%v", again, err)
	}

	scope := &domain.ResolvedScope{GroupID: "g", ChannelIDs: []string{"C1"}}
	lexical, err := store.SearchLexical(ctx, "budget approved", 10, domain.SearchFilter{Scope: scope})
	if err != nil {
		t.Fatalf("lexical: %v", err)
	}
	if len(lexical) != 1 || lexical[0].SourceID != "m1" {
		t.Fatalf("scope leaked into lexical results: %+v", lexical)
	}
	vector, err := store.SearchVector(ctx, []float32{0.9, 0.1, 0}, 10, domain.SearchFilter{Scope: scope})
	if err != nil {
		t.Fatalf("vector: %v", err)
	}
	if len(vector) != 1 || vector[0].SourceID != "m1" {
		t.Fatalf("scope leaked into vector results: %+v", vector)
	}

	removed, err := store.DeleteSource(ctx, domain.SourceMessage, "m2")
	if err != nil || removed != 1 {
		t.Fatalf("delete source: n=%d err=%v", removed, err)
	}
}
