package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/core/ports"
)

type SyncOptions struct {
	BatchSize      int
	EmbedBatchSize int
}

func (o SyncOptions) normalize() SyncOptions {
	out := o
	if out.BatchSize <= 0 {
		out.BatchSize = 200
	}
	if out.EmbedBatchSize <= 0 {
		out.EmbedBatchSize = 32
	}
	return out
}

type SyncUseCase struct {
	feed       ports.SourceFeed
	normalizer ports.Normalizer
	chunker    ports.Chunker
	embedder   ports.Embedder
	store      ports.IndexStore
	watermarks ports.WatermarkStore
	locker     ports.RunLocker
	opts       SyncOptions
	logger     *slog.Logger
	now        func() time.Time
}

func NewSyncUseCase(
	feed ports.SourceFeed,
	normalizer ports.Normalizer,
	chunker ports.Chunker,
	embedder ports.Embedder,
	store ports.IndexStore,
	watermarks ports.WatermarkStore,
	locker ports.RunLocker,
	opts SyncOptions,
	logger *slog.Logger,
) *SyncUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncUseCase{
		feed:       feed,
		normalizer: normalizer,
		chunker:    chunker,
		embedder:   embedder,
		store:      store,
		watermarks: watermarks,
		locker:     locker,
		opts:       opts.normalize(),
		logger:     logger,
		now:        time.Now,
	}
}

// Sync indexes every item of sourceType changed after the stored watermark.
// The watermark moves only after a batch has been fully written.
func (uc *SyncUseCase) Sync(ctx context.Context, sourceType domain.SourceType) (domain.SyncReport, error) {
	report := domain.SyncReport{SourceType: sourceType}
	if _, err := domain.ParseSourceType(string(sourceType)); err != nil {
		return report, err
	}

	release, err := uc.locker.TryLock(ctx, sourceType)
	if err != nil {
		return report, err
	}
	defer release()

	started := uc.now()
	report, err = uc.run(ctx, sourceType)
	report.Duration = uc.now().Sub(started)
	if err != nil {
		return report, err
	}

	uc.logger.Info("sync_completed",
		"source_type", sourceType,
		"scanned", report.Scanned,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"skipped", report.Skipped,
		"removed", report.Removed,
		"failed", report.Failed,
		"batches", report.Batches,
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

func (uc *SyncUseCase) run(ctx context.Context, sourceType domain.SourceType) (domain.SyncReport, error) {
	report := domain.SyncReport{SourceType: sourceType}

	watermark, err := uc.watermarks.GetWatermark(ctx, sourceType)
	if err != nil {
		return report, domain.WrapError(domain.ErrStore, "get watermark", err)
	}
	watermark.SourceType = sourceType
	report.Watermark = watermark

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		items, err := uc.feed.FetchChanged(ctx, sourceType, watermark, uc.opts.BatchSize)
		if err != nil {
			return report, domain.WrapError(domain.ErrStore, "fetch changed items", err)
		}
		if len(items) == 0 {
			break
		}

		batch, err := uc.processBatch(ctx, sourceType, items)
		report.Scanned += batch.Scanned
		report.Inserted += batch.Inserted
		report.Updated += batch.Updated
		report.Skipped += batch.Skipped
		report.Removed += batch.Removed
		report.Failed += batch.Failed
		if err != nil {
			uc.logger.Error("sync_batch_failed",
				"source_type", sourceType,
				"batch_size", len(items),
				"watermark", watermark.LastSyncedAt,
				"error", err,
			)
			return report, err
		}

		last := items[len(items)-1]
		next := domain.SyncWatermark{
			SourceType:   sourceType,
			LastSyncedAt: last.UpdatedAt,
			LastSourceID: last.SourceID,
		}
		if err := uc.watermarks.SaveWatermark(ctx, next); err != nil {
			return report, domain.WrapError(domain.ErrStore, "save watermark", err)
		}
		watermark = next
		report.Watermark = next
		report.Batches++

		uc.logger.Info("sync_batch_committed",
			"source_type", sourceType,
			"items", len(items),
			"inserted", batch.Inserted,
			"updated", batch.Updated,
			"skipped", batch.Skipped,
			"removed", batch.Removed,
			"failed", batch.Failed,
			"watermark", next.LastSyncedAt,
		)

		if len(items) < uc.opts.BatchSize {
			break
		}
	}
	return report, nil
}

// SyncAll runs every source type in parallel. Each source keeps its own lock
// and watermark, so one failing source does not stop the others.
func (uc *SyncUseCase) SyncAll(ctx context.Context) ([]domain.SyncReport, error) {
	reports := make([]domain.SyncReport, len(domain.AllSourceTypes))
	errs := make([]error, len(domain.AllSourceTypes))

	var g errgroup.Group
	for i, st := range domain.AllSourceTypes {
		g.Go(func() error {
			report, err := uc.Sync(ctx, st)
			reports[i] = report
			if err != nil {
				errs[i] = fmt.Errorf("sync %s: %w", st, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return reports, errors.Join(errs...)
}

type pendingChunk struct {
	chunk    domain.IndexedChunk
	existing *domain.ChunkState
}

func (uc *SyncUseCase) processBatch(ctx context.Context, sourceType domain.SourceType, items []domain.SourceItem) (domain.SyncReport, error) {
	var report domain.SyncReport
	report.Scanned = len(items)

	units := make([]domain.TextUnit, 0, len(items))
	for _, item := range items {
		unit, err := uc.normalizer.Normalize(item)
		if err != nil {
			report.Failed++
			uc.logger.Warn("normalize_failed",
				"source_type", sourceType,
				"source_id", item.SourceID,
				"error", err,
			)
			continue
		}
		units = append(units, unit)
	}

	live := make([]string, 0, len(units))
	for _, unit := range units {
		if !unit.Deleted && unit.Text != "" {
			live = append(live, unit.SourceID)
		}
	}
	states, err := uc.store.ChunkStates(ctx, sourceType, live)
	if err != nil {
		return report, domain.WrapError(domain.ErrStore, "load chunk states", err)
	}

	var pending []pendingChunk
	for _, unit := range units {
		if unit.Deleted || unit.Text == "" {
			removed, err := uc.store.DeleteSource(ctx, sourceType, unit.SourceID)
			if err != nil {
				return report, domain.WrapError(domain.ErrStore, "delete source chunks", err)
			}
			report.Removed += removed
			continue
		}

		parts := uc.chunker.Split(unit.Text)
		for i, text := range parts {
			chunk := domain.IndexedChunk{
				ChunkIdentity: domain.ChunkIdentity{
					SourceType: sourceType,
					SourceID:   unit.SourceID,
					ChunkIndex: i,
				},
				Text:              text,
				ContentHash:       contentHash(text),
				ScopeKeys:         unit.ScopeKeys,
				Metadata:          unit.Metadata,
				OriginalTimestamp: originalTimestamp(unit),
			}

			state, ok := states[chunk.ChunkIdentity]
			if !ok {
				pending = append(pending, pendingChunk{chunk: chunk})
				continue
			}
			if state.ContentHash != chunk.ContentHash {
				pending = append(pending, pendingChunk{chunk: chunk, existing: &state})
				continue
			}
			if !slices.Equal(state.ScopeKeys, chunk.ScopeKeys) {
				if err := uc.store.UpdateChunkScope(ctx, chunk.ChunkIdentity, chunk.ScopeKeys, chunk.Metadata); err != nil {
					return report, domain.WrapError(domain.ErrStore, "update chunk scope", err)
				}
				report.Updated++
				continue
			}
			report.Skipped++
		}

		if hasChunkAtOrAfter(states, sourceType, unit.SourceID, len(parts)) {
			removed, err := uc.store.DeleteChunksFrom(ctx, sourceType, unit.SourceID, len(parts))
			if err != nil {
				return report, domain.WrapError(domain.ErrStore, "delete trailing chunks", err)
			}
			report.Removed += removed
		}
	}

	ready, err := uc.embedPending(ctx, pending, &report)
	if err != nil {
		return report, err
	}
	if len(ready) == 0 {
		return report, nil
	}

	indexedAt := uc.now().UTC()
	for i := range ready {
		ready[i].IndexedAt = indexedAt
	}
	outcomes, err := uc.store.UpsertChunks(ctx, ready)
	if err != nil {
		return report, domain.WrapError(domain.ErrStore, "upsert chunks", err)
	}
	for _, outcome := range outcomes {
		switch outcome {
		case domain.UpsertInserted:
			report.Inserted++
		case domain.UpsertUpdated:
			report.Updated++
		default:
			report.Skipped++
		}
	}
	return report, nil
}

// embedPending embeds chunks in model batches. A failed batch is retried one
// chunk at a time so a single bad input only costs that chunk. When no chunk
// of a model batch can be embedded, or the model reports a temporary failure,
// the whole sync batch fails and the watermark stays where it is.
func (uc *SyncUseCase) embedPending(ctx context.Context, pending []pendingChunk, report *domain.SyncReport) ([]domain.IndexedChunk, error) {
	ready := make([]domain.IndexedChunk, 0, len(pending))
	for start := 0; start < len(pending); start += uc.opts.EmbedBatchSize {
		end := min(start+uc.opts.EmbedBatchSize, len(pending))
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.chunk.Text
		}

		vectors, err := uc.embedder.Embed(ctx, texts)
		if err == nil && len(vectors) == len(batch) {
			for i, p := range batch {
				p.chunk.Embedding = vectors[i]
				ready = append(ready, p.chunk)
			}
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err == nil {
			err = fmt.Errorf("vectors/chunks mismatch: %d/%d", len(vectors), len(batch))
		}
		uc.logger.Warn("embedding_batch_failed", "size", len(batch), "error", err)

		var (
			rejected []pendingChunk
			lastErr  error
		)
		embedded := 0
		for _, p := range batch {
			vector, err := uc.embedOne(ctx, p.chunk.Text)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				if domain.IsKind(err, domain.ErrTemporary) {
					return nil, err
				}
				uc.logger.Warn("embedding_chunk_failed",
					"source_type", p.chunk.SourceType,
					"source_id", p.chunk.SourceID,
					"chunk_index", p.chunk.ChunkIndex,
					"error", err,
				)
				rejected = append(rejected, p)
				lastErr = err
				continue
			}
			p.chunk.Embedding = vector
			ready = append(ready, p.chunk)
			embedded++
		}
		if embedded == 0 {
			return nil, domain.WrapError(domain.ErrTemporary, "embed batch", lastErr)
		}

		for _, p := range rejected {
			report.Failed++
			if err := uc.syncStaleScope(ctx, p); err != nil {
				return nil, err
			}
		}
	}
	return ready, nil
}

func (uc *SyncUseCase) embedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := uc.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingModel, "embed chunk", err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, domain.WrapError(domain.ErrEmbeddingModel, "embed chunk", errors.New("empty embedding"))
	}
	return vectors[0], nil
}

// syncStaleScope keeps an existing row's scope keys current when its new
// content could not be embedded, so the old text never stays visible in a
// container the unit has left.
func (uc *SyncUseCase) syncStaleScope(ctx context.Context, p pendingChunk) error {
	if p.existing == nil || slices.Equal(p.existing.ScopeKeys, p.chunk.ScopeKeys) {
		return nil
	}
	if err := uc.store.UpdateChunkScope(ctx, p.chunk.ChunkIdentity, p.chunk.ScopeKeys, p.chunk.Metadata); err != nil {
		return domain.WrapError(domain.ErrStore, "update chunk scope", err)
	}
	return nil
}

func hasChunkAtOrAfter(states map[domain.ChunkIdentity]domain.ChunkState, st domain.SourceType, sourceID string, index int) bool {
	for id := range states {
		if id.SourceType == st && id.SourceID == sourceID && id.ChunkIndex >= index {
			return true
		}
	}
	return false
}

func originalTimestamp(unit domain.TextUnit) time.Time {
	if !unit.OriginalTimestamp.IsZero() {
		return unit.OriginalTimestamp
	}
	return unit.UpdatedAt
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
