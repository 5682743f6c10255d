package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/core/ports"
)

const maxSourceIDLen = 512

type IngestSourceItemUseCase struct {
	feed      ports.SourceItemWriter
	publisher ports.SyncTriggerPublisher
	logger    *slog.Logger
}

// NewIngestSourceItemUseCase builds the staging-feed writer. publisher may be
// nil, in which case items wait for the next scheduled sync.
func NewIngestSourceItemUseCase(
	feed ports.SourceItemWriter,
	publisher ports.SyncTriggerPublisher,
	logger *slog.Logger,
) *IngestSourceItemUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestSourceItemUseCase{
		feed:      feed,
		publisher: publisher,
		logger:    logger,
	}
}

// Ingest stores a new version of item and asks the workers to sync its
// source type. UpdatedAt is always the stamp the feed assigned on write: the
// sync watermark runs over staging order, not over source clocks. A failed trigger is only
// logged since the stored item is picked up by the next scheduled sync.
func (uc *IngestSourceItemUseCase) Ingest(ctx context.Context, item domain.SourceItem) (domain.SourceItem, error) {
	if err := validateSourceItem(item); err != nil {
		return domain.SourceItem{}, err
	}
	item.SourceID = strings.TrimSpace(item.SourceID)
	if item.Deleted {
		item.Payload = nil
	}

	stamped, err := uc.feed.Put(ctx, item)
	if err != nil {
		return domain.SourceItem{}, domain.WrapError(domain.ErrStore, "save source item", err)
	}
	item.UpdatedAt = stamped

	if uc.publisher == nil {
		return item, nil
	}
	if err := uc.publisher.PublishSync(ctx, item.SourceType); err != nil {
		uc.logger.Warn("sync_trigger_publish_failed", "source_type", item.SourceType, "source_id", item.SourceID, "error", err)
		return item, nil
	}
	uc.logger.Debug("source_item_ingested", "source_type", item.SourceType, "source_id", item.SourceID, "deleted", item.Deleted)
	return item, nil
}

func validateSourceItem(item domain.SourceItem) error {
	if _, err := domain.ParseSourceType(string(item.SourceType)); err != nil {
		return err
	}
	id := strings.TrimSpace(item.SourceID)
	if id == "" {
		return domain.WrapError(domain.ErrInvalidInput, "ingest source item", errors.New("source id is empty"))
	}
	if len(id) > maxSourceIDLen {
		return domain.WrapError(domain.ErrInvalidInput, "ingest source item", fmt.Errorf("source id longer than %d bytes", maxSourceIDLen))
	}
	if item.Deleted {
		return nil
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(item.Payload, &payload); err != nil || payload == nil {
		return domain.WrapError(domain.ErrInvalidInput, "ingest source item", errors.New("payload must be a JSON object"))
	}
	return nil
}
