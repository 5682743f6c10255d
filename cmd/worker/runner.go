package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/core/ports"
	"github.com/kirillkom/workspace-retrieval/internal/observability/metrics"
)

// syncRunner bounds every run with a timeout and records it, whatever
// started it.
type syncRunner struct {
	syncer  ports.Synchronizer
	metrics *metrics.WorkerMetrics
	timeout time.Duration
	logger  *slog.Logger
}

func newSyncRunner(syncer ports.Synchronizer, m *metrics.WorkerMetrics, timeout time.Duration, logger *slog.Logger) *syncRunner {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &syncRunner{syncer: syncer, metrics: m, timeout: timeout, logger: logger}
}

func (r *syncRunner) runOne(ctx context.Context, origin string, sourceType domain.SourceType) error {
	r.metrics.RecordTrigger(serviceName, origin)

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	r.metrics.StartSync(serviceName, sourceType)
	report, err := r.syncer.Sync(runCtx, sourceType)
	r.metrics.FinishSync(serviceName, sourceType, report, time.Since(start), err)
	if err != nil {
		return err
	}
	r.logger.Info("sync_run_completed",
		"origin", origin,
		"source_type", sourceType,
		"scanned", report.Scanned,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"removed", report.Removed,
		"failed", report.Failed,
		"duration", time.Since(start),
	)
	return nil
}

// runAll syncs every source type in turn. A failing type is logged and the
// rest still run.
func (r *syncRunner) runAll(ctx context.Context, origin string) {
	for _, st := range domain.AllSourceTypes {
		if ctx.Err() != nil {
			return
		}
		if err := r.runOne(ctx, origin, st); err != nil {
			level := slog.LevelError
			if domain.IsKind(err, domain.ErrSyncInProgress) {
				level = slog.LevelInfo
			}
			r.logger.Log(ctx, level, "sync_run_failed", "origin", origin, "source_type", st, "error", err)
		}
	}
}

type syncSubscriber interface {
	SubscribeSync(ctx context.Context, handler func(context.Context, domain.SourceType) error) error
}

// listen consumes sync triggers in the background until ctx is cancelled.
// Each triggered run waits settle first so the row that caused the trigger
// is already old enough for the feed to return it. The returned channel
// yields the subscription result once it has drained.
func (r *syncRunner) listen(ctx context.Context, sub syncSubscriber, settle time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- sub.SubscribeSync(ctx, func(handlerCtx context.Context, sourceType domain.SourceType) error {
			if settle > 0 {
				timer := time.NewTimer(settle)
				select {
				case <-handlerCtx.Done():
					timer.Stop()
					return handlerCtx.Err()
				case <-timer.C:
				}
			}
			return r.runOne(handlerCtx, "nats", sourceType)
		})
	}()
	return done
}
