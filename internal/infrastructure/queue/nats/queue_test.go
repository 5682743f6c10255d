package nats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/resilience"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleTriggerParsesSourceType(t *testing.T) {
	var got []domain.SourceType
	handler := func(_ context.Context, st domain.SourceType) error {
		got = append(got, st)
		return nil
	}

	handleTrigger(context.Background(), discardLogger(), []byte(" email\n"), handler)
	handleTrigger(context.Background(), discardLogger(), []byte("calendar"), handler)

	if len(got) != 1 || got[0] != domain.SourceEmail {
		t.Fatalf("expected only email trigger, got %v", got)
	}
}

func TestHandleTriggerSwallowsHandlerErrors(t *testing.T) {
	calls := 0
	handler := func(context.Context, domain.SourceType) error {
		calls++
		if calls == 1 {
			return domain.WrapError(domain.ErrSyncInProgress, "sync", errors.New("locked"))
		}
		return errors.New("store down")
	}
	handleTrigger(context.Background(), discardLogger(), []byte("message"), handler)
	handleTrigger(context.Background(), discardLogger(), []byte("message"), handler)
	if calls != 2 {
		t.Fatalf("expected 2 handler calls, got %d", calls)
	}
}

func TestClassifyPublishError(t *testing.T) {
	if c := classifyPublishError(fmt.Errorf("nats publish: %w", nats.ErrNoServers)); !c.Retryable {
		t.Fatalf("no servers must be retryable")
	}
	if c := classifyPublishError(context.Canceled); c.Retryable || c.RecordFailure {
		t.Fatalf("cancellation must not retry or trip the breaker: %+v", c)
	}
	if c := classifyPublishError(nats.ErrBadSubject); c.Retryable || !c.RecordFailure {
		t.Fatalf("bad subject must fail without retry: %+v", c)
	}
}

func TestPublishFailureMarkedTemporary(t *testing.T) {
	err := resilience.MarkTemporary("nats publish", nats.ErrTimeout, classifyPublishError)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary, got %v", err)
	}
	if domain.IsKind(resilience.MarkTemporary("nats publish", nats.ErrBadSubject, classifyPublishError), domain.ErrTemporary) {
		t.Fatalf("bad subject must not be temporary")
	}
}
