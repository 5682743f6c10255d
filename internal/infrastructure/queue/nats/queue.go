package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/workspace-retrieval/internal/core/domain"
	"github.com/kirillkom/workspace-retrieval/internal/infrastructure/resilience"
)

const workerQueueGroup = "retrieval-sync-workers"

// classifyPublishError retries while the connection is down or reconnecting
// and when the server does not answer in time.
var classifyPublishError = resilience.RetryOn(
	nats.ErrNoServers,
	nats.ErrTimeout,
	nats.ErrConnectionClosed,
	nats.ErrDisconnected,
	nats.ErrConnectionReconnecting,
)

// SyncTrigger carries "source type changed" notifications from connectors to
// sync workers. The message body is the bare source type name.
type SyncTrigger struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url, subject string, options Options) (*SyncTrigger, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("workspace-retrieval"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &SyncTrigger{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (q *SyncTrigger) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// PublishSync asks workers to run an incremental sync for one source type.
func (q *SyncTrigger) PublishSync(ctx context.Context, sourceType domain.SourceType) error {
	if _, err := domain.ParseSourceType(string(sourceType)); err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, []byte(sourceType)); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyPublishError)
	} else {
		err = call(ctx)
	}
	return resilience.MarkTemporary("nats publish", err, classifyPublishError)
}

// SubscribeSync runs handler for each trigger until ctx is cancelled, then
// drains the subscription. Messages naming an unknown source type are dropped.
func (q *SyncTrigger) SubscribeSync(ctx context.Context, handler func(context.Context, domain.SourceType) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, workerQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		handleTrigger(ctx, q.logger, msg.Data, handler)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func handleTrigger(ctx context.Context, logger *slog.Logger, data []byte, handler func(context.Context, domain.SourceType) error) {
	sourceType, err := domain.ParseSourceType(strings.TrimSpace(string(data)))
	if err != nil {
		logger.Warn("sync_trigger_rejected", "payload", string(data), "error", err)
		return
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := handler(handlerCtx, sourceType); err != nil {
		if domain.IsKind(err, domain.ErrSyncInProgress) {
			logger.Info("sync_trigger_skipped", "source_type", sourceType, "reason", "sync in progress")
			return
		}
		logger.Error("sync_trigger_failed", "source_type", sourceType, "error", err)
	}
}
