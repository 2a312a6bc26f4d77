package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/freesidenomad/commandbus/internal/adapter/observability"
	"github.com/freesidenomad/commandbus/internal/adapter/queue/pgmq"
	"github.com/freesidenomad/commandbus/internal/adapter/repo/postgres"
	"github.com/freesidenomad/commandbus/internal/domain"
	"github.com/freesidenomad/commandbus/internal/usecase/process"
)

// ReplyRouter drains <domain>__process_replies, demuxes
// each reply by correlation_id into the owning process instance, and hands
// it to the Process Engine. Replies with no correlation_id are logged and
// dropped rather than retried indefinitely (they can never become routable).
type ReplyRouter struct {
	Domain       string
	Store        *postgres.Store
	Queue        *pgmq.Adapter
	Engine       *process.Engine
	Metrics      *observability.Metrics
	// Health optionally records routing outcomes for the watchdog; nil
	// disables health tracking for this router instance.
	Health               *Health
	Concurrency          int
	PollInterval         time.Duration
	VisibilityTimeoutSec int

	sem    chan struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}
	once   sync.Once
}

// NewReplyRouter constructs a router draining one domain's process-reply queue.
func NewReplyRouter(domainName string, store *postgres.Store, queue *pgmq.Adapter, engine *process.Engine, metrics *observability.Metrics, concurrency, visibilityTimeoutSec int, pollInterval time.Duration) *ReplyRouter {
	return &ReplyRouter{
		Domain: domainName, Store: store, Queue: queue, Engine: engine, Metrics: metrics,
		Concurrency: concurrency, PollInterval: pollInterval, VisibilityTimeoutSec: visibilityTimeoutSec,
		sem: make(chan struct{}, concurrency), stopCh: make(chan struct{}),
	}
}

// Stop signals the router to drain in-flight replies and return.
func (r *ReplyRouter) Stop(ctx context.Context) {
	r.once.Do(func() { close(r.stopCh) })
	done := make(chan struct{})
	go func() { r.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Run blocks, draining replies until ctx is canceled or Stop is called.
func (r *ReplyRouter) Run(ctx context.Context) error {
	queueName := pgmq.ProcessRepliesQueueName(r.Domain)
	logger := observability.LoggerFromContext(ctx).With(slog.String("domain", r.Domain), slog.String("component", "reply_router"))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			return nil
		default:
		}

		available := cap(r.sem) - len(r.sem)
		if available <= 0 {
			r.sleep(ctx)
			continue
		}
		msgs, err := r.Queue.Read(ctx, r.Store.Pool, queueName, r.VisibilityTimeoutSec, available)
		if err != nil {
			logger.Error("reply read failed", slog.Any("error", err))
			r.sleep(ctx)
			continue
		}
		if len(msgs) == 0 {
			r.sleep(ctx)
			continue
		}

		for _, msg := range msgs {
			r.sem <- struct{}{}
			r.wg.Add(1)
			go func(msgID int64, payload []byte) {
				defer r.wg.Done()
				defer func() { <-r.sem }()
				if r.handle(ctx, logger, payload) {
					if _, err := r.Queue.Delete(ctx, r.Store.Pool, queueName, msgID); err != nil {
						logger.Error("reply delete failed", slog.Int64("msg_id", msgID), slog.Any("error", err))
					}
				}
			}(msg.MsgID, msg.Payload)
		}
	}
}

func (r *ReplyRouter) sleep(ctx context.Context) {
	t := time.NewTimer(r.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-r.stopCh:
	case <-t.C:
	}
}

// handle processes one reply, returning true if the caller should delete it
// (either routed successfully, or unroutable in a way that will never
// become routable by redelivery).
func (r *ReplyRouter) handle(ctx context.Context, logger *slog.Logger, payload []byte) bool {
	var env domain.ReplyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Error("malformed reply envelope discarded", slog.Any("error", err))
		return true
	}
	if env.CorrelationID == "" {
		logger.Warn("reply with no correlation_id discarded", slog.String("command_id", env.CommandID))
		return true
	}

	if err := r.Engine.HandleReply(ctx, r.Domain, env.CorrelationID, env); err != nil {
		if errors.Is(err, domain.ErrProcessNotFound) || errors.Is(err, domain.ErrInvalidOperation) {
			logger.Warn("reply unroutable, discarding",
				slog.String("correlation_id", env.CorrelationID), slog.Any("error", err))
			return true
		}
		logger.Error("reply routing failed, leaving message for redelivery",
			slog.String("correlation_id", env.CorrelationID), slog.Any("error", err))
		if r.Health != nil {
			r.Health.RecordFailure()
		}
		return false
	}
	if r.Health != nil {
		r.Health.RecordSuccess()
	}
	return true
}
