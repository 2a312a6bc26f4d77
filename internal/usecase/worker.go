package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/freesidenomad/commandbus/internal/adapter/observability"
	"github.com/freesidenomad/commandbus/internal/adapter/queue/pgmq"
	"github.com/freesidenomad/commandbus/internal/adapter/repo/postgres"
	"github.com/freesidenomad/commandbus/internal/domain"
)

// Worker runs the tight-drain main loop: per-message transactional
// processing, retry policy application, and the transient/permanent/
// exhausted routing the error taxonomy requires. It runs a bounded
// goroutine pool, one DB transaction per command.
type Worker struct {
	Domain    string
	Store     *postgres.Store
	Queue     *pgmq.Adapter
	Batches   *postgres.BatchRepo
	Registry  *Registry
	Breakers  *HandlerBreakers
	Health    *Health
	Metrics   *observability.Metrics
	Retry     domain.RetryPolicy
	// AuditPublisher optionally fans out every appended audit event; nil
	// disables fan-out entirely.
	AuditPublisher postgres.Publisher

	Concurrency          int
	BatchSize            int
	PollInterval         time.Duration
	VisibilityTimeoutSec int
	StatementTimeout     time.Duration

	sem       chan struct{}
	inFlight  sync.Map // msgID -> time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewWorker constructs a Worker. retry, registry, breakers, and health must
// be non-nil; the composition root wires them once at startup.
func NewWorker(domainName string, store *postgres.Store, queue *pgmq.Adapter, batches *postgres.BatchRepo,
	registry *Registry, breakers *HandlerBreakers, health *Health, metrics *observability.Metrics,
	retry domain.RetryPolicy, concurrency, batchSize, visibilityTimeoutSec int, pollInterval, statementTimeout time.Duration) *Worker {
	return &Worker{
		Domain: domainName, Store: store, Queue: queue, Batches: batches,
		Registry: registry, Breakers: breakers, Health: health, Metrics: metrics, Retry: retry,
		Concurrency: concurrency, BatchSize: batchSize, VisibilityTimeoutSec: visibilityTimeoutSec,
		PollInterval: pollInterval, StatementTimeout: statementTimeout,
		sem: make(chan struct{}, concurrency), stopCh: make(chan struct{}),
	}
}

// Stop requests the main loop to exit and waits for every spawned processing
// task to return, including ones abandonmentSweep stopped tracking, up to
// the caller's context deadline.
func (w *Worker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() { close(w.stopCh) })
	done := make(chan struct{})
	go func() { w.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Run is the main loop described in the design: LISTEN on a dedicated
// connection, then alternate a tight inner drain loop with an outer wait for
// either a NOTIFY or poll_interval, so a single NOTIFY on a bulk send causes
// continuous draining rather than one batch per notification.
func (w *Worker) Run(ctx context.Context) error {
	listener, err := pgmq.Listen(ctx, w.Store.Pool, "commandbus_"+w.Domain)
	if err != nil {
		return fmt.Errorf("op=worker.Run: %w", err)
	}
	defer listener.Close()

	go w.abandonmentSweep(ctx)

	for {
		select {
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		w.drain(ctx)

		waitCtx, cancel := context.WithTimeout(ctx, w.PollInterval)
		_ = listener.Wait(waitCtx)
		cancel()

		select {
		case <-w.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// drain repeatedly receives up to the currently available concurrency slots
// and spawns a processing task per message, without waiting for any one
// task to finish, until a receive returns nothing.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		available := cap(w.sem) - len(w.sem)
		if available <= 0 {
			select {
			case w.sem <- struct{}{}:
				<-w.sem
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			}
			continue
		}
		limit := available
		if w.BatchSize > 0 && limit > w.BatchSize {
			limit = w.BatchSize
		}

		commands := postgres.NewCommandRepo(w.Store.Pool)
		received, err := commands.SpReceive(ctx, w.Domain, limit, w.VisibilityTimeoutSec)
		if err != nil {
			slog.Error("sp_receive_command failed", slog.Any("error", err), slog.String("domain", w.Domain))
			return
		}
		if len(received) == 0 {
			return
		}

		w.auditReceived(ctx, received)

		for _, rc := range received {
			rc := rc
			w.sem <- struct{}{}
			w.inFlight.Store(rc.MsgID, time.Now())
			if w.Metrics != nil {
				w.Metrics.WorkerInFlight.WithLabelValues(w.Domain).Inc()
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				defer w.inFlight.Delete(rc.MsgID)
				if w.Metrics != nil {
					defer w.Metrics.WorkerInFlight.WithLabelValues(w.Domain).Dec()
				}
				w.process(ctx, rc)
			}()
		}
	}
}

// auditReceived records one RECEIVED event per leased command, plus a
// BATCH_STARTED event for any command that is the first member of its batch
// to make the PENDING->IN_PROGRESS transition; that member also stamps the
// batch's started_at. Runs in its own transaction, separate from
// sp_receive_command's own statement.
func (w *Worker) auditReceived(ctx context.Context, received []postgres.ReceivedCommand) {
	err := w.Store.WithTx(ctx, func(q postgres.Querier) error {
		audit := postgres.NewAuditRepo(q).WithPublisher(w.AuditPublisher)
		for _, rc := range received {
			if err := audit.Append(ctx, domain.AuditEvent{Domain: w.Domain, CommandID: rc.CommandID, EventType: domain.AuditReceived}); err != nil {
				return err
			}
			if rc.FirstReceive && rc.BatchID != nil {
				tag, err := q.Exec(ctx, `UPDATE commandbus.batch SET started_at = now()
					WHERE domain = $1 AND batch_id = $2 AND started_at IS NULL`, w.Domain, *rc.BatchID)
				if err != nil {
					return err
				}
				if tag.RowsAffected() == 0 {
					continue // an earlier member already started this batch
				}
				details, err := json.Marshal(map[string]string{"batch_id": *rc.BatchID})
				if err != nil {
					return err
				}
				if err := audit.Append(ctx, domain.AuditEvent{Domain: w.Domain, EventType: domain.AuditBatchStarted, Details: details}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("audit receive failed", slog.Any("error", err), slog.String("domain", w.Domain))
	}
}

// abandonmentSweep stops tracking tasks that have been in-flight longer than
// visibility_timeout + 5s and records a Health stuck-thread event for each.
// It never attempts to kill the goroutine; the underlying goroutine is left
// to finish or leak, same as the source's "state-corruption risk" rationale
// for not cancelling it. The abandoned task keeps its concurrency slot until
// its goroutine returns, so stuck tasks reduce the worker's capacity.
func (w *Worker) abandonmentSweep(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	abandonAfter := time.Duration(w.VisibilityTimeoutSec)*time.Second + 5*time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.inFlight.Range(func(key, value any) bool {
				started := value.(time.Time)
				if time.Since(started) > abandonAfter {
					w.inFlight.Delete(key)
					if w.Health != nil {
						w.Health.RecordStuckThread()
					}
					slog.Warn("abandoning stuck processing task", slog.Any("msg_id", key), slog.String("domain", w.Domain))
				}
				return true
			})
		}
	}
}

// process runs one received command end to end: dedicated transaction,
// statement_timeout, handler dispatch through the circuit breaker, and the
// success/transient/permanent routing.
func (w *Worker) process(ctx context.Context, rc postgres.ReceivedCommand) {
	logger := observability.WithCommandFields(observability.LoggerFromContext(ctx), w.Domain, rc.CommandID, rc.CommandType)
	queueName := pgmq.CommandsQueueName(w.Domain)

	handler, ok := w.Registry.Resolve(w.Domain, rc.CommandType)
	if !ok {
		w.routeToTSQ(ctx, rc, queueName, &domain.ErrorInfo{Kind: domain.ErrorKindPermanent, Code: "HANDLER_MISSING", Message: "no handler registered"}, domain.AuditMovedToTSQ)
		logger.Error("handler missing")
		return
	}

	start := time.Now()
	outcome, handlerErr := w.invoke(ctx, handler, rc)
	if w.Metrics != nil {
		w.Metrics.HandlerDuration.WithLabelValues(w.Domain, rc.CommandType).Observe(time.Since(start).Seconds())
	}

	if handlerErr != nil {
		outcome = domain.Transient(classifyPanicCode(handlerErr), handlerErr.Error())
	}

	switch {
	case outcome.IsSuccess():
		w.finishSuccess(ctx, rc, queueName, outcome, logger)
	case outcome.IsPermanent():
		w.routeToTSQ(ctx, rc, queueName, outcome.AsErrorInfo(), domain.AuditMovedToTSQ)
		if w.Health != nil {
			w.Health.RecordFailure()
		}
		if w.Metrics != nil {
			w.Metrics.CommandsFailed.WithLabelValues(w.Domain, rc.CommandType, "PERMANENT").Inc()
			w.Metrics.CommandsToTSQ.WithLabelValues(w.Domain, rc.CommandType, "PERMANENT").Inc()
		}
	default: // transient
		w.handleTransient(ctx, rc, queueName, outcome, logger)
	}
}

// invoke dispatches through the per-(domain, command_type) circuit breaker
// and recovers handler panics, converting both into the Outcome trichotomy
// at the worker boundary per the design notes.
func (w *Worker) invoke(ctx context.Context, h domain.Handler, rc postgres.ReceivedCommand) (outcome domain.Outcome, err error) {
	stmtCtx, cancel := context.WithTimeout(ctx, w.StatementTimeout)
	defer cancel()

	// Panics and statement timeouts are reported to the breaker as failures
	// so repeated ones trip it.
	result, breakerErr := w.Breakers.Execute(w.Domain, rc.CommandType, func() (res any, ferr error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
				ferr = err
			}
		}()
		hctx := domain.HandlerContext{
			Ctx: stmtCtx, Domain: w.Domain, CommandID: rc.CommandID, CommandType: rc.CommandType,
			Data: rc.Data, Attempt: rc.Attempts, CorrelationID: rc.CorrelationID, ReplyQueue: rc.ReplyQueue,
		}
		o := h(hctx)
		if stmtCtx.Err() != nil {
			return o, stmtCtx.Err()
		}
		return o, nil
	})
	if err != nil {
		return domain.Outcome{}, err
	}
	if stmtCtx.Err() != nil {
		return domain.Transient("TIMEOUT", "statement_timeout exceeded"), nil
	}
	if breakerErr != nil {
		if errors.Is(breakerErr, gobreaker.ErrOpenState) || errors.Is(breakerErr, gobreaker.ErrTooManyRequests) {
			return domain.Transient("CIRCUIT_OPEN", "handler circuit breaker open"), nil
		}
		return domain.Outcome{}, breakerErr
	}
	return result.(domain.Outcome), nil
}

func classifyPanicCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	return "UNKNOWN"
}

func (w *Worker) finishSuccess(ctx context.Context, rc postgres.ReceivedCommand, queueName string, outcome domain.Outcome, logger *slog.Logger) {
	err := w.Store.WithTx(ctx, func(q postgres.Querier) error {
		commands := postgres.NewCommandRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(w.AuditPublisher)

		if err := commands.SpFinish(ctx, w.Domain, rc.CommandID, domain.CommandCompleted, nil); err != nil {
			return err
		}
		if _, err := w.Queue.Delete(ctx, q, queueName, rc.MsgID); err != nil {
			return err
		}
		if rc.ReplyQueue != "" {
			reply, err := json.Marshal(domain.ReplyEnvelope{
				CommandID: rc.CommandID, CorrelationID: rc.CorrelationID,
				Outcome: domain.ReplySuccess, Data: outcome.Data(),
			})
			if err != nil {
				return fmt.Errorf("op=worker.finishSuccess: %w", err)
			}
			if _, err := w.Queue.Send(ctx, q, rc.ReplyQueue, reply); err != nil {
				return err
			}
		}
		if err := audit.Append(ctx, domain.AuditEvent{Domain: w.Domain, CommandID: rc.CommandID, EventType: domain.AuditCompleted}); err != nil {
			return err
		}
		return w.refreshBatchIfMember(ctx, q, rc.CommandID)
	})
	if err != nil {
		logger.Info("finish success failed", slog.Any("error", err))
		return
	}
	if w.Health != nil {
		w.Health.RecordSuccess()
	}
	if w.Metrics != nil {
		w.Metrics.CommandsCompleted.WithLabelValues(w.Domain, rc.CommandType).Inc()
	}
}

func (w *Worker) handleTransient(ctx context.Context, rc postgres.ReceivedCommand, queueName string, outcome domain.Outcome, logger *slog.Logger) {
	errInfo := outcome.AsErrorInfo()
	if w.Retry.ShouldRouteToTSQ(rc.Attempts) {
		exhausted := &domain.ErrorInfo{Kind: domain.ErrorKindTransient, Code: "EXHAUSTED", Message: errInfo.Message}
		w.routeToTSQ(ctx, rc, queueName, exhausted, domain.AuditMovedToTSQ)
		if w.Metrics != nil {
			w.Metrics.CommandsToTSQ.WithLabelValues(w.Domain, rc.CommandType, "EXHAUSTED").Inc()
		}
		return
	}

	delay := w.Retry.NextDelay(rc.Attempts)
	err := w.Store.WithTx(ctx, func(q postgres.Querier) error {
		commands := postgres.NewCommandRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(w.AuditPublisher)
		if err := commands.UpdateStatus(ctx, w.Domain, rc.CommandID, domain.CommandPending, errInfo); err != nil {
			return err
		}
		if _, err := w.Queue.SetVT(ctx, q, queueName, rc.MsgID, int(delay.Seconds())); err != nil {
			return err
		}
		details, _ := json.Marshal(errInfo)
		return audit.Append(ctx, domain.AuditEvent{Domain: w.Domain, CommandID: rc.CommandID, EventType: domain.AuditFailed, Details: details})
	})
	if err != nil {
		logger.Error("transient handling failed", slog.Any("error", err))
	}
	if w.Health != nil {
		w.Health.RecordFailure()
	}
	if w.Metrics != nil {
		w.Metrics.CommandsFailed.WithLabelValues(w.Domain, rc.CommandType, "TRANSIENT").Inc()
	}
}

func (w *Worker) routeToTSQ(ctx context.Context, rc postgres.ReceivedCommand, queueName string, errInfo *domain.ErrorInfo, eventType domain.AuditEventType) {
	err := w.Store.WithTx(ctx, func(q postgres.Querier) error {
		archive := postgres.NewArchiveRepo(q)
		commands := postgres.NewCommandRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(w.AuditPublisher)

		if err := archive.Store(ctx, w.Domain, rc.CommandID, rc.Data); err != nil {
			return err
		}
		if _, err := w.Queue.Archive(ctx, q, queueName, rc.MsgID); err != nil {
			return err
		}
		if err := commands.SpFinish(ctx, w.Domain, rc.CommandID, domain.CommandInTroubleshootingQueue, errInfo); err != nil {
			return err
		}
		details, _ := json.Marshal(errInfo)
		if err := audit.Append(ctx, domain.AuditEvent{Domain: w.Domain, CommandID: rc.CommandID, EventType: eventType, Details: details}); err != nil {
			return err
		}
		return w.refreshBatchIfMember(ctx, q, rc.CommandID)
	})
	if err != nil {
		slog.Error("route to TSQ failed", slog.Any("error", err), slog.String("command_id", rc.CommandID))
	}
}

func (w *Worker) refreshBatchIfMember(ctx context.Context, q postgres.Querier, commandID string) error {
	commands := postgres.NewCommandRepo(q)
	cmd, err := commands.Get(ctx, w.Domain, commandID)
	if err != nil || cmd.BatchID == nil {
		return nil
	}
	_, _, err = w.Batches.WithQuerier(q).Refresh(ctx, w.Domain, *cmd.BatchID)
	return err
}
