package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/freesidenomad/commandbus/internal/domain"
)

// BatchRepo implements the Batch Engine: counter maintenance delegates
// to sp_start_batch/sp_refresh_batch_stats so concurrent completions are
// serialized by the batch row's lock rather than by application code; the
// completion-callback registry is the one piece of required in-memory,
// ephemeral, process-wide state (design notes: "global mutable registries").
type BatchRepo struct {
	Pool Querier
	// AuditPublisher optionally fans out the BATCH_COMPLETED audit event;
	// nil disables fan-out entirely.
	AuditPublisher Publisher

	mu        sync.Mutex
	callbacks map[string]func(context.Context, domain.Batch)
}

func NewBatchRepo(pool Querier) *BatchRepo {
	return &BatchRepo{Pool: pool, callbacks: make(map[string]func(context.Context, domain.Batch))}
}

func (r *BatchRepo) WithQuerier(q Querier) *BatchRepo {
	return &BatchRepo{Pool: q, AuditPublisher: r.AuditPublisher, callbacks: r.callbacks}
}

func callbackKey(domainName, batchID string) string { return domainName + "\x00" + batchID }

// Start creates the batch row with total_count = len(commands), registering
// onComplete (if non-nil) under (domain, batch_id).
func (r *BatchRepo) Start(ctx context.Context, domainName, batchID string, batchType domain.BatchType, name string, customData []byte, totalCount int, onComplete func(context.Context, domain.Batch)) error {
	_, err := r.Pool.Exec(ctx, `SELECT commandbus.sp_start_batch($1, $2, $3, $4, $5, $6)`,
		domainName, batchID, string(batchType), name, customData, totalCount)
	if err != nil {
		return fmt.Errorf("op=batch.Start: %w", err)
	}
	if onComplete != nil {
		r.mu.Lock()
		r.callbacks[callbackKey(domainName, batchID)] = onComplete
		r.mu.Unlock()
	}
	return nil
}

// Get fetches one batch row.
func (r *BatchRepo) Get(ctx context.Context, domainName, batchID string) (*domain.Batch, error) {
	row := r.Pool.QueryRow(ctx, `
		SELECT domain, batch_id, batch_type, name, custom_data, status, total_count,
		       completed_count, failed_count, canceled_count, in_troubleshooting_count,
		       created_at, started_at, completed_at
		FROM commandbus.batch WHERE domain = $1 AND batch_id = $2`,
		domainName, batchID)

	var b domain.Batch
	if err := row.Scan(&b.Domain, &b.BatchID, &b.BatchType, &b.Name, &b.CustomData, &b.Status,
		&b.TotalCount, &b.CompletedCount, &b.FailedCount, &b.CanceledCount, &b.InTroubleshootingCount,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt); err != nil {
		return nil, fmt.Errorf("op=batch.Get: %w", err)
	}
	return &b, nil
}

// RegisterCompletionCallback implements domain.BatchRepository's
// domain-wide variant: it stores fn under a batch-type key, separate from
// the per-batch callbacks registered in Start. Refresh looks up only the
// per-batch key, so a callback registered here is never invoked.
func (r *BatchRepo) RegisterCompletionCallback(batchType domain.BatchType, fn func(context.Context, domain.Batch)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[callbackKey("*", string(batchType))] = fn
}

// Refresh re-derives counters and status from the member rows, invoking and
// removing the completion callback exactly once if the batch just reached a
// terminal status.
func (r *BatchRepo) Refresh(ctx context.Context, domainName, batchID string) (domain.BatchStatus, bool, error) {
	row := r.Pool.QueryRow(ctx, `SELECT status, is_complete, just_completed FROM commandbus.sp_refresh_batch_stats($1, $2)`, domainName, batchID)
	var status string
	var complete, justCompleted bool
	if err := row.Scan(&status, &complete, &justCompleted); err != nil {
		return "", false, fmt.Errorf("op=batch.Refresh: %w", err)
	}

	if justCompleted {
		audit := NewAuditRepo(r.Pool).WithPublisher(r.AuditPublisher)
		if err := audit.Append(ctx, domain.AuditEvent{
			Domain: domainName, EventType: domain.AuditBatchCompleted,
			Details: []byte(`{"batch_id":"` + batchID + `"}`),
		}); err != nil {
			return "", false, fmt.Errorf("op=batch.Refresh: %w", err)
		}
	}

	if complete {
		r.mu.Lock()
		key := callbackKey(domainName, batchID)
		cb, ok := r.callbacks[key]
		if ok {
			delete(r.callbacks, key)
		}
		r.mu.Unlock()
		if ok {
			func() {
				defer func() {
					if rec := recover(); rec != nil {
						slog.Error("batch completion callback panicked", slog.Any("recover", rec), slog.String("batch_id", batchID))
					}
				}()
				cb(ctx, domain.Batch{Domain: domainName, BatchID: batchID, Status: domain.BatchStatus(status)})
			}()
		}
	}
	return domain.BatchStatus(status), complete, nil
}
