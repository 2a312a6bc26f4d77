package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/freesidenomad/commandbus/internal/adapter/observability"
	"github.com/freesidenomad/commandbus/internal/adapter/queue/pgmq"
	"github.com/freesidenomad/commandbus/internal/adapter/repo/postgres"
	"github.com/freesidenomad/commandbus/internal/domain"
)

// TSQItem is one row in a troubleshooting-queue listing, joining the command
// row with its archived payload.
type TSQItem struct {
	Command domain.Command
	Payload json.RawMessage
}

// TroubleshootingQueue implements operator retry/complete/cancel over
// commands parked in IN_TROUBLESHOOTING_QUEUE, plus the list operations an
// operator surface needs.
type TroubleshootingQueue struct {
	Store   *postgres.Store
	Queue   *pgmq.Adapter
	Batches *postgres.BatchRepo
	Metrics *observability.Metrics
	// AuditPublisher optionally fans out every appended audit event; nil
	// disables fan-out entirely.
	AuditPublisher postgres.Publisher
}

// NewTroubleshootingQueue constructs a TSQ service.
func NewTroubleshootingQueue(store *postgres.Store, queue *pgmq.Adapter, batches *postgres.BatchRepo, metrics *observability.Metrics) *TroubleshootingQueue {
	return &TroubleshootingQueue{Store: store, Queue: queue, Batches: batches, Metrics: metrics}
}

// List returns TSQ items for a domain, optionally filtered by command type
// and creation window.
func (t *TroubleshootingQueue) List(ctx context.Context, domainName, commandType string, limit, offset int, createdAfter, createdBefore *time.Time) ([]TSQItem, error) {
	commands := postgres.NewCommandRepo(t.Store.Pool)
	archive := postgres.NewArchiveRepo(t.Store.Pool)

	rows, err := commands.ListTroubleshooting(ctx, domainName, commandType, limit, offset, createdAfter, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("op=tsq.List: %w", err)
	}

	out := make([]TSQItem, 0, len(rows))
	for _, cmd := range rows {
		payload, err := archive.Get(ctx, domainName, cmd.CommandID)
		if err != nil {
			payload = cmd.Data // fall back to the last known row payload
		}
		out = append(out, TSQItem{Command: cmd, Payload: payload})
	}
	return out, nil
}

// Retry reissues commandID's original payload as a fresh queue message and
// resets the command to PENDING/attempts=0, preserving command_id.
func (t *TroubleshootingQueue) Retry(ctx context.Context, domainName, commandID, operator string) error {
	queueName := pgmq.CommandsQueueName(domainName)

	return t.Store.WithTx(ctx, func(q postgres.Querier) error {
		commands := postgres.NewCommandRepo(q)
		archive := postgres.NewArchiveRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(t.AuditPublisher)

		cmd, err := commands.Get(ctx, domainName, commandID)
		if err != nil {
			return fmt.Errorf("op=tsq.Retry: %w", err)
		}
		if cmd.Status != domain.CommandInTroubleshootingQueue {
			return fmt.Errorf("op=tsq.Retry: command in status %s: %w", cmd.Status, domain.ErrInvalidOperation)
		}

		payload, err := archive.Get(ctx, domainName, commandID)
		if err != nil {
			return fmt.Errorf("op=tsq.Retry: %w", err)
		}
		envelope, err := json.Marshal(domain.CommandEnvelope{
			CommandID: commandID, Domain: domainName, CommandType: cmd.CommandType,
			Data: payload, ReplyTo: cmd.ReplyQueue, CorrelationID: cmd.CorrelationID, CreatedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("op=tsq.Retry: %w", err)
		}

		msgID, err := t.Queue.Send(ctx, q, queueName, envelope)
		if err != nil {
			return fmt.Errorf("op=tsq.Retry: %w", err)
		}
		if err := commands.TSQRetry(ctx, domainName, commandID, msgID); err != nil {
			return fmt.Errorf("op=tsq.Retry: %w", err)
		}
		details, _ := json.Marshal(map[string]string{"operator": operator})
		return audit.Append(ctx, domain.AuditEvent{
			Domain: domainName, CommandID: commandID, EventType: domain.AuditOperatorRetry, Operator: operator, Details: details,
		})
	})
}

// Complete marks commandID COMPLETED by operator action, optionally sending
// a SUCCESS reply carrying resultData.
func (t *TroubleshootingQueue) Complete(ctx context.Context, domainName, commandID, operator string, resultData json.RawMessage) error {
	return t.Store.WithTx(ctx, func(q postgres.Querier) error {
		commands := postgres.NewCommandRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(t.AuditPublisher)

		cmd, err := commands.Get(ctx, domainName, commandID)
		if err != nil {
			return fmt.Errorf("op=tsq.Complete: %w", err)
		}
		if cmd.Status != domain.CommandInTroubleshootingQueue {
			return fmt.Errorf("op=tsq.Complete: command in status %s: %w", cmd.Status, domain.ErrInvalidOperation)
		}

		if err := commands.TSQComplete(ctx, domainName, commandID); err != nil {
			return fmt.Errorf("op=tsq.Complete: %w", err)
		}
		if cmd.ReplyQueue != "" {
			reply, err := json.Marshal(domain.ReplyEnvelope{
				CommandID: commandID, CorrelationID: cmd.CorrelationID, Outcome: domain.ReplySuccess, Data: resultData,
			})
			if err != nil {
				return fmt.Errorf("op=tsq.Complete: %w", err)
			}
			if _, err := t.Queue.Send(ctx, q, cmd.ReplyQueue, reply); err != nil {
				return fmt.Errorf("op=tsq.Complete: %w", err)
			}
		}
		details, _ := json.Marshal(map[string]string{"operator": operator})
		if err := audit.Append(ctx, domain.AuditEvent{
			Domain: domainName, CommandID: commandID, EventType: domain.AuditOperatorComplete, Operator: operator, Details: details,
		}); err != nil {
			return err
		}
		if cmd.BatchID != nil {
			if _, _, err := t.Batches.WithQuerier(q).Refresh(ctx, domainName, *cmd.BatchID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cancel marks commandID CANCELED by operator action, optionally sending a
// CANCELED reply including reason.
func (t *TroubleshootingQueue) Cancel(ctx context.Context, domainName, commandID, operator, reason string) error {
	return t.Store.WithTx(ctx, func(q postgres.Querier) error {
		commands := postgres.NewCommandRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(t.AuditPublisher)

		cmd, err := commands.Get(ctx, domainName, commandID)
		if err != nil {
			return fmt.Errorf("op=tsq.Cancel: %w", err)
		}
		if cmd.Status != domain.CommandInTroubleshootingQueue {
			return fmt.Errorf("op=tsq.Cancel: command in status %s: %w", cmd.Status, domain.ErrInvalidOperation)
		}

		if err := commands.TSQCancel(ctx, domainName, commandID, reason); err != nil {
			return fmt.Errorf("op=tsq.Cancel: %w", err)
		}
		if cmd.ReplyQueue != "" {
			reply, err := json.Marshal(domain.ReplyEnvelope{
				CommandID: commandID, CorrelationID: cmd.CorrelationID, Outcome: domain.ReplyCanceled,
				Error: &domain.WireError{Kind: domain.ErrorKindPermanent, Code: "OPERATOR_CANCEL", Message: reason, Reason: reason},
			})
			if err != nil {
				return fmt.Errorf("op=tsq.Cancel: %w", err)
			}
			if _, err := t.Queue.Send(ctx, q, cmd.ReplyQueue, reply); err != nil {
				return fmt.Errorf("op=tsq.Cancel: %w", err)
			}
		}
		details, _ := json.Marshal(map[string]string{"operator": operator, "reason": reason})
		if err := audit.Append(ctx, domain.AuditEvent{
			Domain: domainName, CommandID: commandID, EventType: domain.AuditOperatorCancel, Operator: operator, Details: details,
		}); err != nil {
			return err
		}
		if cmd.BatchID != nil {
			if _, _, err := t.Batches.WithQuerier(q).Refresh(ctx, domainName, *cmd.BatchID); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewCommandID generates a fresh client-facing idempotency key, exposed so
// the admin API and tests don't reach into google/uuid directly.
func NewCommandID() string { return uuid.NewString() }
