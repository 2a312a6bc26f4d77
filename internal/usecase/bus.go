// Package usecase implements the Command Bus, Worker, Troubleshooting
// Queue, Reply Router, and Health/Watchdog components, composing the
// postgres and pgmq adapters behind the domain ports.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/freesidenomad/commandbus/internal/adapter/observability"
	"github.com/freesidenomad/commandbus/internal/adapter/queue/pgmq"
	"github.com/freesidenomad/commandbus/internal/adapter/repo/postgres"
	"github.com/freesidenomad/commandbus/internal/domain"
)

var validate = validator.New()

// SendInput is the caller-supplied shape for Bus.Send.
type SendInput struct {
	Domain        string          `validate:"required"`
	CommandID     string          `validate:"required,uuid4"`
	CommandType   string          `validate:"required"`
	Data          json.RawMessage `validate:"required"`
	ReplyTo       string
	CorrelationID string
	MaxAttempts   int
}

// SendResult is returned by Bus.Send.
type SendResult struct {
	CommandID string
	MsgID     int64
}

// Bus implements the Command Bus: send/send_batch, composing the Queue
// Adapter, Command Repository, Audit Log, and Batch Engine in one
// transaction per the design's data-flow diagram.
type Bus struct {
	Store   *postgres.Store
	Queue   *pgmq.Adapter
	Batches *postgres.BatchRepo
	Metrics *observability.Metrics
	// DefaultMaxAttempts is used when SendInput.MaxAttempts is zero.
	DefaultMaxAttempts int
	// AuditPublisher optionally fans out every appended audit event; nil
	// disables fan-out entirely.
	AuditPublisher postgres.Publisher
}

// NewBus constructs a Bus.
func NewBus(store *postgres.Store, queue *pgmq.Adapter, batches *postgres.BatchRepo, metrics *observability.Metrics, defaultMaxAttempts int) *Bus {
	return &Bus{Store: store, Queue: queue, Batches: batches, Metrics: metrics, DefaultMaxAttempts: defaultMaxAttempts}
}

// Send validates, persists, enqueues, and audits one command atomically,
// notifying listeners only after the transaction commits.
func (b *Bus) Send(ctx context.Context, in SendInput) (SendResult, error) {
	if err := validate.Struct(in); err != nil {
		return SendResult{}, fmt.Errorf("op=bus.Send: %w", err)
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = b.DefaultMaxAttempts
	}

	queueName := pgmq.CommandsQueueName(in.Domain)
	var result SendResult

	err := b.Store.WithTx(ctx, func(q postgres.Querier) error {
		commands := postgres.NewCommandRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(b.AuditPublisher)

		cmd := domain.Command{
			Domain:        in.Domain,
			CommandID:     in.CommandID,
			CommandType:   in.CommandType,
			Status:        domain.CommandPending,
			Data:          in.Data,
			MaxAttempts:   maxAttempts,
			ReplyQueue:    in.ReplyTo,
			CorrelationID: in.CorrelationID,
		}
		if err := commands.Save(ctx, cmd); err != nil {
			return err
		}

		envelope, err := json.Marshal(domain.CommandEnvelope{
			CommandID: in.CommandID, Domain: in.Domain, CommandType: in.CommandType,
			Data: in.Data, ReplyTo: in.ReplyTo, CorrelationID: in.CorrelationID, CreatedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("op=bus.Send: %w", err)
		}

		msgID, err := b.Queue.Send(ctx, q, queueName, envelope)
		if err != nil {
			return err
		}
		if err := commands.SetMsgID(ctx, in.Domain, in.CommandID, msgID); err != nil {
			return err
		}
		if err := audit.Append(ctx, domain.AuditEvent{
			Domain: in.Domain, CommandID: in.CommandID, EventType: domain.AuditSent,
		}); err != nil {
			return err
		}

		result = SendResult{CommandID: in.CommandID, MsgID: msgID}
		return nil
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("op=bus.Send: %w", err)
	}

	if b.Metrics != nil {
		b.Metrics.CommandsSent.WithLabelValues(in.Domain, in.CommandType).Inc()
	}
	_ = b.Queue.Notify(ctx, "commandbus_"+in.Domain, in.CommandID)
	return result, nil
}

// BatchInput is the caller-supplied shape for Bus.SendBatch.
type BatchInput struct {
	Domain     string
	Commands   []SendInput
	Name       string
	CustomData json.RawMessage
	OnComplete func(context.Context, domain.Batch)
}

// BatchResult is returned by Bus.SendBatch.
type BatchResult struct {
	BatchID string
	Results []SendResult
}

// SendBatch creates a batch row and sends every member command with
// batch_id set, all inside a single transaction: any duplicate aborts the
// whole batch.
func (b *Bus) SendBatch(ctx context.Context, in BatchInput) (BatchResult, error) {
	if len(in.Commands) == 0 {
		return BatchResult{}, fmt.Errorf("op=bus.SendBatch: %w", domain.ErrEmptyBatch)
	}
	for _, c := range in.Commands {
		if c.Domain != in.Domain {
			return BatchResult{}, fmt.Errorf("op=bus.SendBatch: every command in a batch must belong to one domain: %w", domain.ErrInvalidOperation)
		}
	}

	batchID := uuid.NewString()
	queueName := pgmq.CommandsQueueName(in.Domain)
	var result BatchResult

	err := b.Store.WithTx(ctx, func(q postgres.Querier) error {
		batches := b.Batches.WithQuerier(q)
		commands := postgres.NewCommandRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(b.AuditPublisher)

		if err := batches.Start(ctx, in.Domain, batchID, domain.BatchTypeCommand, in.Name, in.CustomData, len(in.Commands), in.OnComplete); err != nil {
			return err
		}

		results := make([]SendResult, 0, len(in.Commands))
		for _, c := range in.Commands {
			maxAttempts := c.MaxAttempts
			if maxAttempts == 0 {
				maxAttempts = b.DefaultMaxAttempts
			}
			cmd := domain.Command{
				Domain: in.Domain, CommandID: c.CommandID, CommandType: c.CommandType,
				Status: domain.CommandPending, Data: c.Data, MaxAttempts: maxAttempts,
				ReplyQueue: c.ReplyTo, CorrelationID: c.CorrelationID, BatchID: &batchID,
			}
			if err := commands.Save(ctx, cmd); err != nil {
				return err
			}
			envelope, err := json.Marshal(domain.CommandEnvelope{
				CommandID: c.CommandID, Domain: in.Domain, CommandType: c.CommandType,
				Data: c.Data, ReplyTo: c.ReplyTo, CorrelationID: c.CorrelationID, CreatedAt: time.Now(),
			})
			if err != nil {
				return fmt.Errorf("op=bus.SendBatch: %w", err)
			}
			msgID, err := b.Queue.Send(ctx, q, queueName, envelope)
			if err != nil {
				return err
			}
			if err := commands.SetMsgID(ctx, in.Domain, c.CommandID, msgID); err != nil {
				return err
			}
			if err := audit.Append(ctx, domain.AuditEvent{Domain: in.Domain, CommandID: c.CommandID, EventType: domain.AuditSent}); err != nil {
				return err
			}
			results = append(results, SendResult{CommandID: c.CommandID, MsgID: msgID})
		}
		result = BatchResult{BatchID: batchID, Results: results}
		return nil
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("op=bus.SendBatch: %w", err)
	}

	if b.Metrics != nil {
		for _, c := range in.Commands {
			b.Metrics.CommandsSent.WithLabelValues(in.Domain, c.CommandType).Inc()
		}
	}
	_ = b.Queue.Notify(ctx, "commandbus_"+in.Domain, batchID)
	return result, nil
}
