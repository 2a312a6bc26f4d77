// Package kafka implements the best-effort audit event fan-out named in the
// design's domain stack: every AuditEvent the core appends is additionally
// published to <domain>__audit for external consumers (analytics,
// compliance export). Publish failures are logged and swallowed; Kafka
// availability never affects command processing.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/freesidenomad/commandbus/internal/adapter/repo/postgres"
	"github.com/freesidenomad/commandbus/internal/domain"
)

var _ postgres.Publisher = (*Producer)(nil)

// Producer publishes audit events to Kafka/Redpanda. A nil *Producer (or one
// built over an empty broker list) is a deliberate no-op, so callers can
// wire this unconditionally and let KAFKA_AUDIT_ENABLED gate it at the
// composition root instead of threading a feature flag through every call site.
type Producer struct {
	client *kgo.Client
}

// NewProducer constructs a Producer against brokers. Returns a nil Producer,
// not an error, when brokers is empty.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelService := kotel.NewKotel(kotel.WithTracer(tracer))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.RequestRetries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewProducer: %w", err)
	}
	return &Producer{client: client}, nil
}

// Publish fans out event to its domain's audit topic. Failures are logged
// and swallowed: Kafka availability never affects the Command Bus's own
// durability or retry contract, which lives entirely in Postgres/PGMQ.
func (p *Producer) Publish(ctx context.Context, event domain.AuditEvent) {
	if p == nil || p.client == nil {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("audit event marshal failed", slog.Any("error", err))
		return
	}

	key := event.CommandID
	if key == "" {
		key = event.ProcessID
	}
	record := &kgo.Record{
		Topic: event.Domain + "__audit",
		Key:   []byte(key),
		Value: payload,
	}

	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Error("audit event publish failed", slog.String("domain", event.Domain), slog.Any("error", err))
		}
	})
}

// Close flushes and releases the underlying client.
func (p *Producer) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Close()
}
