package postgres

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/freesidenomad/commandbus/internal/domain"
)

// Publisher fans an appended audit event out to an external sink. The Kafka
// adapter implements this; AuditRepo depends only on the interface so the
// repository layer never imports a broker client.
type Publisher interface {
	Publish(ctx context.Context, event domain.AuditEvent)
}

// AuditRepo implements the Audit Log: append-only lifecycle events,
// surrogate-keyed with a ULID so rows sort by id in creation order, which is
// what ListForCommand and ListForProcess rely on for ordering.
type AuditRepo struct {
	Pool      Querier
	Publisher Publisher // optional; nil disables fan-out
}

func NewAuditRepo(pool Querier) *AuditRepo { return &AuditRepo{Pool: pool} }

func (r *AuditRepo) WithQuerier(q Querier) *AuditRepo { return &AuditRepo{Pool: q, Publisher: r.Publisher} }

// WithPublisher returns a copy of the repo that also fans out every
// appended event to pub.
func (r *AuditRepo) WithPublisher(pub Publisher) *AuditRepo { return &AuditRepo{Pool: r.Pool, Publisher: pub} }

// Append writes one audit event. The caller supplies everything but ID and
// Timestamp, both generated here. If a Publisher is configured, the event is
// also fanned out; this happens before the enclosing transaction commits
// (the repo has no visibility into that boundary), so a rolled-back
// transaction can in principle still publish a stray event. That risk is
// accepted here in exchange for not building a transactional outbox relay:
// the fan-out is an analytics/compliance export, not a source of truth.
func (r *AuditRepo) Append(ctx context.Context, event domain.AuditEvent) error {
	id := ulid.MustNew(ulid.Now(), rand.Reader).String()
	var commandID, processID *string
	if event.CommandID != "" {
		commandID = &event.CommandID
	}
	if event.ProcessID != "" {
		processID = &event.ProcessID
	}
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO commandbus.audit_event (id, domain, command_id, process_id, event_type, operator, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		id, event.Domain, commandID, processID, string(event.EventType), event.Operator, event.Details,
	)
	if err != nil {
		return fmt.Errorf("op=audit.Append: %w", err)
	}
	event.ID = id
	if r.Publisher != nil {
		r.Publisher.Publish(ctx, event)
	}
	return nil
}

// ListForCommand returns every audit event for (domain, commandID) in
// chronological order.
func (r *AuditRepo) ListForCommand(ctx context.Context, domainName, commandID string) ([]domain.AuditEvent, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id, domain, coalesce(command_id::text, ''), coalesce(process_id::text, ''), event_type, operator, details, created_at
		FROM commandbus.audit_event WHERE domain = $1 AND command_id = $2 ORDER BY id ASC`,
		domainName, commandID,
	)
	if err != nil {
		return nil, fmt.Errorf("op=audit.ListForCommand: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// ListForProcess returns every audit event for (domain, processID) in
// chronological order.
func (r *AuditRepo) ListForProcess(ctx context.Context, domainName, processID string) ([]domain.AuditEvent, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id, domain, coalesce(command_id::text, ''), coalesce(process_id::text, ''), event_type, operator, details, created_at
		FROM commandbus.audit_event WHERE domain = $1 AND process_id = $2 ORDER BY id ASC`,
		domainName, processID,
	)
	if err != nil {
		return nil, fmt.Errorf("op=audit.ListForProcess: %w", err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanAuditRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]domain.AuditEvent, error) {
	var out []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.Domain, &e.CommandID, &e.ProcessID, &eventType, &e.Operator, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("op=audit.scan: %w", err)
		}
		e.EventType = domain.AuditEventType(eventType)
		out = append(out, e)
	}
	return out, rows.Err()
}
