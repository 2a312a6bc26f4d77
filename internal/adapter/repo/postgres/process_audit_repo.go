package postgres

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/freesidenomad/commandbus/internal/domain"
)

// ProcessAuditRepo records the process-side pairing of emitted commands
// with their eventual replies.
type ProcessAuditRepo struct {
	Pool Querier
}

func NewProcessAuditRepo(pool Querier) *ProcessAuditRepo { return &ProcessAuditRepo{Pool: pool} }

func (r *ProcessAuditRepo) WithQuerier(q Querier) *ProcessAuditRepo {
	return &ProcessAuditRepo{Pool: q}
}

// RecordSent inserts the entry created when a step's command is sent.
func (r *ProcessAuditRepo) RecordSent(ctx context.Context, e domain.ProcessAuditEntry) error {
	id := ulid.MustNew(ulid.Now(), rand.Reader).String()
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO commandbus.process_audit (id, domain, process_id, step_name, command_id, command_type, command_data, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		id, e.Domain, e.ProcessID, e.StepName, e.CommandID, e.CommandType, e.CommandData,
	)
	if err != nil {
		return fmt.Errorf("op=processaudit.RecordSent: %w", err)
	}
	return nil
}

// RecordReply pairs an arriving reply with its sent entry by command_id.
func (r *ProcessAuditRepo) RecordReply(ctx context.Context, domainName, commandID string, outcome domain.ReplyOutcome, data []byte) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE commandbus.process_audit
		SET reply_outcome = $3, reply_data = $4, received_at = now()
		WHERE domain = $1 AND command_id = $2`,
		domainName, commandID, string(outcome), data,
	)
	if err != nil {
		return fmt.Errorf("op=processaudit.RecordReply: %w", err)
	}
	return nil
}

// ListOpenSteps returns every entry for a process in send order, used both
// to find the entry a reply pairs with and to compute the completed-steps
// list the compensation sweep walks in reverse.
func (r *ProcessAuditRepo) ListOpenSteps(ctx context.Context, domainName, processID string) ([]domain.ProcessAuditEntry, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id, domain, process_id, step_name, command_id, command_type, command_data,
		       sent_at, reply_outcome, reply_data, received_at
		FROM commandbus.process_audit WHERE domain = $1 AND process_id = $2 ORDER BY id ASC`,
		domainName, processID,
	)
	if err != nil {
		return nil, fmt.Errorf("op=processaudit.ListOpenSteps: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessAuditEntry
	for rows.Next() {
		var e domain.ProcessAuditEntry
		var outcome *string
		if err := rows.Scan(&e.ID, &e.Domain, &e.ProcessID, &e.StepName, &e.CommandID, &e.CommandType,
			&e.CommandData, &e.SentAt, &outcome, &e.ReplyData, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("op=processaudit.ListOpenSteps: %w", err)
		}
		if outcome != nil {
			o := domain.ReplyOutcome(*outcome)
			e.ReplyOutcome = &o
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
