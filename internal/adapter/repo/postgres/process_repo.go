package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/freesidenomad/commandbus/internal/domain"
)

// ProcessRepo implements the process-row half of the Process Manager:
// persistence plus the optimistic CAS update that keeps "at most one
// in-flight reply per process_id" true under concurrent reply delivery.
type ProcessRepo struct {
	Pool Querier
}

func NewProcessRepo(pool Querier) *ProcessRepo { return &ProcessRepo{Pool: pool} }

func (r *ProcessRepo) WithQuerier(q Querier) *ProcessRepo { return &ProcessRepo{Pool: q} }

// Create inserts the initial process row (status=PENDING).
func (r *ProcessRepo) Create(ctx context.Context, p domain.Process) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO commandbus.process (domain, process_id, process_type, status, current_step, state, batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`,
		p.Domain, p.ProcessID, p.ProcessType, p.Status, p.CurrentStep, p.State, p.BatchID,
	)
	if err != nil {
		return fmt.Errorf("op=process.Create: %w", err)
	}
	return nil
}

// Get fetches one process row.
func (r *ProcessRepo) Get(ctx context.Context, domainName, processID string) (*domain.Process, error) {
	row := r.Pool.QueryRow(ctx, `
		SELECT domain, process_id, process_type, status, current_step, state, error_code, error_message,
		       batch_id, created_at, updated_at, completed_at
		FROM commandbus.process WHERE domain = $1 AND process_id = $2`,
		domainName, processID)

	var p domain.Process
	var errCode, errMsg *string
	if err := row.Scan(&p.Domain, &p.ProcessID, &p.ProcessType, &p.Status, &p.CurrentStep, &p.State,
		&errCode, &errMsg, &p.BatchID, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=process.Get: %w", domain.ErrProcessNotFound)
		}
		return nil, fmt.Errorf("op=process.Get: %w", err)
	}
	if errCode != nil {
		p.Error = &domain.ErrorInfo{Code: deref(errCode), Message: deref(errMsg)}
	}
	return &p, nil
}

// ListByStatus returns process rows in a given status, up to limit.
func (r *ProcessRepo) ListByStatus(ctx context.Context, domainName string, status domain.ProcessStatus, limit int) ([]domain.Process, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT domain, process_id, process_type, status, current_step, state, error_code, error_message,
		       batch_id, created_at, updated_at, completed_at
		FROM commandbus.process WHERE domain = $1 AND status = $2 ORDER BY created_at ASC LIMIT $3`,
		domainName, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("op=process.ListByStatus: %w", err)
	}
	defer rows.Close()

	var out []domain.Process
	for rows.Next() {
		var p domain.Process
		var errCode, errMsg *string
		if err := rows.Scan(&p.Domain, &p.ProcessID, &p.ProcessType, &p.Status, &p.CurrentStep, &p.State,
			&errCode, &errMsg, &p.BatchID, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt); err != nil {
			return nil, fmt.Errorf("op=process.ListByStatus: %w", err)
		}
		if errCode != nil {
			p.Error = &domain.ErrorInfo{Code: deref(errCode), Message: deref(errMsg)}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AdvanceCAS applies a state transition only if the row is still at
// (expectedStep, expectedStatus), implementing the optimistic concurrency
// control the design requires for "at most one in-flight reply handling per
// process_id". Returns false without error if the CAS missed (a concurrent
// update already advanced the row).
func (r *ProcessRepo) AdvanceCAS(ctx context.Context, domainName, processID, expectedStep string, expectedStatus, newStatus domain.ProcessStatus, newStep string, state []byte, errInfo *domain.ErrorInfo) (bool, error) {
	var errCode, errMsg *string
	if errInfo != nil {
		errCode, errMsg = ptr(errInfo.Code), ptr(errInfo.Message)
	}
	var completedAtClause string
	if newStatus.IsTerminal() {
		completedAtClause = ", completed_at = now()"
	}
	tag, err := r.Pool.Exec(ctx, `
		UPDATE commandbus.process
		SET status = $5, current_step = $6, state = $7, error_code = $8, error_message = $9, updated_at = now()`+completedAtClause+`
		WHERE domain = $1 AND process_id = $2 AND current_step = $3 AND status = $4`,
		domainName, processID, expectedStep, string(expectedStatus),
		string(newStatus), newStep, state, errCode, errMsg,
	)
	if err != nil {
		return false, fmt.Errorf("op=process.AdvanceCAS: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
