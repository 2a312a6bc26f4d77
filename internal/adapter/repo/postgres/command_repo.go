package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/freesidenomad/commandbus/internal/domain"
)

// CommandRepo implements the Command Repository: CRUD plus the
// stored-procedure wrappers for the atomic receive/finish transitions, using
// explicit transactions, op=...: %w error wrapping, and manual row-scanning
// against the (domain, command_id) keyed command table.
type CommandRepo struct {
	Pool Querier
}

// NewCommandRepo constructs a repo bound to the pool for standalone calls.
// Use WithQuerier to bind it to a transaction instead.
func NewCommandRepo(pool Querier) *CommandRepo { return &CommandRepo{Pool: pool} }

// WithQuerier returns a copy of the repo bound to q, so the same method
// bodies run identically whether q is the pool or an open transaction.
func (r *CommandRepo) WithQuerier(q Querier) *CommandRepo { return &CommandRepo{Pool: q} }

// Save inserts a new command row with status=PENDING, attempts=0.
// Returns domain.ErrDuplicateCommand on a (domain, command_id) conflict.
func (r *CommandRepo) Save(ctx context.Context, cmd domain.Command) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO commandbus.command
			(domain, command_id, command_type, status, data, attempts, max_attempts,
			 reply_queue, correlation_id, batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())`,
		cmd.Domain, cmd.CommandID, cmd.CommandType, cmd.Status, cmd.Data, cmd.Attempts,
		cmd.MaxAttempts, cmd.ReplyQueue, cmd.CorrelationID, cmd.BatchID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=command.Save: %w", domain.ErrDuplicateCommand)
		}
		return fmt.Errorf("op=command.Save: %w", err)
	}
	return nil
}

// SetMsgID attaches the queue message id assigned by the Queue Adapter's send.
func (r *CommandRepo) SetMsgID(ctx context.Context, domainName, commandID string, msgID int64) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE commandbus.command SET msg_id = $3, updated_at = now()
		WHERE domain = $1 AND command_id = $2`,
		domainName, commandID, msgID,
	)
	if err != nil {
		return fmt.Errorf("op=command.SetMsgID: %w", err)
	}
	return nil
}

// Get fetches one command row.
func (r *CommandRepo) Get(ctx context.Context, domainName, commandID string) (*domain.Command, error) {
	row := r.Pool.QueryRow(ctx, `
		SELECT domain, command_id, command_type, status, data, attempts, max_attempts,
		       msg_id, reply_queue, correlation_id, last_error_kind, last_error_code,
		       last_error_msg, batch_id, created_at, updated_at
		FROM commandbus.command WHERE domain = $1 AND command_id = $2`,
		domainName, commandID,
	)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=command.Get: %w", domain.ErrCommandNotFound)
		}
		return nil, fmt.Errorf("op=command.Get: %w", err)
	}
	return cmd, nil
}

// ReceivedCommand is one row returned by sp_receive_command.
type ReceivedCommand struct {
	MsgID         int64
	CommandID     string
	CommandType   string
	Data          []byte
	Attempts      int
	MaxAttempts   int
	ReplyQueue    string
	CorrelationID string
	BatchID       *string
	// FirstReceive is true when this receive is the PENDING->IN_PROGRESS
	// transition, i.e. the command's first delivery rather than a redelivery.
	FirstReceive bool
}

// SpReceive atomically leases up to limit pending messages for domainName,
// incrementing attempts and flipping status to IN_PROGRESS in the same
// statement PGMQ's read uses to hide the message from other workers.
func (r *CommandRepo) SpReceive(ctx context.Context, domainName string, limit, visibilityTimeoutSec int) ([]ReceivedCommand, error) {
	rows, err := r.Pool.Query(ctx, `SELECT * FROM commandbus.sp_receive_command($1, $2, $3)`,
		domainName, limit, visibilityTimeoutSec)
	if err != nil {
		return nil, fmt.Errorf("op=command.SpReceive: %w", err)
	}
	defer rows.Close()

	var out []ReceivedCommand
	for rows.Next() {
		var rc ReceivedCommand
		if err := rows.Scan(&rc.MsgID, &rc.CommandID, &rc.CommandType, &rc.Data,
			&rc.Attempts, &rc.MaxAttempts, &rc.ReplyQueue, &rc.CorrelationID, &rc.BatchID, &rc.FirstReceive); err != nil {
			return nil, fmt.Errorf("op=command.SpReceive: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// SpFinish atomically records a terminal or TSQ transition.
func (r *CommandRepo) SpFinish(ctx context.Context, domainName, commandID string, status domain.CommandStatus, errInfo *domain.ErrorInfo) error {
	var kind, code, msg *string
	if errInfo != nil {
		kind, code, msg = ptr(string(errInfo.Kind)), ptr(errInfo.Code), ptr(errInfo.Message)
	}
	_, err := r.Pool.Exec(ctx, `SELECT commandbus.sp_finish_command($1, $2, $3, $4, $5, $6)`,
		domainName, commandID, string(status), kind, code, msg)
	if err != nil {
		return fmt.Errorf("op=command.SpFinish: %w", err)
	}
	return nil
}

// UpdateStatus performs the generic partial update used for retry/backoff
// bookkeeping (status stays IN_PROGRESS/PENDING; error info records the
// transient failure without clearing msg_id, since the message remains
// leased until its extended visibility timeout expires).
func (r *CommandRepo) UpdateStatus(ctx context.Context, domainName, commandID string, status domain.CommandStatus, lastErr *domain.ErrorInfo) error {
	var kind, code, msg *string
	if lastErr != nil {
		kind, code, msg = ptr(string(lastErr.Kind)), ptr(lastErr.Code), ptr(lastErr.Message)
	}
	_, err := r.Pool.Exec(ctx, `
		UPDATE commandbus.command
		SET status = $3, last_error_kind = $4, last_error_code = $5, last_error_msg = $6, updated_at = now()
		WHERE domain = $1 AND command_id = $2`,
		domainName, commandID, string(status), kind, code, msg,
	)
	if err != nil {
		return fmt.Errorf("op=command.UpdateStatus: %w", err)
	}
	return nil
}

// TSQRetry resets a command to PENDING/attempts=0 with a freshly issued
// msg_id, preserving command_id (idempotency key unchanged).
func (r *CommandRepo) TSQRetry(ctx context.Context, domainName, commandID string, newMsgID int64) error {
	_, err := r.Pool.Exec(ctx, `SELECT commandbus.sp_tsq_retry($1, $2, $3)`, domainName, commandID, newMsgID)
	if err != nil {
		return fmt.Errorf("op=command.TSQRetry: %w", err)
	}
	return nil
}

// TSQComplete marks an in-troubleshooting command COMPLETED by operator action.
func (r *CommandRepo) TSQComplete(ctx context.Context, domainName, commandID string) error {
	_, err := r.Pool.Exec(ctx, `SELECT commandbus.sp_tsq_complete($1, $2)`, domainName, commandID)
	if err != nil {
		return fmt.Errorf("op=command.TSQComplete: %w", err)
	}
	return nil
}

// TSQCancel marks an in-troubleshooting command CANCELED by operator action.
func (r *CommandRepo) TSQCancel(ctx context.Context, domainName, commandID, reason string) error {
	_, err := r.Pool.Exec(ctx, `SELECT commandbus.sp_tsq_cancel($1, $2, $3)`, domainName, commandID, reason)
	if err != nil {
		return fmt.Errorf("op=command.TSQCancel: %w", err)
	}
	return nil
}

// ListTroubleshooting lists commands parked in the troubleshooting queue,
// optionally filtered by command type and creation window.
func (r *CommandRepo) ListTroubleshooting(ctx context.Context, domainName, commandType string, limit, offset int, createdAfter, createdBefore *time.Time) ([]domain.Command, error) {
	sql := `
		SELECT domain, command_id, command_type, status, data, attempts, max_attempts,
		       msg_id, reply_queue, correlation_id, last_error_kind, last_error_code,
		       last_error_msg, batch_id, created_at, updated_at
		FROM commandbus.command
		WHERE domain = $1 AND status = 'IN_TROUBLESHOOTING_QUEUE'`
	args := []any{domainName}
	if commandType != "" {
		args = append(args, commandType)
		sql += fmt.Sprintf(" AND command_type = $%d", len(args))
	}
	if createdAfter != nil {
		args = append(args, *createdAfter)
		sql += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if createdBefore != nil {
		args = append(args, *createdBefore)
		sql += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, limit, offset)
	sql += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("op=command.ListTroubleshooting: %w", err)
	}
	defer rows.Close()

	var out []domain.Command
	for rows.Next() {
		cmd, err := scanCommandRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=command.ListTroubleshooting: %w", err)
		}
		out = append(out, *cmd)
	}
	return out, rows.Err()
}

// GetAverageProcessingTime returns the average wall time between creation
// and terminal status for completed commands of commandType.
func (r *CommandRepo) GetAverageProcessingTime(ctx context.Context, domainName, commandType string) (time.Duration, error) {
	var seconds *float64
	row := r.Pool.QueryRow(ctx, `
		SELECT extract(epoch FROM avg(updated_at - created_at))
		FROM commandbus.command
		WHERE domain = $1 AND command_type = $2 AND status = 'COMPLETED'`,
		domainName, commandType)
	if err := row.Scan(&seconds); err != nil {
		return 0, fmt.Errorf("op=command.GetAverageProcessingTime: %w", err)
	}
	if seconds == nil {
		return 0, nil
	}
	return time.Duration(*seconds * float64(time.Second)), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCommand(row pgx.Row) (*domain.Command, error) {
	return scanCommandRow(row)
}

func scanCommandRow(row scannable) (*domain.Command, error) {
	var cmd domain.Command
	var msgID *int64
	var kind, code, msg *string
	var batchID *string
	if err := row.Scan(
		&cmd.Domain, &cmd.CommandID, &cmd.CommandType, &cmd.Status, &cmd.Data,
		&cmd.Attempts, &cmd.MaxAttempts, &msgID, &cmd.ReplyQueue, &cmd.CorrelationID,
		&kind, &code, &msg, &batchID, &cmd.CreatedAt, &cmd.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cmd.MsgID = msgID
	cmd.BatchID = batchID
	if kind != nil {
		cmd.LastError = &domain.ErrorInfo{Kind: domain.ErrorKind(*kind), Code: deref(code), Message: deref(msg)}
	}
	return &cmd, nil
}

func ptr[T any](v T) *T { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
