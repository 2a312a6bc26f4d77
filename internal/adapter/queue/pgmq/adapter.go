// Package pgmq implements the Queue Adapter as plain SQL calls into the
// PGMQ extension's functions. PGMQ has no first-party Go client; every
// operation here is a thin, typed wrapper over a stored function call,
// issuing hand-written SQL rather than going through an ORM.
package pgmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freesidenomad/commandbus/internal/adapter/repo/postgres"
)

// Message is a single PGMQ read result.
type Message struct {
	MsgID      int64
	ReadCount  int32
	EnqueuedAt time.Time
	VT         time.Time
	Payload    json.RawMessage
}

// Adapter is the Queue Adapter. The message operations (send, read,
// delete, archive, set_vt) accept a postgres.Querier so they can run
// standalone against the pool or composed inside the Bus's ambient
// transaction; EnsureQueue, Notify and the depth reads use the pool.
type Adapter struct {
	Pool *pgxpool.Pool
}

// NewAdapter constructs a Queue Adapter bound to pool.
func NewAdapter(pool *pgxpool.Pool) *Adapter {
	return &Adapter{Pool: pool}
}

// EnsureQueue creates queueName if it does not already exist. Called once
// per configured domain at composition-root startup.
func (a *Adapter) EnsureQueue(ctx context.Context, queueName string) error {
	if _, err := a.Pool.Exec(ctx, `SELECT pgmq.create($1)`, queueName); err != nil {
		return fmt.Errorf("op=pgmq.EnsureQueue: %w", err)
	}
	return nil
}

// Send enqueues payload on queueName and returns the new message id.
func (a *Adapter) Send(ctx context.Context, q postgres.Querier, queueName string, payload []byte) (int64, error) {
	var msgID int64
	row := q.QueryRow(ctx, `SELECT * FROM pgmq.send($1, $2::jsonb)`, queueName, payload)
	if err := row.Scan(&msgID); err != nil {
		return 0, fmt.Errorf("op=pgmq.Send: %w", err)
	}
	return msgID, nil
}

// SendDelayed enqueues payload, invisible to readers for delaySeconds.
func (a *Adapter) SendDelayed(ctx context.Context, q postgres.Querier, queueName string, payload []byte, delaySeconds int) (int64, error) {
	var msgID int64
	row := q.QueryRow(ctx, `SELECT * FROM pgmq.send($1, $2::jsonb, $3)`, queueName, payload, delaySeconds)
	if err := row.Scan(&msgID); err != nil {
		return 0, fmt.Errorf("op=pgmq.SendDelayed: %w", err)
	}
	return msgID, nil
}

// Read leases up to limit messages for visibilityTimeoutSec seconds.
func (a *Adapter) Read(ctx context.Context, q postgres.Querier, queueName string, visibilityTimeoutSec, limit int) ([]Message, error) {
	rows, err := q.Query(ctx, `SELECT msg_id, read_ct, enqueued_at, vt, message FROM pgmq.read($1, $2, $3)`,
		queueName, visibilityTimeoutSec, limit)
	if err != nil {
		return nil, fmt.Errorf("op=pgmq.Read: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &m.VT, &m.Payload); err != nil {
			return nil, fmt.Errorf("op=pgmq.Read: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete permanently removes a message, used after successful completion.
func (a *Adapter) Delete(ctx context.Context, q postgres.Querier, queueName string, msgID int64) (bool, error) {
	var ok bool
	row := q.QueryRow(ctx, `SELECT pgmq.delete($1, $2)`, queueName, msgID)
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("op=pgmq.Delete: %w", err)
	}
	return ok, nil
}

// Archive moves a message to the archive table, preserving its payload for
// operator retry.
func (a *Adapter) Archive(ctx context.Context, q postgres.Querier, queueName string, msgID int64) (bool, error) {
	var ok bool
	row := q.QueryRow(ctx, `SELECT pgmq.archive($1, $2)`, queueName, msgID)
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("op=pgmq.Archive: %w", err)
	}
	return ok, nil
}

// SetVT extends (or shrinks) a message's visibility window, used to apply
// the retry policy's backoff delay without deleting and re-sending.
func (a *Adapter) SetVT(ctx context.Context, q postgres.Querier, queueName string, msgID int64, newVTSeconds int) (time.Time, error) {
	var vt time.Time
	row := q.QueryRow(ctx, `SELECT vt FROM pgmq.set_vt($1, $2, $3)`, queueName, msgID, newVTSeconds)
	if err := row.Scan(&vt); err != nil {
		return time.Time{}, fmt.Errorf("op=pgmq.SetVT: %w", err)
	}
	return vt, nil
}

// Pop atomically reads and deletes the oldest visible message.
func (a *Adapter) Pop(ctx context.Context, q postgres.Querier, queueName string) (*Message, error) {
	row := q.QueryRow(ctx, `SELECT msg_id, read_ct, enqueued_at, vt, message FROM pgmq.pop($1)`, queueName)
	var m Message
	if err := row.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &m.VT, &m.Payload); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("op=pgmq.Pop: %w", err)
	}
	return &m, nil
}

// Notify signals channel after the caller's enclosing transaction commits.
// Callers invoke this post-commit, never inside the transaction that sent
// the message, per the after-commit NOTIFY contract in the design.
func (a *Adapter) Notify(ctx context.Context, channel string, payload string) error {
	if _, err := a.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("op=pgmq.Notify: %w", err)
	}
	return nil
}

// Depth reports the approximate number of visible messages on queueName.
func (a *Adapter) Depth(ctx context.Context, queueName string) (int64, error) {
	var n int64
	row := a.Pool.QueryRow(ctx, `SELECT queue_length FROM pgmq.metrics($1)`, queueName)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=pgmq.Depth: %w", err)
	}
	return n, nil
}

// ArchivedCount reports how many messages are sitting in queueName's archive.
func (a *Adapter) ArchivedCount(ctx context.Context, queueName string) (int64, error) {
	var n int64
	row := a.Pool.QueryRow(ctx, `SELECT count(*) FROM pgmq.a_`+pgIdent(queueName))
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("op=pgmq.ArchivedCount: %w", err)
	}
	return n, nil
}

// pgIdent is a narrow defense against building dynamic SQL from
// externally-influenced queue names: only letters, digits, and underscores
// survive, matching PGMQ's own naming constraints for queue identifiers.
func pgIdent(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			out = append(out, c)
		}
	}
	return string(out)
}

// CommandsQueueName returns the per-domain commands queue name.
func CommandsQueueName(domainName string) string { return domainName + "__commands" }

// ProcessRepliesQueueName returns the per-domain process reply queue name.
func ProcessRepliesQueueName(domainName string) string { return domainName + "__process_replies" }
