package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/freesidenomad/commandbus/internal/domain"
)

// ArchiveRepo persists the original payload of a command that was archived
// into the troubleshooting queue, so an operator's retry can replay the
// exact bytes the handler originally received.
type ArchiveRepo struct {
	Pool Querier
}

func NewArchiveRepo(pool Querier) *ArchiveRepo { return &ArchiveRepo{Pool: pool} }

func (r *ArchiveRepo) WithQuerier(q Querier) *ArchiveRepo { return &ArchiveRepo{Pool: q} }

// Store archives payload for (domain, commandID), upserting in case a
// command is archived more than once across its lifetime (operator-retry
// followed by a second failure).
func (r *ArchiveRepo) Store(ctx context.Context, domainName, commandID string, payload []byte) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO commandbus.payload_archive (domain, command_id, payload, archived_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (domain, command_id) DO UPDATE SET payload = excluded.payload, archived_at = now()`,
		domainName, commandID, payload,
	)
	if err != nil {
		return fmt.Errorf("op=archive.Store: %w", err)
	}
	return nil
}

// Get returns the archived payload for (domain, commandID).
func (r *ArchiveRepo) Get(ctx context.Context, domainName, commandID string) ([]byte, error) {
	var payload []byte
	row := r.Pool.QueryRow(ctx, `SELECT payload FROM commandbus.payload_archive WHERE domain = $1 AND command_id = $2`,
		domainName, commandID)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=archive.Get: %w", domain.ErrCommandNotFound)
		}
		return nil, fmt.Errorf("op=archive.Get: %w", err)
	}
	return payload, nil
}

// DeleteOlderThan removes archived payloads whose commands have been
// terminal (and thus retry-unreachable in practice) for longer than the
// retention window. It never touches commandbus.command, audit_event,
// batch, process, or process_audit rows: those persist indefinitely per the
// design's "terminal rows persist indefinitely; no compaction in the core"
// invariant. Only the payload bytes, which exist purely to support operator
// retry, are reclaimable.
func (r *ArchiveRepo) DeleteOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	tag, err := r.Pool.Exec(ctx, `
		DELETE FROM commandbus.payload_archive pa
		USING commandbus.command c
		WHERE pa.domain = c.domain AND pa.command_id = c.command_id
		  AND c.status IN ('COMPLETED', 'CANCELED')
		  AND pa.archived_at < now() - make_interval(days => $1)`,
		retentionDays,
	)
	if err != nil {
		return 0, fmt.Errorf("op=archive.DeleteOlderThan: %w", err)
	}
	return tag.RowsAffected(), nil
}
