package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CleanupService periodically reclaims stale payload archive rows. Terminal
// command/audit/batch/process rows persist indefinitely, so this is narrowed
// to the one thing that is safe to compact: archived payload bytes for
// commands that are long past being retry candidates.
type CleanupService struct {
	Archive       *ArchiveRepo
	RetentionDays int
}

// NewCleanupService constructs a cleanup service bound to pool.
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	return &CleanupService{Archive: NewArchiveRepo(pool), RetentionDays: retentionDays}
}

// RunOnce performs a single cleanup pass.
func (c *CleanupService) RunOnce(ctx context.Context) error {
	n, err := c.Archive.DeleteOlderThan(ctx, c.RetentionDays)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("reclaimed stale payload archive rows", slog.Int64("count", n), slog.Int("retention_days", c.RetentionDays))
	}
	return nil
}

// RunPeriodic runs RunOnce on interval until ctx is canceled.
func (c *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				slog.Error("payload archive cleanup failed", slog.Any("error", err))
			}
		}
	}
}
