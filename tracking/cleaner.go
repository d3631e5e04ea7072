package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Cleaner reclaims terminal saga rows once an import run observes a full
// drain (nothing in flight and no progress made during the run). Active rows
// are never touched.
type Cleaner struct {
	pool      *pgxpool.Pool
	retention time.Duration
	log       *slog.Logger
}

func NewCleaner(pool *pgxpool.Pool, retention time.Duration, log *slog.Logger) *Cleaner {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cleaner{pool: pool, retention: retention, log: log}
}

// Reclaim deletes completed saga rows older than the retention window. Called
// by the import job only when processedMax == enqueuedMax == startEnqueuedMax.
func (c *Cleaner) Reclaim(ctx context.Context, jobName string) error {
	const deleteSQL = `
		DELETE FROM saga_states
		WHERE status = 'completed'
		  AND updated_at < now() - make_interval(secs => $1)
	`

	tag, err := c.pool.Exec(ctx, deleteSQL, c.retention.Seconds())
	if err != nil {
		return fmt.Errorf("tracking: reclaim saga rows: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		c.log.Info("reclaimed completed saga rows", "job", jobName, "rows", n)
	}
	return nil
}
