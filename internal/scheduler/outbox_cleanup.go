package scheduler

import (
	"context"
	"time"

	"lifecycle_backend/platform/logger"
)

const (
	defaultOutboxCleanupInterval = time.Hour
	defaultSucceededRetention    = 7 * 24 * time.Hour
	defaultFailedRetention       = 30 * 24 * time.Hour
	defaultStaleClaimAfter       = 30 * time.Minute

	// outboxTaskTimeout bounds one delivery task and stays well under the
	// stale claim window.
	outboxTaskTimeout = 5 * time.Minute
)

// OutboxPruner deletes finished outbox rows and frees abandoned claims.
type OutboxPruner interface {
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteFinishedBefore(ctx context.Context, succeededBefore, failedBefore time.Time) (int64, error)
}

// OutboxCleanup periodically removes delivered and dropped notifications and
// requeues rows whose claim outlived staleClaimAfter. Failed rows are kept
// longer so operators can inspect them.
type OutboxCleanup struct {
	repo               OutboxPruner
	log                *logger.Logger
	interval           time.Duration
	succeededRetention time.Duration
	failedRetention    time.Duration
	staleClaimAfter    time.Duration
	now                func() time.Time
}

func NewOutboxCleanup(repo OutboxPruner, log *logger.Logger, interval, succeededRetention, failedRetention time.Duration) *OutboxCleanup {
	if interval <= 0 {
		interval = defaultOutboxCleanupInterval
	}
	if succeededRetention <= 0 {
		succeededRetention = defaultSucceededRetention
	}
	if failedRetention <= 0 {
		failedRetention = defaultFailedRetention
	}

	return &OutboxCleanup{
		repo:               repo,
		log:                log,
		interval:           interval,
		succeededRetention: succeededRetention,
		failedRetention:    failedRetention,
		staleClaimAfter:    defaultStaleClaimAfter,
		now:                time.Now,
	}
}

// SetStaleClaimAfter overrides how long a row may stay enqueued or processing
// before it is returned to the queue. Values not above the task timeout are
// ignored.
func (c *OutboxCleanup) SetStaleClaimAfter(d time.Duration) {
	if d > outboxTaskTimeout {
		c.staleClaimAfter = d
	}
}

func (c *OutboxCleanup) Run(ctx context.Context) {
	if c == nil || c.repo == nil {
		return
	}

	c.cleanup(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *OutboxCleanup) cleanup(ctx context.Context) {
	now := c.now()

	reclaimed, err := c.repo.ReclaimStale(ctx, now.Add(-c.staleClaimAfter))
	if err != nil {
		c.log.Warn("outbox stale claim sweep failed", "error", err)
	} else if reclaimed > 0 {
		c.log.Warn("outbox requeued stale claims", "reclaimed", reclaimed)
	}

	deleted, err := c.repo.DeleteFinishedBefore(ctx, now.Add(-c.succeededRetention), now.Add(-c.failedRetention))
	if err != nil {
		c.log.Warn("outbox cleanup failed", "error", err)
		return
	}

	if deleted > 0 {
		c.log.Info("outbox cleanup deleted finished notifications", "deleted", deleted)
	}
}
