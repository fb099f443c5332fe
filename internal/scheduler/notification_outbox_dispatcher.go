package scheduler

import (
	"context"
	"time"

	"lifecycle_backend/internal/notification/outbox"
	"lifecycle_backend/platform/logger"

	"github.com/google/uuid"
)

const (
	dispatchInterval  = 2 * time.Second
	dispatchBatchSize = 50
)

// OutboxClaimer hands out due outbox rows and takes back the ones that
// could not be enqueued.
type OutboxClaimer interface {
	ClaimPending(ctx context.Context, limit int) ([]outbox.Record, error)
	ReleaseClaim(ctx context.Context, id uuid.UUID, lastError string) error
}

// Enqueuer turns a claimed row into a delivery task.
type Enqueuer interface {
	EnqueueOutboxDue(ctx context.Context, outboxID uuid.UUID, runAt time.Time) error
}

// NotificationOutboxDispatcher polls the outbox and enqueues due rows.
type NotificationOutboxDispatcher struct {
	repo     OutboxClaimer
	enqueuer Enqueuer
	log      *logger.Logger
}

func NewNotificationOutboxDispatcher(repo OutboxClaimer, enqueuer Enqueuer, log *logger.Logger) *NotificationOutboxDispatcher {
	return &NotificationOutboxDispatcher{repo: repo, enqueuer: enqueuer, log: log}
}

func (d *NotificationOutboxDispatcher) Run(ctx context.Context) {
	if d == nil || d.repo == nil || d.enqueuer == nil {
		return
	}

	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.dispatch(ctx)
	}
}

// dispatch claims one batch and returns how many rows were enqueued.
func (d *NotificationOutboxDispatcher) dispatch(ctx context.Context) int {
	records, err := d.repo.ClaimPending(ctx, dispatchBatchSize)
	if err != nil {
		d.log.Warn("outbox claim failed", "error", err)
		return 0
	}

	enqueued := 0
	for _, rec := range records {
		if err := d.enqueuer.EnqueueOutboxDue(ctx, rec.ID, rec.RunAt); err != nil {
			d.log.Warn("outbox enqueue failed; releasing claim", "outboxId", rec.ID.String(), "error", err)
			if relErr := d.repo.ReleaseClaim(ctx, rec.ID, err.Error()); relErr != nil {
				d.log.Error("outbox claim release failed", "outboxId", rec.ID.String(), "error", relErr)
			}
			continue
		}
		enqueued++
	}
	return enqueued
}
