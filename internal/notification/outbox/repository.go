// Package outbox persists notification requests until the scheduler has
// delivered them or given up.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"

	errRepoNotConfigured = "outbox repository not configured"
)

// Channels a request can be delivered on.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// ErrNotFound is returned when no outbox row has the requested id.
var ErrNotFound = errors.New("outbox record not found")

type Record struct {
	ID          uuid.UUID
	Channel     string
	Recipient   string
	TemplateKey string
	Payload     json.RawMessage
	RunAt       time.Time
	Status      Status
	Attempts    int
	LastError   *string
}

type InsertParams struct {
	Channel     string
	Recipient   string
	TemplateKey string
	Payload     any
	RunAt       time.Time
}

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `id, channel, recipient, template_key, payload, run_at, status, attempts, last_error`

func (r *Repository) Insert(ctx context.Context, p InsertParams) (uuid.UUID, error) {
	if r == nil || r.pool == nil {
		return uuid.Nil, errors.New(errRepoNotConfigured)
	}
	if err := p.validate(); err != nil {
		return uuid.Nil, err
	}
	if p.RunAt.IsZero() {
		p.RunAt = time.Now().UTC()
	}

	payloadBytes, err := json.Marshal(p.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal payload: %w", err)
	}

	var id uuid.UUID
	err = r.pool.QueryRow(ctx,
		`INSERT INTO notification_outbox (channel, recipient, template_key, payload, run_at, status)
		 VALUES ($1, $2, $3, $4, $5, 'pending')
		 RETURNING id`,
		p.Channel, p.Recipient, p.TemplateKey, payloadBytes, p.RunAt,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (p InsertParams) validate() error {
	switch {
	case p.Channel != ChannelEmail && p.Channel != ChannelSMS:
		return fmt.Errorf("unsupported channel %q", p.Channel)
	case strings.TrimSpace(p.Recipient) == "":
		return fmt.Errorf("recipient is required")
	case p.TemplateKey == "":
		return fmt.Errorf("template key is required")
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Record, error) {
	if r == nil || r.pool == nil {
		return Record{}, errors.New(errRepoNotConfigured)
	}

	rec, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM notification_outbox WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// ClaimPending moves due pending rows to enqueued and returns them. Rows
// locked by a concurrent claimer are skipped.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]Record, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New(errRepoNotConfigured)
	}
	if limit < 1 {
		limit = 50
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `WITH cte AS (
		SELECT id
		FROM notification_outbox
		WHERE status = 'pending' AND run_at <= now()
		ORDER BY run_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE notification_outbox o
	SET status = 'enqueued', updated_at = now()
	FROM cte
	WHERE o.id = cte.id
	RETURNING o.id, o.channel, o.recipient, o.template_key, o.payload, o.run_at, o.status, o.attempts, o.last_error`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

// ReleaseClaim returns an enqueued row to pending, used when handing it to
// the task queue failed.
func (r *Repository) ReleaseClaim(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'pending', last_error = $2, updated_at = now()
		 WHERE id = $1 AND status = 'enqueued'`,
		id, lastError,
	)
}

func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'processing', attempts = attempts + 1, updated_at = now()
		 WHERE id = $1`,
		id,
	)
}

func (r *Repository) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'succeeded', last_error = NULL, updated_at = now()
		 WHERE id = $1`,
		id,
	)
}

// ScheduleRetry puts the row back in the pending queue, due at runAt.
func (r *Repository) ScheduleRetry(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	return r.exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'pending', run_at = $2, last_error = $3, updated_at = now()
		 WHERE id = $1`,
		id, runAt, lastError,
	)
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return r.exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'failed', last_error = $2, updated_at = now()
		 WHERE id = $1`,
		id, lastError,
	)
}

// ReclaimStale returns rows stuck in enqueued or processing since before
// cutoff to pending, so a claim lost with a crashed scheduler or worker is
// delivered later. Attempts already counted are kept.
func (r *Repository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	if r == nil || r.pool == nil {
		return 0, errors.New(errRepoNotConfigured)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'pending', run_at = now(), last_error = 'claim expired', updated_at = now()
		 WHERE status IN ('enqueued', 'processing') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteFinishedBefore removes succeeded rows older than succeededBefore and
// failed rows older than failedBefore.
func (r *Repository) DeleteFinishedBefore(ctx context.Context, succeededBefore, failedBefore time.Time) (int64, error) {
	if r == nil || r.pool == nil {
		return 0, errors.New(errRepoNotConfigured)
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM notification_outbox
		 WHERE (status = 'succeeded' AND updated_at < $1)
		    OR (status = 'failed' AND updated_at < $2)`,
		succeededBefore, failedBefore,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) exec(ctx context.Context, sql string, args ...any) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	_, err := r.pool.Exec(ctx, sql, args...)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var status string
	if err := row.Scan(&rec.ID, &rec.Channel, &rec.Recipient, &rec.TemplateKey, &rec.Payload, &rec.RunAt, &status, &rec.Attempts, &rec.LastError); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}
