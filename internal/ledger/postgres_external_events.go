package ledger

import (
	"context"
	"errors"

	"lifecycle_backend/internal/lifecycle/domain"

	"github.com/jackc/pgx/v5"
)

func (t *pgTx) InsertExternalEvent(ctx context.Context, ev ExternalEvent) (bool, error) {
	status := ev.Status
	if status == "" {
		status = StatusPending
	}
	// A concurrent insert of the same key blocks on the unique index until
	// the other transaction finishes, then falls through to DO NOTHING.
	var inserted bool
	err := t.tx.QueryRow(ctx, `
		INSERT INTO external_events (id, provider, external_id, event_type, processing_status, raw_payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, external_id) DO NOTHING
		RETURNING true
	`, ev.ID, ev.Provider, ev.ExternalID, ev.Type, string(status), ev.RawPayload, ev.ReceivedAt).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (t *pgTx) GetExternalEvent(ctx context.Context, provider, externalID string) (ExternalEvent, error) {
	var ev ExternalEvent
	var status string
	var reason, entityKind *string
	err := t.tx.QueryRow(ctx, `
		SELECT id, provider, external_id, event_type, processing_status, reason, entity_kind, entity_id,
		       raw_payload, received_at, processed_at
		FROM external_events
		WHERE provider = $1 AND external_id = $2
	`, provider, externalID).Scan(&ev.ID, &ev.Provider, &ev.ExternalID, &ev.Type, &status, &reason,
		&entityKind, &ev.EntityID, &ev.RawPayload, &ev.ReceivedAt, &ev.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ExternalEvent{}, ErrNotFound
	}
	if err != nil {
		return ExternalEvent{}, err
	}
	ev.Status = ProcessingStatus(status)
	if reason != nil {
		ev.Reason = *reason
	}
	if entityKind != nil {
		k := domain.Kind(*entityKind)
		ev.EntityKind = &k
	}
	return ev, nil
}

func (t *pgTx) CompleteExternalEvent(ctx context.Context, provider, externalID string, out Outcome) error {
	var reason *string
	if out.Reason != "" {
		reason = &out.Reason
	}
	var entityKind *string
	if out.EntityKind != nil {
		k := string(*out.EntityKind)
		entityKind = &k
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE external_events
		SET processing_status = $3, reason = $4, entity_kind = $5, entity_id = $6, processed_at = $7
		WHERE provider = $1 AND external_id = $2 AND processing_status = 'PENDING'
	`, provider, externalID, string(out.Status), reason, entityKind, out.EntityID, out.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
