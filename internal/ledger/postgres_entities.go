package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lifecycle_backend/internal/lifecycle/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const entityColumns = `id, kind, status, version, external_ref, contact_email, payload, quote, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (domain.Entity, error) {
	var e domain.Entity
	var kind, status string
	var payload, quote []byte
	if err := row.Scan(&e.ID, &kind, &status, &e.Version, &e.ExternalRef, &e.ContactEmail,
		&payload, &quote, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entity{}, ErrNotFound
		}
		return domain.Entity{}, err
	}
	e.Kind = domain.Kind(kind)
	e.Status = domain.Status(status)
	e.Payload = payload
	if len(quote) > 0 {
		e.Quote = quote
	}
	return e, nil
}

func (t *pgTx) InsertEntity(ctx context.Context, e domain.Entity) error {
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO lifecycle_entities (id, kind, status, version, external_ref, contact_email, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, e.ID, string(e.Kind), string(e.Status), e.Version, e.ExternalRef, e.ContactEmail, payload, e.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateExternalRef
	}
	return err
}

func (t *pgTx) GetEntity(ctx context.Context, kind domain.Kind, id uuid.UUID) (domain.Entity, error) {
	return scanEntity(t.tx.QueryRow(ctx, `
		SELECT `+entityColumns+`
		FROM lifecycle_entities
		WHERE kind = $1 AND id = $2
	`, string(kind), id))
}

func (t *pgTx) FindEntityByExternalRef(ctx context.Context, kind domain.Kind, ref string) (domain.Entity, error) {
	return scanEntity(t.tx.QueryRow(ctx, `
		SELECT `+entityColumns+`
		FROM lifecycle_entities
		WHERE kind = $1 AND external_ref = $2
	`, string(kind), ref))
}

func (t *pgTx) UpdateStatus(ctx context.Context, u StatusUpdate) (domain.Entity, error) {
	e, err := scanEntity(t.tx.QueryRow(ctx, `
		UPDATE lifecycle_entities
		SET status = $4, version = version + 1, updated_at = $5
		WHERE kind = $1 AND id = $2 AND version = $3
		RETURNING `+entityColumns,
		string(u.Kind), u.ID, u.ExpectedVersion, string(u.To), u.At))
	if errors.Is(err, ErrNotFound) {
		return domain.Entity{}, ErrVersionMismatch
	}
	return e, err
}

func (t *pgTx) MergePayload(ctx context.Context, kind domain.Kind, id uuid.UUID, fields map[string]any, at time.Time) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal payload patch: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE lifecycle_entities
		SET payload = payload || $3::jsonb, updated_at = $4
		WHERE kind = $1 AND id = $2
	`, string(kind), id, patch, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AttachQuote(ctx context.Context, kind domain.Kind, id uuid.UUID, quote json.RawMessage, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE lifecycle_entities
		SET quote = $3, updated_at = $4
		WHERE kind = $1 AND id = $2 AND quote IS NULL
	`, string(kind), id, []byte(quote), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := t.GetEntity(ctx, kind, id); err != nil {
		return err
	}
	return ErrQuoteAlreadyAttached
}

func (t *pgTx) AppendActivity(ctx context.Context, ev domain.ActivityEvent) error {
	metadata, err := json.Marshal(orEmpty(ev.Metadata))
	if err != nil {
		return fmt.Errorf("marshal activity metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO lifecycle_activity_events (id, entity_kind, entity_id, event_type, from_status, to_status, actor, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, string(ev.EntityKind), ev.EntityID, ev.EventType,
		statusArg(ev.FromStatus), statusArg(ev.ToStatus), ev.Actor, ev.OccurredAt, metadata)
	return err
}

func (t *pgTx) ListActivity(ctx context.Context, kind domain.Kind, id uuid.UUID) ([]domain.ActivityEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, entity_kind, entity_id, event_type, from_status, to_status, actor, occurred_at, metadata
		FROM lifecycle_activity_events
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY occurred_at ASC, id ASC
	`, string(kind), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.ActivityEvent, 0)
	for rows.Next() {
		var ev domain.ActivityEvent
		var entityKind string
		var from, to *string
		var metadata []byte
		if err := rows.Scan(&ev.ID, &entityKind, &ev.EntityID, &ev.EventType, &from, &to,
			&ev.Actor, &ev.OccurredAt, &metadata); err != nil {
			return nil, err
		}
		ev.EntityKind = domain.Kind(entityKind)
		ev.FromStatus = statusPtr(from)
		ev.ToStatus = statusPtr(to)
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode activity metadata: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func statusArg(s *domain.Status) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func statusPtr(s *string) *domain.Status {
	if s == nil {
		return nil
	}
	v := domain.Status(*s)
	return &v
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
