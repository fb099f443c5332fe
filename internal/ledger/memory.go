package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"lifecycle_backend/internal/lifecycle/domain"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Units of work are serialized and
// operate on a copy of the state that replaces the committed state only
// when the unit of work succeeds. It is used by tests and local runs
// without a database.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type entityKey struct {
	kind domain.Kind
	id   uuid.UUID
}

type externalKey struct {
	provider   string
	externalID string
}

type memState struct {
	entities map[entityKey]domain.Entity
	activity []domain.ActivityEvent
	external map[externalKey]ExternalEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		entities: make(map[entityKey]domain.Entity),
		external: make(map[externalKey]ExternalEvent),
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		entities: maps.Clone(s.entities),
		activity: slices.Clone(s.activity),
		external: maps.Clone(s.external),
	}
}

// RunInTx implements Store.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// ActivityCount returns the number of committed activity events. Used by tests.
func (s *MemoryStore) ActivityCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.activity)
}

type memTx struct {
	state *memState
}

func (t *memTx) Savepoint(_ context.Context, fn func(Tx) error) error {
	nested := &memTx{state: t.state.clone()}
	if err := fn(nested); err != nil {
		return err
	}
	t.state = nested.state
	return nil
}

func (t *memTx) InsertEntity(_ context.Context, e domain.Entity) error {
	key := entityKey{e.Kind, e.ID}
	if _, ok := t.state.entities[key]; ok {
		return fmt.Errorf("entity %s already exists", e.ID)
	}
	if e.ExternalRef != nil {
		if _, err := t.findByRef(e.Kind, *e.ExternalRef); err == nil {
			return ErrDuplicateExternalRef
		}
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	e.UpdatedAt = e.CreatedAt
	t.state.entities[key] = e
	return nil
}

func (t *memTx) GetEntity(_ context.Context, kind domain.Kind, id uuid.UUID) (domain.Entity, error) {
	e, ok := t.state.entities[entityKey{kind, id}]
	if !ok {
		return domain.Entity{}, ErrNotFound
	}
	return e, nil
}

func (t *memTx) FindEntityByExternalRef(_ context.Context, kind domain.Kind, ref string) (domain.Entity, error) {
	return t.findByRef(kind, ref)
}

func (t *memTx) findByRef(kind domain.Kind, ref string) (domain.Entity, error) {
	for key, e := range t.state.entities {
		if key.kind == kind && e.ExternalRef != nil && *e.ExternalRef == ref {
			return e, nil
		}
	}
	return domain.Entity{}, ErrNotFound
}

func (t *memTx) UpdateStatus(_ context.Context, u StatusUpdate) (domain.Entity, error) {
	key := entityKey{u.Kind, u.ID}
	e, ok := t.state.entities[key]
	if !ok || e.Version != u.ExpectedVersion {
		return domain.Entity{}, ErrVersionMismatch
	}
	e.Status = u.To
	e.Version++
	e.UpdatedAt = u.At
	t.state.entities[key] = e
	return e, nil
}

func (t *memTx) MergePayload(_ context.Context, kind domain.Kind, id uuid.UUID, fields map[string]any, at time.Time) error {
	key := entityKey{kind, id}
	e, ok := t.state.entities[key]
	if !ok {
		return ErrNotFound
	}
	current := map[string]any{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &current); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	maps.Copy(current, fields)
	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	e.Payload = merged
	e.UpdatedAt = at
	t.state.entities[key] = e
	return nil
}

func (t *memTx) AttachQuote(_ context.Context, kind domain.Kind, id uuid.UUID, quote json.RawMessage, at time.Time) error {
	key := entityKey{kind, id}
	e, ok := t.state.entities[key]
	if !ok {
		return ErrNotFound
	}
	if len(e.Quote) > 0 {
		return ErrQuoteAlreadyAttached
	}
	e.Quote = slices.Clone(quote)
	e.UpdatedAt = at
	t.state.entities[key] = e
	return nil
}

func (t *memTx) AppendActivity(_ context.Context, ev domain.ActivityEvent) error {
	ev.Metadata = maps.Clone(orEmpty(ev.Metadata))
	t.state.activity = append(t.state.activity, ev)
	return nil
}

func (t *memTx) ListActivity(_ context.Context, kind domain.Kind, id uuid.UUID) ([]domain.ActivityEvent, error) {
	out := make([]domain.ActivityEvent, 0)
	for _, ev := range t.state.activity {
		if ev.EntityKind == kind && ev.EntityID == id {
			out = append(out, ev)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.ActivityEvent) int {
		return a.OccurredAt.Compare(b.OccurredAt)
	})
	return out, nil
}

func (t *memTx) InsertExternalEvent(_ context.Context, ev ExternalEvent) (bool, error) {
	key := externalKey{ev.Provider, ev.ExternalID}
	if _, ok := t.state.external[key]; ok {
		return false, nil
	}
	if ev.Status == "" {
		ev.Status = StatusPending
	}
	ev.RawPayload = slices.Clone(ev.RawPayload)
	t.state.external[key] = ev
	return true, nil
}

func (t *memTx) GetExternalEvent(_ context.Context, provider, externalID string) (ExternalEvent, error) {
	ev, ok := t.state.external[externalKey{provider, externalID}]
	if !ok {
		return ExternalEvent{}, ErrNotFound
	}
	return ev, nil
}

func (t *memTx) CompleteExternalEvent(_ context.Context, provider, externalID string, out Outcome) error {
	key := externalKey{provider, externalID}
	ev, ok := t.state.external[key]
	if !ok || ev.Status != StatusPending {
		return ErrNotFound
	}
	ev.Status = out.Status
	ev.Reason = out.Reason
	ev.EntityKind = out.EntityKind
	ev.EntityID = out.EntityID
	processed := out.ProcessedAt
	ev.ProcessedAt = &processed
	t.state.external[key] = ev
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*memTx)(nil)
	_ Tx    = (*pgTx)(nil)
)
