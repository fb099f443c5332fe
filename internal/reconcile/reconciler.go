// Package reconcile applies payment-processor and email-delivery webhooks to
// lifecycle entities. Every delivery is authenticated, parsed into a typed
// event and recorded once per (provider, external id); its effect commits in
// the same transaction as the idempotency record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lifecycle_backend/internal/events"
	"lifecycle_backend/internal/ledger"
	"lifecycle_backend/internal/lifecycle/domain"
	"lifecycle_backend/internal/lifecycle/service"
	"lifecycle_backend/platform/apperr"
	"lifecycle_backend/platform/config"
	"lifecycle_backend/platform/logger"
	"lifecycle_backend/platform/metrics"

	"github.com/google/uuid"
)

const archiveTimeout = 30 * time.Second

// Lifecycle is the slice of the lifecycle service the reconciler drives.
type Lifecycle interface {
	Table() *domain.Table
	Now() time.Time
	ApplyTransitionTx(ctx context.Context, tx ledger.Tx, req service.TransitionRequest) (service.TransitionResult, error)
	RecordActivity(ctx context.Context, tx ledger.Tx, p service.ActivityParams) (domain.ActivityEvent, error)
	PublishStatusChanged(ctx context.Context, r service.TransitionResult)
}

// Result is the acknowledgement for an authenticated, well-formed delivery.
type Result struct {
	Provider   string                  `json:"provider"`
	ExternalID string                  `json:"externalId"`
	EventType  string                  `json:"eventType"`
	Status     ledger.ProcessingStatus `json:"status"`
	Reason     string                  `json:"reason,omitempty"`
	Duplicate  bool                    `json:"duplicate"`
	EntityKind string                  `json:"entityKind,omitempty"`
	EntityID   *uuid.UUID              `json:"entityId,omitempty"`
}

// Reconciler processes webhook deliveries.
type Reconciler struct {
	store     ledger.Store
	lifecycle Lifecycle
	secrets   config.WebhookConfig
	cache     StatusCache
	archiver  Archiver
	bus       events.Bus
	log       *logger.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// New creates a reconciler without a status cache or payload archive.
func New(store ledger.Store, lifecycle Lifecycle, secrets config.WebhookConfig, bus events.Bus, log *logger.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		lifecycle: lifecycle,
		secrets:   secrets,
		cache:     noopStatusCache{},
		archiver:  noopArchiver{},
		bus:       bus,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetStatusCache enables the Redis fast path for duplicate deliveries.
func (r *Reconciler) SetStatusCache(cache StatusCache) {
	r.cache = cache
}

// SetArchiver enables raw payload archiving.
func (r *Reconciler) SetArchiver(archiver Archiver) {
	r.archiver = archiver
}

// SetClock overrides the clock used for signature tolerance and receipt times.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Wait blocks until background archive uploads have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Reconcile authenticates, deduplicates and applies one delivery.
//
// Returned errors: InvalidSignature before anything is stored, BadRequest for
// an envelope that cannot be parsed or has no id, and plain errors for store failures (the
// whole unit of work is rolled back so the upstream retry starts clean).
// A rejected effect or unusable event data is not an error: the delivery is
// recorded as FAILED and acknowledged.
func (r *Reconciler) Reconcile(ctx context.Context, provider string, body []byte, signature string) (Result, error) {
	const op = "reconcile.Reconcile"
	log := r.log.WithContext(ctx)

	if err := VerifySignature(signature, body, r.secrets.GetWebhookSecrets(provider), r.now(), r.secrets.GetWebhookTolerance()); err != nil {
		metrics.RecordSignatureFailure(provider)
		log.SecurityEvent("webhook_signature_rejected", provider, err.Error(), slog.Int("body_bytes", len(body)))
		return Result{}, apperr.InvalidSignature("webhook signature verification failed").WithOp(op)
	}

	ev, err := ParseEvent(provider, body)
	if err != nil {
		return Result{}, apperr.BadRequest(err.Error()).WithOp(op)
	}
	head := ev.Header()

	if cached, ok := r.cachedResult(ctx, provider, head); ok {
		metrics.RecordReconcileDuplicate(provider)
		return cached, nil
	}

	d := delivery{provider: provider, envelope: head, receivedAt: r.now()}
	var (
		result Result
		eff    effect
	)
	err = r.store.RunInTx(ctx, func(tx ledger.Tx) error {
		inserted, err := tx.InsertExternalEvent(ctx, ledger.ExternalEvent{
			ID:         uuid.New(),
			Provider:   provider,
			ExternalID: head.ID,
			Type:       head.Type,
			Status:     ledger.StatusPending,
			RawPayload: body,
			ReceivedAt: d.receivedAt,
		})
		if err != nil {
			return fmt.Errorf("record external event: %w", err)
		}
		if !inserted {
			existing, err := tx.GetExternalEvent(ctx, provider, head.ID)
			if err != nil {
				return fmt.Errorf("load external event: %w", err)
			}
			result = resultFromRecord(existing)
			result.Duplicate = true
			return nil
		}

		eff, err = r.apply(ctx, tx, d, ev)
		if err != nil {
			return err
		}

		outcome := ledger.Outcome{Status: eff.status, Reason: eff.reason, ProcessedAt: r.lifecycle.Now()}
		if eff.entity != nil {
			kind, id := eff.entity.Kind, eff.entity.ID
			outcome.EntityKind, outcome.EntityID = &kind, &id
		}
		if err := tx.CompleteExternalEvent(ctx, provider, head.ID, outcome); err != nil {
			return fmt.Errorf("complete external event: %w", err)
		}
		result = eff.result(d)
		return nil
	})
	if err != nil {
		log.DatabaseError(op, err)
		return Result{}, err
	}

	if result.Duplicate {
		if !result.Status.IsTerminal() {
			return Result{}, apperr.Conflict("event is still being processed").WithOp(op)
		}
		metrics.RecordReconcileDuplicate(provider)
		r.cacheResult(ctx, result)
		return result, nil
	}

	r.afterCommit(ctx, d, eff, result, body)
	return result, nil
}

// GetExternalEvent returns the stored record of a delivery.
func (r *Reconciler) GetExternalEvent(ctx context.Context, provider, externalID string) (ledger.ExternalEvent, error) {
	var ev ledger.ExternalEvent
	err := r.store.RunInTx(ctx, func(tx ledger.Tx) error {
		var err error
		ev, err = tx.GetExternalEvent(ctx, provider, externalID)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.ExternalEvent{}, apperr.NotFound(fmt.Sprintf("no %s event %s", provider, externalID))
	}
	if err != nil {
		return ledger.ExternalEvent{}, fmt.Errorf("get external event: %w", err)
	}
	return ev, nil
}

// apply runs the event's effect in a savepoint. Domain rejections roll back
// to the savepoint and become a FAILED outcome; anything else aborts.
func (r *Reconciler) apply(ctx context.Context, tx ledger.Tx, d delivery, ev Event) (effect, error) {
	var eff effect
	err := tx.Savepoint(ctx, func(sp ledger.Tx) error {
		var err error
		eff, err = r.dispatch(ctx, sp, d, ev)
		return err
	})
	if err == nil {
		return eff, nil
	}
	if reason, ok := rejectionReason(err); ok {
		return effect{status: ledger.StatusFailed, reason: reason, entity: eff.entity}, nil
	}
	return effect{}, err
}

func (r *Reconciler) afterCommit(ctx context.Context, d delivery, eff effect, result Result, body []byte) {
	metrics.RecordReconcileOutcome(d.provider, string(result.Status))
	r.log.WithContext(ctx).ReconcileOutcome(d.provider, result.ExternalID, result.EventType, string(result.Status), result.Reason)
	r.cacheResult(ctx, result)

	for _, t := range eff.transitions {
		r.lifecycle.PublishStatusChanged(ctx, t)
	}
	if r.bus != nil {
		switch result.Status {
		case ledger.StatusApplied:
			r.bus.Publish(ctx, events.ExternalEventApplied{
				BaseEvent:    events.NewBaseEvent(),
				Provider:     d.provider,
				ExternalID:   result.ExternalID,
				EventType:    result.EventType,
				EntityKind:   result.EntityKind,
				EntityID:     result.EntityID,
				ContactEmail: eff.contactEmail(),
			})
		case ledger.StatusFailed:
			r.bus.Publish(ctx, events.ExternalEventFailed{
				BaseEvent:  events.NewBaseEvent(),
				Provider:   d.provider,
				ExternalID: result.ExternalID,
				EventType:  result.EventType,
				Reason:     result.Reason,
			})
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		if err := r.archiver.Archive(archiveCtx, d.provider, result.ExternalID, d.receivedAt, body); err != nil {
			r.log.Warn("webhook payload archive failed",
				slog.String("provider", d.provider),
				slog.String("external_id", result.ExternalID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (r *Reconciler) cachedResult(ctx context.Context, provider string, head Envelope) (Result, bool) {
	cached, ok, err := r.cache.Get(ctx, provider, head.ID)
	if err != nil {
		r.log.Warn("status cache lookup failed", slog.String("provider", provider), slog.String("error", err.Error()))
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	res := Result{
		Provider:   provider,
		ExternalID: head.ID,
		EventType:  cached.EventType,
		Status:     cached.Status,
		Reason:     cached.Reason,
		Duplicate:  true,
		EntityKind: cached.EntityKind,
	}
	if id, err := uuid.Parse(cached.EntityID); err == nil {
		res.EntityID = &id
	}
	return res, true
}

func (r *Reconciler) cacheResult(ctx context.Context, res Result) {
	out := CachedOutcome{Status: res.Status, Reason: res.Reason, EventType: res.EventType, EntityKind: res.EntityKind}
	if res.EntityID != nil {
		out.EntityID = res.EntityID.String()
	}
	if err := r.cache.Set(ctx, res.Provider, res.ExternalID, out); err != nil {
		r.log.Warn("status cache write failed", slog.String("provider", res.Provider), slog.String("error", err.Error()))
	}
}

func resultFromRecord(ev ledger.ExternalEvent) Result {
	res := Result{
		Provider:   ev.Provider,
		ExternalID: ev.ExternalID,
		EventType:  ev.Type,
		Status:     ev.Status,
		Reason:     ev.Reason,
		EntityID:   ev.EntityID,
	}
	if ev.EntityKind != nil {
		res.EntityKind = string(*ev.EntityKind)
	}
	return res
}

// rejectionReason reports whether err is a domain rejection that should be
// recorded as FAILED rather than retried by the provider.
func rejectionReason(err error) (string, bool) {
	e, ok := apperr.As(err)
	if !ok {
		return "", false
	}
	switch e.Kind {
	case apperr.KindNotFound, apperr.KindIllegalTransition, apperr.KindVersionConflict,
		apperr.KindValidation, apperr.KindConflict:
		return e.Code() + ": " + e.Message, true
	}
	return "", false
}
