package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lifecycle_backend/internal/ledger"
	"lifecycle_backend/internal/lifecycle/domain"
	"lifecycle_backend/internal/lifecycle/service"
	"lifecycle_backend/platform/apperr"
	"lifecycle_backend/platform/sanitize"
)

// maxConflictRetries bounds in-transaction retries after a version conflict.
const maxConflictRetries = 3

const reasonAlreadyInSync = "already in sync"

const codeInvalidPayload = "INVALID_PAYLOAD"

// subscriptionStatuses maps processor subscription states to ours.
var subscriptionStatuses = map[string]domain.Status{
	"trialing": "TRIALING",
	"active":   domain.StatusActive,
	"past_due": "PAST_DUE",
	"unpaid":   "UNPAID",
	"paused":   "PAUSED",
	"canceled": domain.StatusCancelled,
}

type delivery struct {
	provider   string
	envelope   Envelope
	receivedAt time.Time
}

func (d delivery) occurredAt() time.Time {
	return d.envelope.OccurredAt(d.receivedAt)
}

func (d delivery) metadata(extra map[string]any) map[string]any {
	out := map[string]any{
		"provider":   d.provider,
		"externalId": d.envelope.ID,
		"eventType":  d.envelope.Type,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// effect is what applying one event did to the ledger.
type effect struct {
	status      ledger.ProcessingStatus
	reason      string
	entity      *domain.Entity
	transitions []service.TransitionResult
}

func applied(entity domain.Entity, transitions ...service.TransitionResult) effect {
	return effect{status: ledger.StatusApplied, entity: &entity, transitions: transitions}
}

func ignored(entity *domain.Entity, reason string) effect {
	return effect{status: ledger.StatusIgnored, reason: reason, entity: entity}
}

func (e effect) result(d delivery) Result {
	res := Result{
		Provider:   d.provider,
		ExternalID: d.envelope.ID,
		EventType:  d.envelope.Type,
		Status:     e.status,
		Reason:     e.reason,
	}
	if e.entity != nil {
		id := e.entity.ID
		res.EntityKind = string(e.entity.Kind)
		res.EntityID = &id
	}
	return res
}

func (e effect) contactEmail() string {
	if e.entity == nil || e.entity.ContactEmail == nil {
		return ""
	}
	return *e.entity.ContactEmail
}

func (r *Reconciler) dispatch(ctx context.Context, tx ledger.Tx, d delivery, ev Event) (effect, error) {
	switch e := ev.(type) {
	case PaymentSucceeded:
		return r.paymentSucceeded(ctx, tx, d, e)
	case PaymentFailed:
		return r.paymentFailed(ctx, tx, d, e)
	case SubscriptionUpdated:
		to, ok := subscriptionStatuses[strings.ToLower(e.ProcessorStatus)]
		if !ok {
			return effect{}, apperr.Validation(fmt.Sprintf("unsupported subscription status %q", e.ProcessorStatus))
		}
		return r.syncSubscription(ctx, tx, d, e.Target, to)
	case SubscriptionCancelled:
		return r.syncSubscription(ctx, tx, d, e.Target, domain.StatusCancelled)
	case EmailDelivered:
		return r.emailActivity(ctx, tx, d, e.Target, domain.EventEmailDelivered, "lastDeliveredAt", e.Recipient, "")
	case EmailOpened:
		return r.emailActivity(ctx, tx, d, e.Target, domain.EventEmailOpened, "lastOpenedAt", e.Recipient, domain.StatusEngaged)
	case EmailReplied:
		return r.emailActivity(ctx, tx, d, e.Target, domain.EventEmailReplied, "lastRepliedAt", e.Recipient, domain.StatusReplied)
	case EmailBounced:
		return r.emailBounced(ctx, tx, d, e)
	case Invalid:
		return effect{status: ledger.StatusFailed, reason: codeInvalidPayload + ": " + sanitize.Text(e.Problem)}, nil
	}
	return ignored(nil, fmt.Sprintf("no mapping for event type %q", d.envelope.Type)), nil
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, tx ledger.Tx, d delivery, e PaymentSucceeded) (effect, error) {
	entity, err := r.resolve(ctx, tx, domain.KindInvoice, e.Target)
	if err != nil {
		return effect{}, err
	}
	partial := effect{entity: &entity}

	res, err := r.transition(ctx, tx, entity, domain.StatusPaid, d.metadata(map[string]any{
		"amountPaidCents": e.AmountPaidCents,
		"currency":        e.Currency,
	}))
	if err != nil {
		return partial, err
	}
	if err := tx.MergePayload(ctx, entity.Kind, entity.ID, map[string]any{
		"paidAt":          d.occurredAt().Format(time.RFC3339),
		"amountPaidCents": e.AmountPaidCents,
	}, r.lifecycle.Now()); err != nil {
		return partial, fmt.Errorf("merge payment fields: %w", err)
	}
	return applied(res.Entity, res), nil
}

func (r *Reconciler) paymentFailed(ctx context.Context, tx ledger.Tx, d delivery, e PaymentFailed) (effect, error) {
	entity, err := r.resolve(ctx, tx, domain.KindInvoice, e.Target)
	if err != nil {
		return effect{}, err
	}
	partial := effect{entity: &entity}

	res, err := r.transition(ctx, tx, entity, domain.StatusPaymentFailed, d.metadata(map[string]any{
		"failureMessage": e.FailureMessage,
	}))
	if err != nil {
		return partial, err
	}
	if err := tx.MergePayload(ctx, entity.Kind, entity.ID, map[string]any{
		"lastPaymentError": e.FailureMessage,
	}, r.lifecycle.Now()); err != nil {
		return partial, fmt.Errorf("merge payment fields: %w", err)
	}
	return applied(res.Entity, res), nil
}

// syncSubscription moves a subscription to the processor's view of it. A
// subscription already in that status is left untouched.
func (r *Reconciler) syncSubscription(ctx context.Context, tx ledger.Tx, d delivery, target Target, to domain.Status) (effect, error) {
	entity, err := r.resolve(ctx, tx, domain.KindSubscription, target)
	if err != nil {
		return effect{}, err
	}
	if entity.Status == to {
		return ignored(&entity, reasonAlreadyInSync), nil
	}

	res, err := r.transition(ctx, tx, entity, to, d.metadata(nil))
	if err != nil {
		return effect{entity: &entity}, err
	}
	return applied(res.Entity, res), nil
}

// emailActivity records a delivery-service signal on a prospect and, when
// advance is set and the table allows it, moves the prospect forward.
func (r *Reconciler) emailActivity(ctx context.Context, tx ledger.Tx, d delivery, target Target, eventType, timestampField, recipient string, advance domain.Status) (effect, error) {
	entity, err := r.resolve(ctx, tx, domain.KindProspect, target)
	if err != nil {
		return effect{}, err
	}
	partial := effect{entity: &entity}

	if _, err := r.lifecycle.RecordActivity(ctx, tx, service.ActivityParams{
		Kind:          entity.Kind,
		EntityID:      entity.ID,
		EventType:     eventType,
		Actor:         domain.ActorSystemWebhook,
		Metadata:      d.metadata(map[string]any{"recipient": recipient}),
		PayloadFields: map[string]any{timestampField: d.occurredAt().Format(time.RFC3339)},
	}); err != nil {
		return partial, err
	}

	if advance == "" || !r.advanceAllowed(entity, advance) {
		return applied(entity), nil
	}
	res, err := r.transition(ctx, tx, entity, advance, d.metadata(nil))
	if err != nil {
		return partial, err
	}
	return applied(res.Entity, res), nil
}

// advanceAllowed limits the optional prospect moves: opens only promote a
// CONTACTED prospect, replies promote whenever the table allows it.
func (r *Reconciler) advanceAllowed(entity domain.Entity, to domain.Status) bool {
	if to == domain.StatusEngaged && entity.Status != domain.StatusContacted {
		return false
	}
	return r.lifecycle.Table().IsValidTransition(entity.Kind, entity.Status, to)
}

func (r *Reconciler) emailBounced(ctx context.Context, tx ledger.Tx, d delivery, e EmailBounced) (effect, error) {
	entity, err := r.resolve(ctx, tx, domain.KindProspect, e.Target)
	if err != nil {
		return effect{}, err
	}
	partial := effect{entity: &entity}

	res, err := r.transition(ctx, tx, entity, domain.StatusBounced, d.metadata(map[string]any{
		"recipient": e.Recipient,
		"reason":    e.Reason,
	}))
	if err != nil {
		return partial, err
	}
	if err := tx.MergePayload(ctx, entity.Kind, entity.ID, map[string]any{
		"lastBouncedAt": d.occurredAt().Format(time.RFC3339),
		"bounceReason":  e.Reason,
	}, r.lifecycle.Now()); err != nil {
		return partial, fmt.Errorf("merge bounce fields: %w", err)
	}
	return applied(res.Entity, res), nil
}

// transition applies a status change as the webhook actor, re-reading the
// entity and retrying when a concurrent writer bumped the version.
func (r *Reconciler) transition(ctx context.Context, tx ledger.Tx, entity domain.Entity, to domain.Status, metadata map[string]any) (service.TransitionResult, error) {
	current := entity
	for retry := 0; ; retry++ {
		res, err := r.lifecycle.ApplyTransitionTx(ctx, tx, service.TransitionRequest{
			EntityID:        current.ID,
			Kind:            current.Kind,
			To:              to,
			Actor:           domain.ActorSystemWebhook,
			ExpectedVersion: current.Version,
			Metadata:        metadata,
		})
		if err == nil || !apperr.IsRetryable(err) || retry == maxConflictRetries {
			return res, err
		}
		latest, getErr := tx.GetEntity(ctx, current.Kind, current.ID)
		if getErr != nil {
			return res, err
		}
		current = latest
	}
}

func (r *Reconciler) resolve(ctx context.Context, tx ledger.Tx, kind domain.Kind, target Target) (domain.Entity, error) {
	var (
		entity domain.Entity
		err    error
		label  string
	)
	switch {
	case target.EntityID != nil:
		label = target.EntityID.String()
		entity, err = tx.GetEntity(ctx, kind, *target.EntityID)
	case target.ExternalRef != "":
		label = "ref " + target.ExternalRef
		entity, err = tx.FindEntityByExternalRef(ctx, kind, target.ExternalRef)
	default:
		return domain.Entity{}, apperr.NotFound("event does not reference an entity")
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.Entity{}, apperr.NotFound(fmt.Sprintf("%s %s not found", kind, label))
	}
	if err != nil {
		return domain.Entity{}, fmt.Errorf("resolve %s: %w", kind, err)
	}
	return entity, nil
}
