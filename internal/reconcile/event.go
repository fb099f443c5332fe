package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lifecycle_backend/platform/sanitize"

	"github.com/google/uuid"
)

// Providers that deliver webhooks.
const (
	ProviderPayments = "payments"
	ProviderEmail    = "email"
)

// Event types understood per provider. Anything else parses as Unknown and
// is acknowledged without effect.
const (
	TypePaymentSucceeded      = "invoice.payment_succeeded"
	TypePaymentFailed         = "invoice.payment_failed"
	TypeSubscriptionUpdated   = "customer.subscription.updated"
	TypeSubscriptionCancelled = "customer.subscription.deleted"

	TypeEmailDelivered = "email.delivered"
	TypeEmailOpened    = "email.opened"
	TypeEmailBounced   = "email.bounced"
	TypeEmailReplied   = "email.replied"
)

// Envelope is the common wrapper of every delivery.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// Header returns the envelope of an event.
func (e Envelope) Header() Envelope { return e }

// OccurredAt is the provider's creation time, or fallback when absent.
func (e Envelope) OccurredAt(fallback time.Time) time.Time {
	if e.Created <= 0 {
		return fallback
	}
	return time.Unix(e.Created, 0).UTC()
}

// Event is one parsed delivery.
type Event interface {
	Header() Envelope
}

// Target identifies the internal entity an event refers to: an explicit id
// from metadata.entity_id wins over the processor-side reference.
type Target struct {
	EntityID    *uuid.UUID
	ExternalRef string
}

type PaymentSucceeded struct {
	Envelope
	Target
	AmountPaidCents int64
	Currency        string
}

type PaymentFailed struct {
	Envelope
	Target
	FailureMessage string
}

type SubscriptionUpdated struct {
	Envelope
	Target
	ProcessorStatus string
}

type SubscriptionCancelled struct {
	Envelope
	Target
}

type EmailDelivered struct {
	Envelope
	Target
	Recipient string
}

type EmailOpened struct {
	Envelope
	Target
	Recipient string
}

type EmailBounced struct {
	Envelope
	Target
	Recipient string
	Reason    string
}

type EmailReplied struct {
	Envelope
	Target
	Recipient string
}

// Unknown is any event type the provider sends that has no mapping.
type Unknown struct {
	Envelope
}

// Invalid is a known event type whose data can never be applied. It is
// recorded as FAILED so the provider stops redelivering it.
type Invalid struct {
	Envelope
	Problem string
}

type eventData struct {
	ID             string            `json:"id"`
	Metadata       map[string]string `json:"metadata"`
	AmountPaid     int64             `json:"amount_paid"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	FailureMessage string            `json:"failure_message"`
	Recipient      string            `json:"recipient"`
	Reason         string            `json:"reason"`
}

// ParseEvent decodes body into a typed event. It fails only on malformed
// JSON or a missing id; a known type with unusable data parses as Invalid.
func ParseEvent(provider string, body []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	env.ID = strings.TrimSpace(env.ID)
	if env.ID == "" {
		return nil, fmt.Errorf("event id is required")
	}

	if !knownType(provider, env.Type) {
		return Unknown{Envelope: env}, nil
	}

	var data eventData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Invalid{Envelope: env, Problem: fmt.Sprintf("decode %s data: %v", env.Type, err)}, nil
		}
	}
	target, err := data.target()
	if err != nil {
		return Invalid{Envelope: env, Problem: err.Error()}, nil
	}

	switch env.Type {
	case TypePaymentSucceeded:
		return PaymentSucceeded{Envelope: env, Target: target, AmountPaidCents: data.AmountPaid, Currency: strings.ToUpper(data.Currency)}, nil
	case TypePaymentFailed:
		return PaymentFailed{Envelope: env, Target: target, FailureMessage: sanitize.Text(data.FailureMessage)}, nil
	case TypeSubscriptionUpdated:
		if strings.TrimSpace(data.Status) == "" {
			return Invalid{Envelope: env, Problem: env.Type + ": status is required"}, nil
		}
		return SubscriptionUpdated{Envelope: env, Target: target, ProcessorStatus: data.Status}, nil
	case TypeSubscriptionCancelled:
		return SubscriptionCancelled{Envelope: env, Target: target}, nil
	case TypeEmailDelivered:
		return EmailDelivered{Envelope: env, Target: target, Recipient: data.Recipient}, nil
	case TypeEmailOpened:
		return EmailOpened{Envelope: env, Target: target, Recipient: data.Recipient}, nil
	case TypeEmailBounced:
		return EmailBounced{Envelope: env, Target: target, Recipient: data.Recipient, Reason: sanitize.Text(data.Reason)}, nil
	case TypeEmailReplied:
		return EmailReplied{Envelope: env, Target: target, Recipient: data.Recipient}, nil
	}
	return Unknown{Envelope: env}, nil
}

func (d eventData) target() (Target, error) {
	t := Target{ExternalRef: strings.TrimSpace(d.ID)}
	raw := strings.TrimSpace(d.Metadata["entity_id"])
	if raw == "" {
		return t, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("metadata.entity_id is not a valid id")
	}
	t.EntityID = &id
	return t, nil
}

func knownType(provider, eventType string) bool {
	switch provider {
	case ProviderPayments:
		switch eventType {
		case TypePaymentSucceeded, TypePaymentFailed, TypeSubscriptionUpdated, TypeSubscriptionCancelled:
			return true
		}
	case ProviderEmail:
		switch eventType {
		case TypeEmailDelivered, TypeEmailOpened, TypeEmailBounced, TypeEmailReplied:
			return true
		}
	}
	return false
}
