// Package notification turns lifecycle and reconciliation events into
// best-effort email and SMS notifications. Requests are written to the
// outbox and delivered later by the scheduler, so a slow or failing provider
// never affects the operation that triggered the notification.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lifecycle_backend/internal/email"
	"lifecycle_backend/internal/events"
	apphttp "lifecycle_backend/internal/http"
	"lifecycle_backend/internal/notification/outbox"
	"lifecycle_backend/internal/notification/sse"
	"lifecycle_backend/platform/config"
	"lifecycle_backend/platform/logger"
	"lifecycle_backend/platform/metrics"
	"lifecycle_backend/platform/phone"

	"github.com/google/uuid"
)

// Outbox is the persistence the module queues requests in and tracks
// delivery attempts with.
type Outbox interface {
	Insert(ctx context.Context, p outbox.InsertParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (outbox.Record, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

// Request is an abstract notification: who gets which template with what data.
type Request struct {
	Channel     string
	Recipient   string
	TemplateKey string
	Data        map[string]any
}

// Module handles all notification-related event subscriptions.
type Module struct {
	outbox Outbox
	sender email.Sender
	cfg    config.NotificationConfig
	log    *logger.Logger
	sse    *sse.Service
	now    func() time.Time
}

// New creates a new notification module.
func New(ob Outbox, sender email.Sender, cfg config.NotificationConfig, log *logger.Logger) *Module {
	if sender == nil {
		sender = email.NoopSender{}
	}
	return &Module{
		outbox: ob,
		sender: sender,
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Module) Name() string { return "notification" }

// RegisterRoutes mounts the operator event stream.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	if m.sse == nil {
		return
	}
	ctx.Admin.GET("/stream", m.sse.Handler())
}

// SetSSE enables pushing lifecycle activity to connected operators.
func (m *Module) SetSSE(s *sse.Service) {
	m.sse = s
}

// SetClock overrides the clock used to schedule retries.
func (m *Module) SetClock(now func() time.Time) {
	m.now = now
}

// RegisterHandlers subscribes the module to the events it reacts to.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.StatusChanged{}.EventName(), m)
	bus.Subscribe(events.ExternalEventApplied{}.EventName(), m)
	bus.Subscribe(events.ExternalEventFailed{}.EventName(), m)
	bus.Subscribe(events.NotificationOutboxDue{}.EventName(), m)

	m.log.Info("notification module registered event handlers")
}

// Handle routes events to the appropriate handler method.
func (m *Module) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.StatusChanged:
		return m.handleStatusChanged(ctx, e)
	case events.ExternalEventApplied:
		return m.handleExternalEventApplied(ctx, e)
	case events.ExternalEventFailed:
		return m.handleExternalEventFailed(ctx, e)
	case events.NotificationOutboxDue:
		return m.Deliver(ctx, e.OutboxID)
	default:
		m.log.Warn("unhandled event type", "event", event.EventName())
		return nil
	}
}

func (m *Module) handleStatusChanged(ctx context.Context, e events.StatusChanged) error {
	data := map[string]any{
		"kind":       e.EntityKind,
		"entityId":   e.EntityID.String(),
		"fromStatus": e.FromStatus,
		"toStatus":   e.ToStatus,
		"version":    e.Version,
		"actor":      e.Actor,
		"url":        m.entityURL(e.EntityKind, e.EntityID),
	}

	reqs := m.opsEmail(email.TemplateStatusChanged, data)
	if e.ContactEmail != "" {
		reqs = append(reqs, Request{Channel: outbox.ChannelEmail, Recipient: e.ContactEmail, TemplateKey: email.TemplateStatusChanged, Data: data})
	}
	m.Notify(ctx, reqs...)

	id := e.EntityID
	m.broadcast(sse.Event{Type: sse.EventStatusChanged, EntityKind: e.EntityKind, EntityID: &id, Data: data})
	return nil
}

func (m *Module) handleExternalEventApplied(ctx context.Context, e events.ExternalEventApplied) error {
	data := map[string]any{
		"provider":   e.Provider,
		"externalId": e.ExternalID,
		"eventType":  e.EventType,
		"entityKind": e.EntityKind,
	}
	if e.EntityID != nil {
		data["entityId"] = e.EntityID.String()
	}
	m.Notify(ctx, m.opsEmail(email.TemplateExternalEventApplied, data)...)
	m.broadcast(sse.Event{Type: sse.EventExternalEventApplied, EntityKind: e.EntityKind, EntityID: e.EntityID, Data: data})
	return nil
}

// handleExternalEventFailed alerts operators: the provider will not
// redeliver, so a rejected event needs a human.
func (m *Module) handleExternalEventFailed(ctx context.Context, e events.ExternalEventFailed) error {
	data := map[string]any{
		"provider":   e.Provider,
		"externalId": e.ExternalID,
		"eventType":  e.EventType,
		"reason":     e.Reason,
	}
	reqs := m.opsEmail(email.TemplateExternalEventFailed, data)
	if p := strings.TrimSpace(m.cfg.GetOpsNotificationPhone()); p != "" {
		reqs = append(reqs, Request{Channel: outbox.ChannelSMS, Recipient: p, TemplateKey: email.TemplateExternalEventFailed, Data: data})
	}
	m.Notify(ctx, reqs...)
	m.broadcast(sse.Event{Type: sse.EventExternalEventFailed, Message: e.Reason, Data: data})
	return nil
}

func (m *Module) opsEmail(templateKey string, data map[string]any) []Request {
	ops := strings.TrimSpace(m.cfg.GetOpsNotificationEmail())
	if ops == "" {
		return nil
	}
	return []Request{{Channel: outbox.ChannelEmail, Recipient: ops, TemplateKey: templateKey, Data: data}}
}

func (m *Module) entityURL(kind string, id uuid.UUID) string {
	base := strings.TrimRight(m.cfg.GetAppBaseURL(), "/")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/entities/%s/%s", base, kind, id)
}

func (m *Module) broadcast(e sse.Event) {
	if m.sse != nil {
		m.sse.Broadcast(e)
	}
}

// Notify queues requests for delivery. Failures are logged and counted and
// never returned: notifications are best effort.
func (m *Module) Notify(ctx context.Context, reqs ...Request) {
	for _, req := range reqs {
		recipient, ok := normalizeRecipient(req.Channel, req.Recipient)
		if !ok {
			metrics.RecordNotification(metrics.NotificationQueueFailed)
			m.log.Warn("notification recipient rejected",
				slog.String("channel", req.Channel),
				slog.String("template", req.TemplateKey),
			)
			continue
		}
		if m.outbox == nil {
			metrics.RecordNotification(metrics.NotificationQueueFailed)
			m.log.Debug("notification outbox not configured; dropping request", "template", req.TemplateKey)
			continue
		}

		id, err := m.outbox.Insert(ctx, outbox.InsertParams{
			Channel:     req.Channel,
			Recipient:   recipient,
			TemplateKey: req.TemplateKey,
			Payload:     req.Data,
			RunAt:       m.now(),
		})
		if err != nil {
			metrics.RecordNotification(metrics.NotificationQueueFailed)
			m.log.Error("failed to queue notification",
				slog.String("channel", req.Channel),
				slog.String("template", req.TemplateKey),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.RecordNotification(metrics.NotificationQueued)
		m.log.Debug("notification queued", "outboxId", id.String(), "channel", req.Channel, "template", req.TemplateKey)
	}
}

func normalizeRecipient(channel, recipient string) (string, bool) {
	recipient = strings.TrimSpace(recipient)
	switch channel {
	case outbox.ChannelEmail:
		return recipient, strings.Contains(recipient, "@")
	case outbox.ChannelSMS:
		return phone.ParseE164(recipient)
	}
	return "", false
}

// Compile-time check that Module implements http.Module
var _ apphttp.Module = (*Module)(nil)
