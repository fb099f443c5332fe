package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lifecycle_backend/internal/email"
	"lifecycle_backend/internal/notification/outbox"
	"lifecycle_backend/platform/metrics"

	"github.com/google/uuid"
)

const (
	maxDeliveryAttempts = 5
	retryBaseDelay      = time.Minute
	retryMaxDelay       = 60 * time.Minute
)

// errPermanent marks delivery failures that retrying cannot fix.
var errPermanent = errors.New("permanent delivery failure")

// RetryDelay returns the backoff before the next attempt after the given
// number of failed attempts: 1m, 2m, 4m... capped at one hour.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		return retryMaxDelay
	}
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}

// Deliver sends one queued notification. Delivery failures are recorded on
// the outbox row and not returned; only outbox access errors are.
func (m *Module) Deliver(ctx context.Context, outboxID uuid.UUID) error {
	if m.outbox == nil {
		m.log.Debug("notification outbox not configured; skipping outbox due event", "outboxId", outboxID)
		return nil
	}

	rec, err := m.outbox.GetByID(ctx, outboxID)
	if errors.Is(err, outbox.ErrNotFound) {
		m.log.Warn("outbox record vanished before delivery", "outboxId", outboxID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load outbox record: %w", err)
	}
	if rec.Status == outbox.StatusSucceeded || rec.Status == outbox.StatusFailed {
		m.log.Debug("outbox record already finished; skipping", "outboxId", rec.ID.String(), "status", rec.Status)
		return nil
	}
	if err := m.outbox.MarkProcessing(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark outbox processing: %w", err)
	}

	if err := m.send(ctx, rec); err != nil {
		m.handleDeliveryError(ctx, rec, err)
		return nil
	}

	if err := m.outbox.MarkSucceeded(ctx, rec.ID); err != nil {
		m.log.Error("delivered notification could not be marked succeeded", "outboxId", rec.ID.String(), "error", err)
	}
	metrics.RecordNotification(metrics.NotificationDelivered)
	m.log.Info("notification delivered", "outboxId", rec.ID.String(), "channel", rec.Channel, "template", rec.TemplateKey)
	return nil
}

func (m *Module) send(ctx context.Context, rec outbox.Record) error {
	var data map[string]any
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &data); err != nil {
			return fmt.Errorf("%w: invalid payload: %v", errPermanent, err)
		}
	}
	content, err := email.Render(rec.TemplateKey, data)
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}

	switch rec.Channel {
	case outbox.ChannelEmail:
		return m.sender.SendEmail(ctx, rec.Recipient, content)
	case outbox.ChannelSMS:
		sms, ok := m.sender.(email.SMSSender)
		if !ok {
			return fmt.Errorf("%w: %v", errPermanent, email.ErrSMSUnsupported)
		}
		return sms.SendSMS(ctx, rec.Recipient, content.Text)
	}
	return fmt.Errorf("%w: unsupported channel %q", errPermanent, rec.Channel)
}

// handleDeliveryError schedules the next attempt with exponential backoff or
// drops the notification once attempts are exhausted.
func (m *Module) handleDeliveryError(ctx context.Context, rec outbox.Record, deliveryErr error) {
	attempt := rec.Attempts + 1
	if errors.Is(deliveryErr, errPermanent) || attempt >= maxDeliveryAttempts {
		m.drop(ctx, rec, attempt, deliveryErr)
		return
	}

	retryAt := m.now().Add(RetryDelay(attempt))
	if err := m.outbox.ScheduleRetry(ctx, rec.ID, retryAt, deliveryErr.Error()); err != nil {
		m.log.Error("notification retry scheduling failed; dropping",
			slog.String("outbox_id", rec.ID.String()),
			slog.String("error", err.Error()),
		)
		m.drop(ctx, rec, attempt, deliveryErr)
		return
	}

	metrics.RecordNotification(metrics.NotificationRetried)
	m.log.Warn("notification delivery failed; retry scheduled",
		slog.String("outbox_id", rec.ID.String()),
		slog.String("channel", rec.Channel),
		slog.Int("attempt", attempt),
		slog.Time("retry_at", retryAt),
		slog.String("error", deliveryErr.Error()),
	)
}

func (m *Module) drop(ctx context.Context, rec outbox.Record, attempt int, deliveryErr error) {
	if err := m.outbox.MarkFailed(ctx, rec.ID, deliveryErr.Error()); err != nil {
		m.log.Error("failed to mark notification failed", "outboxId", rec.ID.String(), "error", err)
	}
	metrics.RecordNotification(metrics.NotificationDropped)
	m.log.Warn("notification dropped",
		slog.String("outbox_id", rec.ID.String()),
		slog.String("channel", rec.Channel),
		slog.String("template", rec.TemplateKey),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", maxDeliveryAttempts),
		slog.String("error", deliveryErr.Error()),
	)
}
