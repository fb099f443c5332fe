// Package email delivers rendered notifications through Brevo's HTTP API or
// a plain SMTP relay.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lifecycle_backend/platform/config"
)

const (
	brevoBaseURL     = "https://api.brevo.com/v3"
	brevoSMSSenderID = "Lifecycle"
)

// ErrSMSUnsupported is returned by senders without an SMS channel.
var ErrSMSUnsupported = errors.New("sms delivery not supported by this sender")

// Sender delivers transactional email.
type Sender interface {
	SendEmail(ctx context.Context, toEmail string, content Content) error
}

// SMSSender delivers transactional SMS. Only some senders implement it.
type SMSSender interface {
	SendSMS(ctx context.Context, toE164, text string) error
}

// NoopSender drops every message. Used when email is disabled.
type NoopSender struct{}

func (NoopSender) SendEmail(context.Context, string, Content) error { return nil }

func (NoopSender) SendSMS(context.Context, string, string) error { return nil }

type BrevoSender struct {
	apiKey    string
	fromName  string
	fromEmail string
	baseURL   string
	client    *http.Client
}

type brevoContact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type brevoEmailRequest struct {
	Sender      brevoContact   `json:"sender"`
	To          []brevoContact `json:"to"`
	Subject     string         `json:"subject"`
	HTMLContent string         `json:"htmlContent"`
	TextContent string         `json:"textContent,omitempty"`
}

type brevoSMSRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Type      string `json:"type"`
}

// NewSender picks the delivery backend from configuration: SMTP when a host
// is set, Brevo otherwise, and a no-op sender when email is disabled.
func NewSender(cfg config.EmailConfig) (Sender, error) {
	if !cfg.GetEmailEnabled() {
		return NoopSender{}, nil
	}
	if cfg.GetSMTPHost() != "" {
		return NewSMTPSender(cfg.GetSMTPHost(), cfg.GetSMTPPort(), cfg.GetSMTPUsername(), cfg.GetSMTPPassword(), cfg.GetEmailFromAddress(), cfg.GetEmailFromName()), nil
	}
	if cfg.GetBrevoAPIKey() == "" {
		return nil, fmt.Errorf("email enabled without BREVO_API_KEY or SMTP_HOST")
	}
	return NewBrevoSender(cfg.GetBrevoAPIKey(), cfg.GetEmailFromAddress(), cfg.GetEmailFromName()), nil
}

// NewBrevoSender creates a sender for Brevo's transactional API.
func NewBrevoSender(apiKey, fromEmail, fromName string) *BrevoSender {
	return &BrevoSender{
		apiKey:    apiKey,
		fromName:  fromName,
		fromEmail: fromEmail,
		baseURL:   brevoBaseURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *BrevoSender) SendEmail(ctx context.Context, toEmail string, content Content) error {
	return b.post(ctx, "/smtp/email", brevoEmailRequest{
		Sender:      brevoContact{Name: b.fromName, Email: b.fromEmail},
		To:          []brevoContact{{Email: toEmail}},
		Subject:     content.Subject,
		HTMLContent: content.HTML,
		TextContent: content.Text,
	})
}

// SendSMS sends a transactional SMS. Brevo expects the number without the
// leading plus sign.
func (b *BrevoSender) SendSMS(ctx context.Context, toE164, text string) error {
	return b.post(ctx, "/transactionalSMS/sms", brevoSMSRequest{
		Sender:    brevoSMSSenderID,
		Recipient: strings.TrimPrefix(toE164, "+"),
		Content:   text,
		Type:      "transactional",
	})
}

func (b *BrevoSender) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("api-key", b.apiKey)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("brevo send failed: status %d: %s", resp.StatusCode, string(data))
	}

	return nil
}
