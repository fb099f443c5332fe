package email

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type emailConfig struct {
	enabled  bool
	apiKey   string
	smtpHost string
}

func (c emailConfig) GetEmailEnabled() bool       { return c.enabled }
func (c emailConfig) GetBrevoAPIKey() string      { return c.apiKey }
func (c emailConfig) GetEmailFromName() string    { return "Ops" }
func (c emailConfig) GetEmailFromAddress() string { return "ops@example.com" }
func (c emailConfig) GetSMTPHost() string         { return c.smtpHost }
func (c emailConfig) GetSMTPPort() int            { return 587 }
func (c emailConfig) GetSMTPUsername() string     { return "" }
func (c emailConfig) GetSMTPPassword() string     { return "" }

func newTestBrevo(t *testing.T, handler http.HandlerFunc) *BrevoSender {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := NewBrevoSender("key-123", "ops@example.com", "Ops")
	b.baseURL = srv.URL
	return b
}

func TestBrevoSendEmail(t *testing.T) {
	var got brevoEmailRequest
	var path, apiKey string
	b := newTestBrevo(t, func(w http.ResponseWriter, r *http.Request) {
		path, apiKey = r.URL.Path, r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	})

	err := b.SendEmail(context.Background(), "client@example.com", Content{Subject: "Hi", HTML: "<p>x</p>", Text: "x"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if path != "/smtp/email" || apiKey != "key-123" {
		t.Fatalf("unexpected request %s with key %q", path, apiKey)
	}
	if len(got.To) != 1 || got.To[0].Email != "client@example.com" || got.Sender.Email != "ops@example.com" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.Subject != "Hi" || got.TextContent != "x" {
		t.Fatalf("unexpected content %+v", got)
	}
}

func TestBrevoSendSMSStripsPlus(t *testing.T) {
	var got brevoSMSRequest
	b := newTestBrevo(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactionalSMS/sms" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	})

	if err := b.SendSMS(context.Background(), "+31612345678", "hello"); err != nil {
		t.Fatalf("send sms: %v", err)
	}
	if got.Recipient != "31612345678" || got.Type != "transactional" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestBrevoErrorStatus(t *testing.T) {
	b := newTestBrevo(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"unauthorized"}`, http.StatusUnauthorized)
	})
	if err := b.SendEmail(context.Background(), "client@example.com", Content{Subject: "Hi"}); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}

func TestNewSenderSelectsBackend(t *testing.T) {
	s, err := NewSender(emailConfig{})
	if err != nil {
		t.Fatalf("disabled: %v", err)
	}
	if _, ok := s.(NoopSender); !ok {
		t.Fatalf("expected NoopSender when disabled, got %T", s)
	}

	s, err = NewSender(emailConfig{enabled: true, smtpHost: "smtp.example.com"})
	if err != nil {
		t.Fatalf("smtp: %v", err)
	}
	if _, ok := s.(*SMTPSender); !ok {
		t.Fatalf("expected SMTPSender, got %T", s)
	}

	s, err = NewSender(emailConfig{enabled: true, apiKey: "k"})
	if err != nil {
		t.Fatalf("brevo: %v", err)
	}
	if _, ok := s.(*BrevoSender); !ok {
		t.Fatalf("expected BrevoSender, got %T", s)
	}

	if _, err := NewSender(emailConfig{enabled: true}); err == nil {
		t.Fatalf("expected error without any backend")
	}
}

func TestSMTPBuildMessage(t *testing.T) {
	s := NewSMTPSender("smtp.example.com", 587, "", "", "ops@example.com", "Ops")

	msg, err := s.buildMessage("client@example.com", Content{Subject: "Hi", HTML: "<p>x</p>", Text: "x"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	to := msg.GetToString()
	if err != nil || len(to) != 1 || to[0] != "<client@example.com>" && to[0] != "client@example.com" {
		t.Fatalf("unexpected recipients %v %v", to, err)
	}

	if _, err := s.buildMessage("not an address", Content{Subject: "Hi"}); err == nil {
		t.Fatalf("expected invalid recipient error")
	}
}
