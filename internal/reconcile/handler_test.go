package reconcile

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lifecycle_backend/internal/lifecycle/domain"
	"lifecycle_backend/internal/lifecycle/service"
	"lifecycle_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

func newTestRouter(r *Reconciler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(r)
	engine := gin.New()
	engine.POST("/webhooks/payments", h.HandlePayments)
	engine.POST("/webhooks/email", h.HandleEmail)
	engine.GET("/admin/webhooks/events/:provider/:externalId", h.GetExternalEvent)
	return engine
}

func post(engine *gin.Engine, path string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestWebhookEndpointAcknowledgesDelivery(t *testing.T) {
	f := newFixture(t)
	f.create(t, domain.KindInvoice, "in_h1", "SENT")
	engine := newTestRouter(f.reconciler)

	body, _ := json.Marshal(payload("evt_h1", TypePaymentSucceeded, map[string]any{"id": "in_h1"}))
	rec := post(engine, "/webhooks/payments", body, SignPayload(paymentsSecret, testNow, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var res Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.Status != "APPLIED" || res.ExternalID != "evt_h1" || res.Duplicate {
		t.Fatalf("unexpected result %+v", res)
	}
	f.reconciler.Wait()
}

func TestWebhookEndpointRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	engine := newTestRouter(f.reconciler)
	valid, _ := json.Marshal(payload("evt_h2", TypeEmailOpened, map[string]any{"id": "p_x"}))
	malformed := []byte(`{"id":`)
	unusable := []byte(`{"id":"evt_h3","type":"invoice.payment_failed","data":{"metadata":{"entity_id":"x"}}}`)

	cases := []struct {
		name      string
		path      string
		body      []byte
		signature string
		want      int
	}{
		{"missing signature", "/webhooks/email", valid, "", http.StatusUnauthorized},
		{"signed for other provider", "/webhooks/email", valid, SignPayload(paymentsSecret, testNow, valid), http.StatusUnauthorized},
		{"malformed body", "/webhooks/payments", malformed, SignPayload(paymentsSecret, testNow, malformed), http.StatusBadRequest},
		{"unusable data is acknowledged", "/webhooks/payments", unusable, SignPayload(paymentsSecret, testNow, unusable), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(engine, tc.path, tc.body, tc.signature)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
	f.reconciler.Wait()
}

func TestWebhookEndpointRejectsOversizedBody(t *testing.T) {
	f := newFixture(t)
	engine := newTestRouter(f.reconciler)

	body := bytes.Repeat([]byte("a"), maxWebhookBodyBytes+1)
	rec := post(engine, "/webhooks/payments", body, SignPayload(paymentsSecret, testNow, body))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestWebhookEndpointReportsStoreFailureAsServerError(t *testing.T) {
	log := logger.NewWithWriter("test", io.Discard)
	svc := service.New(failingStore{}, domain.DefaultTable(), nil, log)
	r := New(failingStore{}, svc, webhookConfig{}, nil, log)
	r.SetClock(func() time.Time { return testNow })
	engine := newTestRouter(r)

	body, _ := json.Marshal(payload("evt_h3", TypePaymentSucceeded, map[string]any{"id": "in_1"}))
	rec := post(engine, "/webhooks/payments", body, SignPayload(paymentsSecret, testNow, body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the provider retries, got %d", rec.Code)
	}
}

func TestGetExternalEventEndpoint(t *testing.T) {
	f := newFixture(t)
	engine := newTestRouter(f.reconciler)

	body, _ := json.Marshal(payload("evt_h4", "customer.created", map[string]any{"id": "cus_1"}))
	if rec := post(engine, "/webhooks/payments", body, SignPayload(paymentsSecret, testNow, body)); rec.Code != http.StatusOK {
		t.Fatalf("deliver: %d %s", rec.Code, rec.Body.String())
	}
	f.reconciler.Wait()

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/webhooks/events/payments/evt_h4", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got ExternalEventResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "IGNORED" || got.Type != "customer.created" || len(got.RawPayload) == 0 {
		t.Fatalf("unexpected stored event %+v", got)
	}

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/webhooks/events/payments/evt_missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
