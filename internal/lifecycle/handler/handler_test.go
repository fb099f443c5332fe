package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"lifecycle_backend/internal/ledger"
	"lifecycle_backend/internal/lifecycle/domain"
	"lifecycle_backend/internal/lifecycle/service"
	"lifecycle_backend/internal/lifecycle/transport"
	"lifecycle_backend/platform/events"
	"lifecycle_backend/platform/httpkit"
	"lifecycle_backend/platform/logger"
	"lifecycle_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var testUser = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.NewWithWriter("test", io.Discard)
	svc := service.New(ledger.NewMemoryStore(), domain.DefaultTable(), events.NewInMemoryBus(log), log)
	h := New(svc, validator.New())

	r := gin.New()
	entities := r.Group("/entities")
	entities.Use(func(c *gin.Context) {
		c.Set(httpkit.ContextUserIDKey, testUser)
		c.Next()
	})
	h.RegisterEntityRoutes(entities)
	h.RegisterTableRoutes(r.Group("/lifecycle"))
	return r
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEntity(t *testing.T, w *httptest.ResponseRecorder) transport.EntityResponse {
	t.Helper()
	var e transport.EntityResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode entity: %v (%s)", err, w.Body.String())
	}
	return e
}

func TestCreateAndTransition(t *testing.T) {
	r := newTestRouter()

	w := do(r, http.MethodPost, "/entities/prospect", map[string]any{"contactEmail": "jane@example.com"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeEntity(t, w)
	if created.Status != "NEW" || created.Version != 1 {
		t.Fatalf("unexpected new entity %+v", created)
	}
	base := "/entities/prospect/" + created.ID.String()

	w = do(r, http.MethodPost, base+"/transitions", map[string]any{"to": "CONTACTED", "expectedVersion": 1, "reason": " <i>first</i>   touch "})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	moved := decodeEntity(t, w)
	if moved.Status != domain.StatusContacted || moved.Version != 2 {
		t.Fatalf("unexpected entity after transition %+v", moved)
	}

	// Stale version.
	if w := do(r, http.MethodPost, base+"/transitions", map[string]any{"to": "ENGAGED", "expectedVersion": 1}); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for stale version, got %d", w.Code)
	}
	// Not in the table.
	if w := do(r, http.MethodPost, base+"/transitions", map[string]any{"to": "CONVERTED", "expectedVersion": 2}); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for illegal transition, got %d", w.Code)
	}

	w = do(r, http.MethodGet, base+"/activity", nil)
	var activity transport.ActivityListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &activity); err != nil {
		t.Fatalf("decode activity: %v", err)
	}
	if activity.Total != 2 {
		t.Fatalf("expected created and status_changed, got %d", activity.Total)
	}
	last := activity.Items[len(activity.Items)-1]
	if last.EventType != domain.EventStatusChanged || last.Metadata["reason"] != "first touch" {
		t.Fatalf("expected sanitized reason on status change, got %+v", last)
	}
	if last.Actor != "user:"+testUser.String() {
		t.Fatalf("unexpected actor %s", last.Actor)
	}
}

func TestTransitionValidation(t *testing.T) {
	r := newTestRouter()
	path := "/entities/prospect/" + uuid.NewString() + "/transitions"

	cases := map[string]any{
		"lower case status": map[string]any{"to": "contacted", "expectedVersion": 1},
		"missing version":   map[string]any{"to": "CONTACTED"},
	}
	for name, body := range cases {
		if w := do(r, http.MethodPost, path, body); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, w.Code)
		}
	}
	if w := do(r, http.MethodPost, "/entities/prospect/not-a-uuid/transitions", map[string]any{"to": "CONTACTED", "expectedVersion": 1}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, path, map[string]any{"to": "CONTACTED", "expectedVersion": 1}); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing entity, got %d", w.Code)
	}
}

func TestNextStates(t *testing.T) {
	r := newTestRouter()

	w := do(r, http.MethodGet, "/lifecycle/prospect/next", nil)
	var body transport.NextStatesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.From != "NEW" || len(body.Next) != 3 {
		t.Fatalf("expected initial status with three exits, got %+v", body)
	}

	w = do(r, http.MethodGet, "/lifecycle/prospect/next?from=ARCHIVED", nil)
	body = transport.NextStatesResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if w.Code != http.StatusOK || len(body.Next) != 0 || body.Next == nil {
		t.Fatalf("expected empty list for ARCHIVED, got %d %+v", w.Code, body)
	}
}
