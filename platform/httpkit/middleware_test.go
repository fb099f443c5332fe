package httpkit

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lifecycle_backend/platform/apperr"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testSecret = "test-secret"

type jwtConfig struct{}

func (jwtConfig) GetJWTAccessSecret() string { return testSecret }

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", AuthRequired(jwtConfig{}), func(c *gin.Context) {
		c.String(http.StatusOK, GetIdentity(c).Actor())
	})
	r.GET("/admin", AuthRequired(jwtConfig{}), RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestAuthRequired(t *testing.T) {
	userID := uuid.New()
	exp := time.Now().Add(time.Hour).Unix()
	valid := signToken(t, testSecret, jwt.MapClaims{"sub": userID.String(), "type": "access", "exp": exp})

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "other", jwt.MapClaims{"sub": userID.String(), "type": "access", "exp": exp}), http.StatusUnauthorized},
		{"refresh token", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": userID.String(), "type": "refresh", "exp": exp}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": userID.String(), "type": "access", "exp": time.Now().Add(-time.Minute).Unix()}), http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
	}
	r := newAuthRouter()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
			if tc.status == http.StatusOK && w.Body.String() != "user:"+userID.String() {
				t.Fatalf("unexpected actor %q", w.Body.String())
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	r := newAuthRouter()
	exp := time.Now().Add(time.Hour).Unix()

	for roles, want := range map[string]int{
		"admin": http.StatusNoContent,
		"user":  http.StatusForbidden,
	} {
		token := signToken(t, testSecret, jwt.MapClaims{"sub": uuid.NewString(), "type": "access", "exp": exp, "roles": []string{roles}})
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != want {
			t.Fatalf("role %s: expected %d, got %d", roles, want, w.Code)
		}
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(HeaderRequestID); got != "req-123" {
		t.Fatalf("expected propagated id, got %q", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(w.Header().Get(HeaderRequestID)); err != nil {
		t.Fatalf("expected generated uuid, got %q", w.Header().Get(HeaderRequestID))
	}
}

func TestHandleErrorMapsKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.NotFound("missing"), http.StatusNotFound, "NOT_FOUND"},
		{apperr.VersionConflict("stale"), http.StatusConflict, "VERSION_CONFLICT"},
		{apperr.IllegalTransition("no"), http.StatusUnprocessableEntity, "ILLEGAL_TRANSITION"},
		{apperr.InvalidSignature("bad sig"), http.StatusUnauthorized, "INVALID_SIGNATURE"},
		{errors.New("db exploded"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		if !HandleError(c, tc.err) {
			t.Fatalf("expected %v to be handled", tc.err)
		}
		var body ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if w.Code != tc.status || body.Code != tc.code {
			t.Fatalf("%v: expected %d %s, got %d %s", tc.err, tc.status, tc.code, w.Code, body.Code)
		}
		if tc.code == "INTERNAL" && body.Error != "internal server error" {
			t.Fatalf("internal errors must not leak details, got %q", body.Error)
		}
	}

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	if HandleError(c, nil) {
		t.Fatalf("nil error must not be handled")
	}
}
