package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/carenet/escrow/internal/models"
	"github.com/carenet/escrow/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubTokens struct {
	principals map[string]*models.Principal
}

func (s *stubTokens) Validate(token string) (*models.Principal, error) {
	if p, ok := s.principals[token]; ok {
		return p, nil
	}
	return nil, models.ErrUnauthorized
}

// failingStore simulates an unreachable counter backend.
type failingStore struct{}

func (failingStore) Allow(context.Context, string, ratelimit.Rule, time.Time) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis: connection refused")
}

// okHandler writes 200 and the principal id (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if p := PrincipalFromCtx(r.Context()); p != nil {
		w.Write([]byte(p.ID))
	}
})

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

var tokens = &stubTokens{principals: map[string]*models.Principal{
	"ops-token":   {ID: "ops", Permissions: []string{models.PermManagePayments}},
	"buyer-token": {ID: "buyer", Permissions: []string{models.PermInitiatePayments}},
}}

// ---------------------------------------------------------------------------
// Authenticate / RequirePermission
// ---------------------------------------------------------------------------

func TestAuthenticate(t *testing.T) {
	h := Authenticate(tokens)(okHandler)
	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"valid", "Bearer ops-token", http.StatusOK, "ops"},
		{"lowercase scheme", "bearer ops-token", http.StatusOK, "ops"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"basic auth", "Basic b3BzOnB3", http.StatusUnauthorized, ""},
		{"unknown token", "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestRequirePermission(t *testing.T) {
	h := Authenticate(tokens)(RequirePermission(models.PermManagePayments)(okHandler))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer buyer-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "FORBIDDEN" {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	req.Header.Set("Authorization", "Bearer ops-token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequirePermission_NoPrincipal(t *testing.T) {
	rec := httptest.NewRecorder()
	RequirePermission(models.PermAdmin)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// RateLimit
// ---------------------------------------------------------------------------

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	l := ratelimit.New(ratelimit.NewMemoryStore(), nil)
	h := RateLimit(l, RateLimitOptions{Operation: "webhook", Rule: ratelimit.Rule{Limit: 2, Window: time.Minute}}, nil)(okHandler)

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := range 2 {
		rec := do("10.0.0.1")
		if rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(1-i) {
			t.Errorf("call %d remaining = %q", i, got)
		}
	}
	rec := do("10.0.0.1")
	if rec.Code != http.StatusTooManyRequests || errorCode(t, rec) != "RATE_LIMITED" {
		t.Fatalf("third call status = %d", rec.Code)
	}
	ra, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || ra < 1 || ra > 61 {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" || rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Errorf("headers = %v", rec.Header())
	}

	if rec := do("10.0.0.2"); rec.Code != http.StatusOK {
		t.Errorf("other client status = %d", rec.Code)
	}
}

func TestRateLimit_KeysByPrincipal(t *testing.T) {
	l := ratelimit.New(ratelimit.NewMemoryStore(), nil)
	limited := RateLimit(l, RateLimitOptions{Operation: "refund", Rule: ratelimit.Rule{Limit: 1, Window: time.Minute}}, nil)(okHandler)
	h := Authenticate(tokens)(limited)

	call := func(token, ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.RemoteAddr = ip + ":1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if call("ops-token", "10.0.0.1") != http.StatusOK {
		t.Fatal("first call rejected")
	}
	// Same principal from another address shares the bucket.
	if code := call("ops-token", "10.0.0.9"); code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", code)
	}
	if call("buyer-token", "10.0.0.1") != http.StatusOK {
		t.Error("different principal rejected")
	}
}

func TestRateLimit_StoreFailure(t *testing.T) {
	l := ratelimit.New(failingStore{}, nil)
	rule := ratelimit.Rule{Limit: 1, Window: time.Minute}
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	open := RateLimit(l, RateLimitOptions{Operation: "webhook", Rule: rule}, logger)(okHandler)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("fail-open status = %d", rec.Code)
	}
	if !strings.Contains(logs.String(), "rate limiter unavailable") {
		t.Errorf("store failure not logged: %s", logs.String())
	}

	closed := RateLimit(l, RateLimitOptions{Operation: "admin", Rule: rule, FailClosed: true}, logger)(okHandler)
	rec = httptest.NewRecorder()
	closed.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("fail-closed status = %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// RequestID / Recover / Logging
// ---------------------------------------------------------------------------

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromCtx(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get("X-Request-Id") != "abc-123" {
		t.Errorf("propagated id = %q", seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "abc-123" {
		t.Errorf("generated id = %q", seen)
	}
}

func TestRecoverAndLogging(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	boom := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	h := RequestID(Logging(logger)(Recover(logger)(boom)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusInternalServerError || errorCode(t, rec) != "INTERNAL_ERROR" {
		t.Fatalf("status = %d", rec.Code)
	}
	out := logs.String()
	if !strings.Contains(out, "panic recovered") || !strings.Contains(out, `"level":"ERROR","msg":"http request"`) {
		t.Errorf("logs = %s", out)
	}
}
