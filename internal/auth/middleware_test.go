package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeVerifier struct {
	claims map[string]*Claims
}

func (f *fakeVerifier) Authenticate(ctx context.Context, token string) (*Claims, error) {
	if c, ok := f.claims[token]; ok {
		return c, nil
	}
	return nil, errors.New("unknown token")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoSubject() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := GetClaims(r.Context()); c != nil {
			w.Write([]byte(c.Subject))
		}
	})
}

func TestMiddleware(t *testing.T) {
	verifier := &fakeVerifier{claims: map[string]*Claims{
		"good":    {Subject: "alice", Roles: []string{"operator"}},
		"expired": {Subject: "bob", Expiry: time.Now().Add(-time.Minute)},
		"viewer":  {Subject: "carol", Roles: []string{"viewer"}},
	}}
	mw := NewMiddleware(verifier, &MiddlewareConfig{Enabled: true, RequiredRoles: []string{"operator", "admin"}}, quietLogger())
	handler := mw.Handler(echoSubject())

	tests := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"public path", "/health", "", http.StatusOK, ""},
		{"metrics public", "/metrics", "", http.StatusOK, ""},
		{"missing header", "/api/v1/runs", "", http.StatusUnauthorized, ""},
		{"bad format", "/api/v1/runs", "Basic abc", http.StatusUnauthorized, ""},
		{"unknown token", "/api/v1/runs", "Bearer nope", http.StatusUnauthorized, ""},
		{"expired", "/api/v1/runs", "Bearer expired", http.StatusUnauthorized, ""},
		{"missing role", "/api/v1/runs", "Bearer viewer", http.StatusForbidden, ""},
		{"valid", "/api/v1/runs", "Bearer good", http.StatusOK, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	mw := NewMiddleware(nil, &MiddlewareConfig{Enabled: false}, quietLogger())
	rec := httptest.NewRecorder()
	mw.Handler(echoSubject()).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/runs", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	handler := rl.Handler(echoSubject())

	codes := make([]int, 3)
	for i := range codes {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		codes[i] = rec.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}

func TestPerIPRateLimiter(t *testing.T) {
	rl := NewPerIPRateLimiter(0.001, 1, quietLogger())
	handler := rl.Handler(echoSubject())

	send := func(remote, xff string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = remote
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := send("10.0.0.1:1234", ""); got != http.StatusOK {
		t.Errorf("first = %d", got)
	}
	if got := send("10.0.0.1:5678", ""); got != http.StatusTooManyRequests {
		t.Errorf("same ip = %d", got)
	}
	if got := send("10.0.0.2:1234", ""); got != http.StatusOK {
		t.Errorf("other ip = %d", got)
	}
	if got := send("10.0.0.1:1234", "192.168.1.9, 10.0.0.1"); got != http.StatusOK {
		t.Errorf("forwarded client = %d", got)
	}

	rl.evict(time.Now().Add(2 * time.Hour))
	if got := send("10.0.0.1:1234", ""); got != http.StatusOK {
		t.Errorf("after eviction = %d", got)
	}
}

func TestClaims(t *testing.T) {
	c := &Claims{Roles: []string{"admin"}}
	if !c.HasRole("admin") || c.HasRole("viewer") {
		t.Error("HasRole")
	}
	if c.IsExpired() {
		t.Error("zero expiry should not be expired")
	}
	if got := trimBearer("Bearer abc"); got != "abc" {
		t.Errorf("trimBearer = %q", got)
	}
}
