package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authedHandler(t *testing.T) (http.Handler, *Identity) {
	t.Helper()
	var seen Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := FromContext(r.Context()); ok {
			seen = *id
		}
		w.WriteHeader(http.StatusOK)
	})
	m := New(Config{
		APIKey:    "secret-key",
		JWTSecret: "jwt-secret",
		SkipPaths: []string{"/healthz"},
	})
	return m.Handler(next), &seen
}

func TestMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		decorate   func(r *http.Request)
		wantStatus int
		wantMethod string
	}{
		{
			name:       "valid api key",
			path:       "/documents",
			decorate:   func(r *http.Request) { r.Header.Set(APIKeyHeader, "secret-key") },
			wantStatus: http.StatusOK,
			wantMethod: MethodAPIKey,
		},
		{
			name:       "wrong api key",
			path:       "/documents",
			decorate:   func(r *http.Request) { r.Header.Set(APIKeyHeader, "nope") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing credentials",
			path:       "/documents",
			decorate:   func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "skip path needs nothing",
			path:       "/healthz",
			decorate:   func(r *http.Request) {},
			wantStatus: http.StatusOK,
		},
		{
			name: "malformed bearer",
			path: "/documents",
			decorate: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "garbage token",
			path: "/documents",
			decorate: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer not.a.token")
			},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, seen := authedHandler(t)
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			tt.decorate(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantMethod != "" && seen.Method != tt.wantMethod {
				t.Errorf("method = %q, want %q", seen.Method, tt.wantMethod)
			}
		})
	}
}

func TestMiddlewareJWT(t *testing.T) {
	handler, seen := authedHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "jwt-secret", "user-42"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen.Method != MethodJWT || seen.Subject != "user-42" {
		t.Errorf("identity = %+v", seen)
	}

	// Token signed with the wrong secret is rejected.
	req = httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", "user-42"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	m := New(Config{})
	if m.Enabled() {
		t.Fatal("empty config reported enabled")
	}

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", rec.Code)
	}
}
