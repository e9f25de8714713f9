// Package auth provides HTTP middleware for API-key and JWT bearer
// authentication.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey avoids collisions with other packages' context values.
type contextKey string

const identityContextKey contextKey = "identity"

// APIKeyHeader carries the static API key.
const APIKeyHeader = "X-API-Key"

// Auth methods recorded on the identity.
const (
	MethodAPIKey    = "api_key"
	MethodJWT       = "jwt"
	MethodAnonymous = "anonymous"
)

// Identity describes the authenticated caller.
type Identity struct {
	Subject string
	Method  string
}

// Config holds the accepted credentials. Leaving both empty disables
// authentication entirely.
type Config struct {
	APIKey    string
	JWTSecret string
	SkipPaths []string
}

// Middleware validates requests before they reach the API handlers.
type Middleware struct {
	config Config
}

// New creates an auth middleware.
func New(config Config) *Middleware {
	return &Middleware{config: config}
}

// Enabled reports whether any credential is configured.
func (m *Middleware) Enabled() bool {
	return m.config.APIKey != "" || m.config.JWTSecret != ""
}

// Handler wraps next with authentication. Skip paths (health probes,
// served media) pass through untouched.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() || m.skip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (m *Middleware) skip(path string) bool {
	for _, prefix := range m.config.SkipPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (m *Middleware) authenticate(r *http.Request) (*Identity, error) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		if m.config.APIKey == "" || key != m.config.APIKey {
			return nil, fmt.Errorf("invalid API key")
		}
		return &Identity{Subject: "api-key", Method: MethodAPIKey}, nil
	}

	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return nil, fmt.Errorf("malformed authorization header")
		}
		return m.validateJWT(token)
	}

	return nil, fmt.Errorf("missing credentials")
}

func (m *Middleware) validateJWT(tokenString string) (*Identity, error) {
	if m.config.JWTSecret == "" {
		return nil, fmt.Errorf("bearer authentication not configured")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(m.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	subject := ""
	if claims, ok := token.Claims.(jwt.MapClaims); ok {
		if sub, err := claims.GetSubject(); err == nil {
			subject = sub
		}
	}
	return &Identity{Subject: subject, Method: MethodJWT}, nil
}

// WithIdentity stores the caller identity on the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// FromContext returns the caller identity, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	return identity, ok
}
