// Package auth provides API key authentication for the admin HTTP routes.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// APIKeyHeader is the header carrying the API key
const APIKeyHeader = "X-API-Key"

var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrNotConfigured = errors.New("admin API key not configured")
)

// APIKeyAuthenticator checks requests against the admin API key.
type APIKeyAuthenticator struct {
	adminAPIKey string
}

// NewAPIKeyAuthenticator creates an authenticator. An empty key rejects every
// request to protected routes.
func NewAPIKeyAuthenticator(adminAPIKey string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{adminAPIKey: adminAPIKey}
}

// Verify checks the API key carried by r.
func (a *APIKeyAuthenticator) Verify(r *http.Request) error {
	if a.adminAPIKey == "" {
		return ErrNotConfigured
	}
	apiKey, err := ExtractAPIKey(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(a.adminAPIKey)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// Middleware rejects requests without the admin API key.
func (a *APIKeyAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Verify(r); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrInvalidAPIKey) {
				status = http.StatusForbidden
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey reads the key from X-API-Key or an Authorization bearer token.
func ExtractAPIKey(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key, nil
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > len("Bearer ") && strings.EqualFold(authz[:len("Bearer ")], "Bearer ") {
		if key := strings.TrimSpace(authz[len("Bearer "):]); key != "" {
			return key, nil
		}
	}
	return "", ErrMissingAPIKey
}
