// Package auth guards the control surface with static API keys.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"McpHost/internal/config"
)

const defaultHeaderName = "X-API-Key"

// AuthMiddleware validates API keys taken from the configured header, a
// Bearer token or the api_key query parameter.
type AuthMiddleware struct {
	config config.AuthConfig
	logger zerolog.Logger
}

// NewAuthMiddleware creates the middleware.
func NewAuthMiddleware(authConfig config.AuthConfig, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		config: authConfig,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// ValidateAPIKey reports whether apiKey is accepted. Everything passes when
// auth is disabled.
func (am *AuthMiddleware) ValidateAPIKey(apiKey string) bool {
	if !am.config.Enabled {
		return true
	}
	if apiKey == "" {
		return false
	}

	valid := false
	for _, candidate := range am.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(candidate)) == 1 {
			valid = true
		}
	}
	return valid
}

// Middleware rejects unauthenticated requests with 401.
func (am *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		if !am.ValidateAPIKey(am.ExtractAPIKey(r)) {
			am.logger.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("authentication failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   "unauthorized: invalid API key",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey looks at the configured header first, then a Bearer token,
// then the api_key query parameter.
func (am *AuthMiddleware) ExtractAPIKey(r *http.Request) string {
	if apiKey := r.Header.Get(am.HeaderName()); apiKey != "" {
		return apiKey
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return r.URL.Query().Get("api_key")
}

// IsEnabled reports whether auth is on.
func (am *AuthMiddleware) IsEnabled() bool {
	return am.config.Enabled
}

// HeaderName returns the configured key header.
func (am *AuthMiddleware) HeaderName() string {
	if am.config.HeaderName == "" {
		return defaultHeaderName
	}
	return am.config.HeaderName
}
