package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Authenticator verifies admin requests before they reach handlers.
type Authenticator struct {
	bearerToken string
}

// NewAuthenticator constructs a bearer-token authenticator.
func NewAuthenticator(token string) (*Authenticator, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, fmt.Errorf("bearer token must be configured")
	}
	return &Authenticator{bearerToken: trimmed}, nil
}

// Middleware enforces authentication for admin endpoints.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		if !a.authenticate(r) {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) authenticate(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.bearerToken)) == 1
}
