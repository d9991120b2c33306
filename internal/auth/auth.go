package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
)

// APIKeyPrefix marks mediator API keys. The first PrefixLen characters of a
// key are stored in clear for lookup; the full key only as a bcrypt hash.
const (
	APIKeyPrefix = "mcp_"
	PrefixLen    = 12
)

// Authenticator establishes the caller identity for an inbound request.
type Authenticator interface {
	Authenticate(r *http.Request) (*mediator.Consumer, error)
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts a mediator API key from the Authorization header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrUnauthenticated
	}
	token := strings.TrimPrefix(header, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, APIKeyPrefix) || len(token) < PrefixLen {
		return "", ErrUnauthenticated
	}
	return token, nil
}
