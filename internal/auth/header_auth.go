package auth

import (
	"net/http"
	"strings"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
)

// Identity headers set by a trusted front gateway.
const (
	HeaderConsumerID       = "X-Consumer-ID"
	HeaderConsumerUsername = "X-Consumer-Username"
	HeaderConsumerRole     = "X-Consumer-Role"
	HeaderConsumerTeams    = "X-Consumer-Teams"
)

// HeaderAuthenticator trusts identity headers written by a front gateway that
// has already authenticated the caller. Only deploy it behind such a gateway.
type HeaderAuthenticator struct{}

func NewHeaderAuthenticator() *HeaderAuthenticator {
	return &HeaderAuthenticator{}
}

func (a *HeaderAuthenticator) Authenticate(r *http.Request) (*mediator.Consumer, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderConsumerID))
	if id == "" {
		return nil, ErrUnauthenticated
	}
	return &mediator.Consumer{
		ID:       id,
		Username: strings.TrimSpace(r.Header.Get(HeaderConsumerUsername)),
		Role:     strings.TrimSpace(r.Header.Get(HeaderConsumerRole)),
		Teams:    splitTeams(r.Header.Get(HeaderConsumerTeams)),
	}, nil
}

func splitTeams(v string) []string {
	teams := []string{}
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			teams = append(teams, t)
		}
	}
	return teams
}
