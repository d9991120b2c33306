package auth

import (
	"errors"
	"net/http"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
	"go.uber.org/zap"
)

// Middleware runs authn and attaches the consumer to the request context.
// It never responds itself: a failed authentication leaves no consumer and
// the mediator decides whether the request needed one.
func Middleware(authn Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			consumer, err := authn.Authenticate(r)
			if err != nil {
				if !errors.Is(err, ErrUnauthenticated) {
					logger.Warn("authentication failed",
						zap.String("path", r.URL.Path),
						zap.Error(err),
					)
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(mediator.WithConsumer(r.Context(), consumer)))
		})
	}
}
