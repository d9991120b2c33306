package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/auth"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/metrics"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/telemetry"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into the HTTP handlers.
type Dependencies struct {
	Mediator      *mediator.Mediator
	Authenticator auth.Authenticator
	Upstream      *url.URL
	Transport     http.RoundTripper // nil uses http.DefaultTransport
	Metrics       *metrics.Recorder // nil disables /metrics
	MaxBodyBytes  int64
	Logger        *zap.Logger
}

// NewRouter builds the HTTP router: health and metrics endpoints, and every
// other path mediated and proxied upstream.
func NewRouter(deps *Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogging(deps.Logger))
	r.Use(telemetry.HTTPMiddleware("mcp-mediator"))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(deps.Authenticator, deps.Logger))
		r.Handle("/*", newProxyHandler(deps))
	})

	return r
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func requestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing streamed upstream responses.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
