package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_mediator"

// Recorder owns the mediator's Prometheus collectors.
// All methods are safe on a nil *Recorder so metrics can be switched off.
type Recorder struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	policy   *prometheus.HistogramVec
}

// NewRecorder builds a Recorder on its own registry, including Go and
// process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Mediated requests by terminal state and denial code.",
		}, []string{"outcome", "code"}),
		policy: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "policy_evaluation_seconds",
			Help:      "Latency of decision endpoint calls by result.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"result"}),
	}
	reg.MustRegister(
		r.requests,
		r.policy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveRequest counts one mediated request.
func (r *Recorder) ObserveRequest(outcome, code string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(outcome, code).Inc()
}

// ObservePolicy records one decision endpoint call. result is
// "allow", "deny" or "error".
func (r *Recorder) ObservePolicy(result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.policy.WithLabelValues(result).Observe(elapsed.Seconds())
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
