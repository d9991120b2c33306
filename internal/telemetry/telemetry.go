package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const defaultServiceName = "mcp-mediator"

// Config configures tracing. An empty Endpoint keeps spans in-process.
type Config struct {
	ServiceName string
	Endpoint    string // host:port of an OTLP/HTTP collector
	Headers     string // k1=v1,k2=v2
	Insecure    bool
	Timeout     time.Duration
	Sampler     string
	SamplerArg  string
	Required    bool // fail startup if the exporter cannot be created
}

// Init installs the global TracerProvider and propagator and returns its shutdown.
func Init(ctx context.Context, cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = defaultServiceName
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", name),
	))
	if err != nil {
		res = resource.Default()
	}
	sampler := parseSampler(cfg.Sampler, cfg.SamplerArg)

	install := func(opts ...trace.TracerProviderOption) func(context.Context) error {
		opts = append(opts, trace.WithResource(res), trace.WithSampler(sampler))
		tp := trace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		return tp.Shutdown
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return install(), nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if headers := parseHeaders(cfg.Headers); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if cfg.Required {
			return nil, err
		}
		logger.Warn("otel exporter disabled", zap.Error(err))
		return install(), nil
	}
	logger.Info("otel exporter configured", zap.String("endpoint", endpoint))
	return install(trace.WithBatcher(exporter)), nil
}

func parseSampler(name, arg string) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	ratio := 1.0
	if arg = strings.TrimSpace(arg); arg != "" {
		if val, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = min(max(val, 0), 1)
		}
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound requests under the given operation name.
func HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	if operation = strings.TrimSpace(operation); operation == "" {
		operation = defaultServiceName
	}
	return otelhttp.NewMiddleware(operation)
}

// InstrumentClient wraps client's transport so outbound calls carry spans
// and trace context. The client is modified in place and returned.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

// InstrumentTransport wraps a RoundTripper, e.g. for a reverse proxy.
func InstrumentTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}
