package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/policy"
)

// Authentication modes.
const (
	AuthModeHeader   = "header"
	AuthModeStatic   = "static"
	AuthModePostgres = "postgres"
)

// Config is built once at startup and read-only afterwards.
type Config struct {
	LogLevel       string
	HTTPPort       string
	GRPCHealthPort string // empty disables the gRPC health server

	UpstreamURL       *url.URL
	PolicyURL         string
	PolicyPath        string
	PolicyTimeout     time.Duration
	SupportedVersions []string

	AuthMode       string
	StaticKeysFile string
	ToolCatalog    string

	PostgresDSN   string
	ClickHouseDSN string
	ClickHouseTLS bool

	CacheTTL       time.Duration
	MaxBodyBytes   int64
	MetricsEnabled bool

	OTLPEndpoint   string
	OTLPHeaders    string
	OTLPInsecure   bool
	OTELSampler    string
	OTELSamplerArg string
	OTELRequired   bool

	ShutdownTimeout time.Duration
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	cfg := Config{
		LogLevel:          envOrDefault("MEDIATOR_LOG_LEVEL", "info"),
		HTTPPort:          envOrDefault("MEDIATOR_HTTP_PORT", "8080"),
		GRPCHealthPort:    os.Getenv("MEDIATOR_GRPC_HEALTH_PORT"),
		PolicyURL:         os.Getenv("MEDIATOR_POLICY_URL"),
		PolicyPath:        envOrDefault("MEDIATOR_POLICY_PATH", policy.DefaultPath),
		PolicyTimeout:     time.Duration(envOrDefaultInt("MEDIATOR_POLICY_TIMEOUT_MS", 5000)) * time.Millisecond,
		SupportedVersions: splitList(envOrDefault("MEDIATOR_SUPPORTED_VERSIONS", mediator.DefaultVersion)),
		AuthMode:          strings.ToLower(envOrDefault("MEDIATOR_AUTH_MODE", AuthModeHeader)),
		StaticKeysFile:    os.Getenv("MEDIATOR_STATIC_KEYS_FILE"),
		ToolCatalog:       os.Getenv("MEDIATOR_TOOL_CATALOG"),
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		ClickHouseDSN:     os.Getenv("CLICKHOUSE_DSN"),
		ClickHouseTLS:     envOrDefaultBool("CLICKHOUSE_TLS", false),
		CacheTTL:          time.Duration(envOrDefaultInt("MEDIATOR_CACHE_TTL_S", 60)) * time.Second,
		MaxBodyBytes:      int64(envOrDefaultInt("MEDIATOR_MAX_BODY_BYTES", 1<<20)),
		MetricsEnabled:    envOrDefaultBool("MEDIATOR_METRICS_ENABLED", true),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:       os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:      envOrDefaultBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OTELSampler:       os.Getenv("OTEL_TRACES_SAMPLER"),
		OTELSamplerArg:    os.Getenv("OTEL_TRACES_SAMPLER_ARG"),
		OTELRequired:      envOrDefaultBool("OTEL_REQUIRED", false),
		ShutdownTimeout:   time.Duration(envOrDefaultInt("MEDIATOR_SHUTDOWN_TIMEOUT_S", 15)) * time.Second,
	}

	var errs []error

	upstream := os.Getenv("MEDIATOR_UPSTREAM_URL")
	if upstream == "" {
		errs = append(errs, errors.New("MEDIATOR_UPSTREAM_URL is required"))
	} else if u, err := parseHTTPURL(upstream); err != nil {
		errs = append(errs, fmt.Errorf("MEDIATOR_UPSTREAM_URL: %w", err))
	} else {
		cfg.UpstreamURL = u
	}

	if cfg.PolicyURL == "" {
		errs = append(errs, errors.New("MEDIATOR_POLICY_URL is required"))
	} else if _, err := parseHTTPURL(cfg.PolicyURL); err != nil {
		errs = append(errs, fmt.Errorf("MEDIATOR_POLICY_URL: %w", err))
	}

	if cfg.PolicyTimeout <= 0 {
		errs = append(errs, errors.New("MEDIATOR_POLICY_TIMEOUT_MS must be positive"))
	}
	if len(cfg.SupportedVersions) == 0 {
		errs = append(errs, errors.New("MEDIATOR_SUPPORTED_VERSIONS must list at least one version"))
	}
	if cfg.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MEDIATOR_MAX_BODY_BYTES must be positive"))
	}

	switch cfg.AuthMode {
	case AuthModeHeader:
	case AuthModeStatic:
		if cfg.StaticKeysFile == "" {
			errs = append(errs, errors.New("MEDIATOR_STATIC_KEYS_FILE is required for static auth"))
		}
	case AuthModePostgres:
		if cfg.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for postgres auth"))
		}
	default:
		errs = append(errs, fmt.Errorf("MEDIATOR_AUTH_MODE: unknown mode %q", cfg.AuthMode))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
