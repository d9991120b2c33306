package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/auth"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/config"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/gateway"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/metrics"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/policy"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/registry"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/storage"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "mcp.mediator.v1.Mediator"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting mcp mediator",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("upstream", cfg.UpstreamURL.String()),
		zap.String("policy_url", cfg.PolicyURL),
		zap.Duration("policy_timeout", cfg.PolicyTimeout),
		zap.Strings("supported_versions", cfg.SupportedVersions),
		zap.String("auth_mode", cfg.AuthMode),
	)

	// Tracing
	shutdownTracing, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:   cfg.OTLPEndpoint,
		Headers:    cfg.OTLPHeaders,
		Insecure:   cfg.OTLPInsecure,
		Sampler:    cfg.OTELSampler,
		SamplerArg: cfg.OTELSamplerArg,
		Required:   cfg.OTELRequired,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialise tracing", zap.Error(err))
	}

	// Storage: ClickHouse, or the log writer as fallback
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(context.Background(), cfg.ClickHouseDSN, cfg.ClickHouseTLS, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Postgres pool, shared by auth, enrichment and the tool registry
	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	}

	// Tool metadata: Postgres, then the catalog file, then static defaults.
	var tools policy.ToolMetadataLookup
	if cfg.ToolCatalog != "" {
		catalog, err := registry.LoadCatalog(cfg.ToolCatalog, nil)
		if err != nil {
			logger.Fatal("failed to load tool catalog", zap.String("path", cfg.ToolCatalog), zap.Error(err))
		}
		tools = catalog
		logger.Info("tool catalog loaded", zap.Int("tools", catalog.Len()))
	}
	if db != nil {
		tools = registry.NewPostgresToolLookup(registry.PostgresToolLookupConfig{
			DB:       db,
			CacheTTL: cfg.CacheTTL,
			Fallback: tools,
			Logger:   logger,
		})
	}

	var enricher policy.ConsumerEnricher
	if db != nil {
		enricher = auth.NewPostgresEnricher(auth.PostgresEnricherConfig{
			DB:       db,
			CacheTTL: cfg.CacheTTL,
			Logger:   logger,
		})
	}

	// Auth
	var authenticator auth.Authenticator
	switch cfg.AuthMode {
	case config.AuthModeStatic:
		keys, err := auth.LoadStaticKeys(cfg.StaticKeysFile)
		if err != nil {
			logger.Fatal("failed to load static keys", zap.Error(err))
		}
		authenticator = auth.NewStaticAuthenticator(keys, cfg.CacheTTL)
		logger.Info("using static authenticator", zap.Int("keys", len(keys)))
	case config.AuthModePostgres:
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.CacheTTL,
			Logger:   logger,
		})
		logger.Info("using postgres authenticator")
	default:
		authenticator = auth.NewHeaderAuthenticator()
		logger.Info("using header authenticator; consumers must be asserted by a trusted front proxy")
	}

	var recorder *metrics.Recorder
	if cfg.MetricsEnabled {
		recorder = metrics.NewRecorder()
	}

	policyClient, err := policy.NewClient(policy.ClientConfig{
		Endpoint:   cfg.PolicyURL,
		Path:       cfg.PolicyPath,
		Timeout:    cfg.PolicyTimeout,
		HTTPClient: telemetry.InstrumentClient(&http.Client{}),
		Enricher:   enricher,
		Tools:      tools,
		Metrics:    recorder,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to create policy client", zap.Error(err))
	}

	med := mediator.New(mediator.Config{
		SupportedVersions: cfg.SupportedVersions,
		Authorizer:        policyClient,
		Events:            writer,
		Metrics:           recorder,
		Logger:            logger,
	})

	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: gateway.NewRouter(&gateway.Dependencies{
			Mediator:      med,
			Authenticator: authenticator,
			Upstream:      cfg.UpstreamURL,
			Transport:     telemetry.InstrumentTransport(nil),
			Metrics:       recorder,
			MaxBodyBytes:  cfg.MaxBodyBytes,
			Logger:        logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC health service for load balancer checks
	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
		if err != nil {
			logger.Fatal("failed to listen", zap.String("port", cfg.GRPCHealthPort), zap.Error(err))
		}
		grpcServer = grpc.NewServer()
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		go func() {
			logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("grpc health server failed", zap.Error(err))
			}
		}()
	}

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	if healthServer != nil {
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", zap.Error(err))
	}

	logger.Info("mcp mediator stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
