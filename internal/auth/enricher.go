package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/cache"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/policy"
	"go.uber.org/zap"
)

// ConsumerStore abstracts the consumers directory for testability.
type ConsumerStore interface {
	LookupConsumer(ctx context.Context, id string) (*consumerRow, error)
}

type consumerRow struct {
	Role  string
	Teams string // JSONB array as text
}

type sqlConsumerStore struct {
	db *sql.DB
}

func (s *sqlConsumerStore) LookupConsumer(ctx context.Context, id string) (*consumerRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT role, COALESCE(teams::text, '[]')
		FROM consumers
		WHERE id = $1
	`, id)

	var r consumerRow
	if err := row.Scan(&r.Role, &r.Teams); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresEnricher resolves role and teams from the consumers table.
// Consumers missing from the directory keep the attributes they arrived with.
type PostgresEnricher struct {
	store    ConsumerStore
	cache    *cache.TTLCache[policy.UserAttributes]
	fallback policy.StaticConsumerEnricher
	logger   *zap.Logger
}

var _ policy.ConsumerEnricher = (*PostgresEnricher)(nil)

// PostgresEnricherConfig configures the PostgresEnricher.
type PostgresEnricherConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresEnricher creates a new PostgresEnricher.
func NewPostgresEnricher(cfg PostgresEnricherConfig) *PostgresEnricher {
	return newPostgresEnricherWithStore(&sqlConsumerStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

func newPostgresEnricherWithStore(store ConsumerStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresEnricher {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresEnricher{
		store:  store,
		cache:  cache.New[policy.UserAttributes](cacheTTL),
		logger: logger,
	}
}

func (e *PostgresEnricher) Enrich(ctx context.Context, c mediator.Consumer) (policy.UserAttributes, error) {
	cached := e.cache.Get(c.ID)
	if cached.Hit {
		if cached.NeedsRefresh {
			go e.refreshInBackground(c.ID)
		}
		if !cached.Found {
			return e.fallback.Enrich(ctx, c)
		}
		return cached.Value, nil
	}

	attrs, err := e.fetch(ctx, c.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			e.cache.SetMissing(c.ID)
			return e.fallback.Enrich(ctx, c)
		}
		return policy.UserAttributes{}, fmt.Errorf("Enrich: %w", err)
	}
	e.cache.Set(c.ID, attrs)
	return attrs, nil
}

func (e *PostgresEnricher) fetch(ctx context.Context, id string) (policy.UserAttributes, error) {
	row, err := e.store.LookupConsumer(ctx, id)
	if err != nil {
		return policy.UserAttributes{}, err
	}
	teams, err := decodeTeams(row.Teams)
	if err != nil {
		return policy.UserAttributes{}, err
	}
	role := row.Role
	if role == "" {
		role = policy.DefaultRole
	}
	return policy.UserAttributes{Role: role, Teams: teams}, nil
}

func (e *PostgresEnricher) refreshInBackground(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attrs, err := e.fetch(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			e.cache.SetMissing(id)
			return
		}
		e.cache.ReleaseRefresh(id)
		e.logger.Warn("background consumer refresh failed",
			zap.String("consumer_id", id),
			zap.Error(err),
		)
		return
	}
	e.cache.Set(id, attrs)
}
