package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/cache"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/policy"
	"go.uber.org/zap"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	LookupTool(ctx context.Context, toolName string) (*toolRow, error)
}

type toolRow struct {
	ToolName         string
	SensitivityLevel string
	Owner            sql.NullString
	Managers         string // JSONB array as text
}

// sqlToolStore is the real implementation using *sql.DB.
type sqlToolStore struct {
	db *sql.DB
}

func (s *sqlToolStore) LookupTool(ctx context.Context, toolName string) (*toolRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tool_name, sensitivity_level, owner, COALESCE(managers::text, '[]')
		FROM tool_metadata
		WHERE tool_name = $1
	`, toolName)

	var r toolRow
	if err := row.Scan(&r.ToolName, &r.SensitivityLevel, &r.Owner, &r.Managers); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresToolLookup reads tool metadata from the tool_metadata table.
// Tools without a row are delegated to the fallback lookup.
type PostgresToolLookup struct {
	store    ToolStore
	cache    *cache.TTLCache[policy.ToolMetadata]
	fallback policy.ToolMetadataLookup
	logger   *zap.Logger
}

var _ policy.ToolMetadataLookup = (*PostgresToolLookup)(nil)

// PostgresToolLookupConfig configures the PostgresToolLookup.
type PostgresToolLookupConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Fallback policy.ToolMetadataLookup
	Logger   *zap.Logger
}

// NewPostgresToolLookup creates a new PostgresToolLookup.
func NewPostgresToolLookup(cfg PostgresToolLookupConfig) *PostgresToolLookup {
	return newPostgresToolLookupWithStore(&sqlToolStore{db: cfg.DB}, cfg.CacheTTL, cfg.Fallback, cfg.Logger)
}

// newPostgresToolLookupWithStore creates a lookup with a custom store (for testing).
func newPostgresToolLookupWithStore(store ToolStore, cacheTTL time.Duration, fallback policy.ToolMetadataLookup, logger *zap.Logger) *PostgresToolLookup {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresToolLookup{
		store:    store,
		cache:    cache.New[policy.ToolMetadata](cacheTTL),
		fallback: fallback,
		logger:   logger,
	}
}

func (l *PostgresToolLookup) Lookup(ctx context.Context, toolName string) (policy.ToolMetadata, error) {
	cached := l.cache.Get(toolName)
	if cached.Hit {
		if cached.NeedsRefresh {
			go l.refreshInBackground(toolName)
		}
		if !cached.Found {
			return l.notFound(ctx, toolName)
		}
		return cached.Value, nil
	}

	md, err := l.fetchFromDB(ctx, toolName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			l.cache.SetMissing(toolName)
			return l.notFound(ctx, toolName)
		}
		return policy.ToolMetadata{}, fmt.Errorf("Lookup: %w", err)
	}

	l.cache.Set(toolName, md)
	return md, nil
}

func (l *PostgresToolLookup) notFound(ctx context.Context, toolName string) (policy.ToolMetadata, error) {
	if l.fallback != nil {
		return l.fallback.Lookup(ctx, toolName)
	}
	return policy.ToolMetadata{}, policy.ErrToolNotFound
}

func (l *PostgresToolLookup) fetchFromDB(ctx context.Context, toolName string) (policy.ToolMetadata, error) {
	row, err := l.store.LookupTool(ctx, toolName)
	if err != nil {
		return policy.ToolMetadata{}, err
	}
	return parseToolRow(row)
}

func (l *PostgresToolLookup) refreshInBackground(toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	md, err := l.fetchFromDB(ctx, toolName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			l.cache.SetMissing(toolName)
			return
		}
		l.cache.ReleaseRefresh(toolName)
		l.logger.Warn("background tool metadata refresh failed",
			zap.String("tool_name", toolName),
			zap.Error(err),
		)
		return
	}
	l.cache.Set(toolName, md)
}

func parseToolRow(row *toolRow) (policy.ToolMetadata, error) {
	md := policy.ToolMetadata{
		SensitivityLevel: row.SensitivityLevel,
		Managers:         []string{},
	}
	if md.SensitivityLevel == "" {
		md.SensitivityLevel = policy.DefaultSensitivity
	}
	if row.Owner.Valid {
		owner := row.Owner.String
		md.Owner = &owner
	}
	if row.Managers != "" && row.Managers != "[]" && row.Managers != "null" {
		if err := json.Unmarshal([]byte(row.Managers), &md.Managers); err != nil {
			return policy.ToolMetadata{}, fmt.Errorf("parseToolRow: managers: %w", err)
		}
	}
	return md, nil
}
