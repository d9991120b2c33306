package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/cache"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) ([]keyRow, error)
}

type keyRow struct {
	KeyHash    string
	ConsumerID string
	Username   string
	Role       string
	Teams      string // JSONB array as text
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) ([]keyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT k.key_hash, c.id, c.username, c.role, COALESCE(c.teams::text, '[]')
		FROM api_keys k
		JOIN consumers c ON c.id = k.consumer_id
		WHERE k.key_prefix = $1 AND k.revoked_at IS NULL
	`, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []keyRow
	for rows.Next() {
		var r keyRow
		if err := rows.Scan(&r.KeyHash, &r.ConsumerID, &r.Username, &r.Role, &r.Teams); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PostgresAuthenticator validates API keys against the api_keys table.
// Store failures are authentication failures: there is no fail-open mode.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *cache.TTLCache[*mediator.Consumer]
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  cache.New[*mediator.Consumer](cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(r *http.Request) (*mediator.Consumer, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}

	cached := a.cache.Get(token)
	if cached.Hit && cached.Found {
		if cached.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cached.Value, nil
	}

	// Cache miss: authenticate synchronously
	consumer, err := a.authenticateFromDB(r.Context(), token)
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, consumer)
	return consumer, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*mediator.Consumer, error) {
	rows, err := a.store.LookupByPrefix(ctx, token[:PrefixLen])
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}

	for _, row := range rows {
		if bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(token)) != nil {
			continue
		}
		teams, err := decodeTeams(row.Teams)
		if err != nil {
			return nil, fmt.Errorf("authenticateFromDB: %w", err)
		}
		return &mediator.Consumer{
			ID:       row.ConsumerID,
			Username: row.Username,
			Role:     row.Role,
			Teams:    teams,
		}, nil
	}
	return nil, ErrUnauthenticated
}

// refreshInBackground revalidates a stale key. Revoked keys are evicted.
func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	consumer, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			a.cache.Delete(token)
			return
		}
		a.cache.ReleaseRefresh(token)
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(token, consumer)
}

func decodeTeams(raw string) ([]string, error) {
	teams := []string{}
	if raw == "" || raw == "null" {
		return teams, nil
	}
	if err := json.Unmarshal([]byte(raw), &teams); err != nil {
		return nil, fmt.Errorf("decode teams: %w", err)
	}
	if teams == nil {
		teams = []string{}
	}
	return teams, nil
}
