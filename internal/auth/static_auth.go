package auth

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/cache"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// StaticKey is one API key entry in a static keys file.
type StaticKey struct {
	Prefix   string   `yaml:"prefix"`
	KeyHash  string   `yaml:"key_hash"`
	ID       string   `yaml:"consumer_id"`
	Username string   `yaml:"username"`
	Role     string   `yaml:"role"`
	Teams    []string `yaml:"teams"`
}

type staticKeysFile struct {
	Keys []StaticKey `yaml:"keys"`
}

// StaticAuthenticator verifies bearer API keys against a fixed set of bcrypt
// hashes loaded at startup.
type StaticAuthenticator struct {
	byPrefix map[string][]StaticKey
	verified *cache.TTLCache[*mediator.Consumer]
}

// LoadStaticKeys reads a YAML keys file.
func LoadStaticKeys(path string) ([]StaticKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadStaticKeys: %w", err)
	}
	var file staticKeysFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("LoadStaticKeys: %s: %w", path, err)
	}
	for i, k := range file.Keys {
		if len(k.Prefix) != PrefixLen || k.KeyHash == "" || k.ID == "" {
			return nil, fmt.Errorf("LoadStaticKeys: %s: entry %d needs a %d-char prefix, key_hash and consumer_id", path, i, PrefixLen)
		}
	}
	return file.Keys, nil
}

// NewStaticAuthenticator indexes keys by prefix. Verified keys are remembered
// for cacheTTL so bcrypt runs once per key per TTL.
func NewStaticAuthenticator(keys []StaticKey, cacheTTL time.Duration) *StaticAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	byPrefix := make(map[string][]StaticKey, len(keys))
	for _, k := range keys {
		byPrefix[k.Prefix] = append(byPrefix[k.Prefix], k)
	}
	return &StaticAuthenticator{
		byPrefix: byPrefix,
		verified: cache.New[*mediator.Consumer](cacheTTL),
	}
}

func (a *StaticAuthenticator) Authenticate(r *http.Request) (*mediator.Consumer, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}

	// Keys never change at runtime, so stale entries are still valid.
	if cached := a.verified.Get(token); cached.Hit && cached.Found {
		if cached.NeedsRefresh {
			a.verified.Set(token, cached.Value)
		}
		return cached.Value, nil
	}

	for _, k := range a.byPrefix[token[:PrefixLen]] {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(token)) != nil {
			continue
		}
		consumer := &mediator.Consumer{
			ID:       k.ID,
			Username: k.Username,
			Role:     k.Role,
			Teams:    append([]string{}, k.Teams...),
		}
		a.verified.Set(token, consumer)
		return consumer, nil
	}
	return nil, ErrUnauthenticated
}
