package policy

import (
	"context"
	"errors"

	"github.com/triage-ai/palisade/services/mcp_mediator/internal/mediator"
)

// Defaults used when no directory or catalog knows better.
const (
	DefaultRole        = "developer"
	DefaultSensitivity = "medium"
)

// ErrToolNotFound is returned by a ToolMetadataLookup that has no entry for a tool.
// The client falls back to default metadata instead of denying.
var ErrToolNotFound = errors.New("tool not found")

// UserAttributes are the policy-relevant attributes of a consumer.
type UserAttributes struct {
	Role  string
	Teams []string
}

// ToolMetadata is the policy-relevant metadata of a tool.
type ToolMetadata struct {
	SensitivityLevel string
	Owner            *string
	Managers         []string
}

// ConsumerEnricher resolves role and teams for a consumer.
type ConsumerEnricher interface {
	Enrich(ctx context.Context, consumer mediator.Consumer) (UserAttributes, error)
}

// ToolMetadataLookup resolves sensitivity, owner and managers for a tool.
type ToolMetadataLookup interface {
	Lookup(ctx context.Context, toolName string) (ToolMetadata, error)
}

// StaticConsumerEnricher trusts the role and teams carried by the consumer
// and fills gaps with defaults.
type StaticConsumerEnricher struct {
	Role string // defaults to DefaultRole
}

func (e StaticConsumerEnricher) Enrich(_ context.Context, c mediator.Consumer) (UserAttributes, error) {
	role := c.Role
	if role == "" {
		role = e.Role
	}
	if role == "" {
		role = DefaultRole
	}
	return UserAttributes{Role: role, Teams: append([]string{}, c.Teams...)}, nil
}

// StaticToolLookup returns the same metadata for every tool.
type StaticToolLookup struct {
	Metadata ToolMetadata
}

func (l StaticToolLookup) Lookup(_ context.Context, _ string) (ToolMetadata, error) {
	return withToolDefaults(l.Metadata), nil
}

// DefaultToolMetadata is the metadata used for tools nobody has classified.
func DefaultToolMetadata() ToolMetadata {
	return ToolMetadata{SensitivityLevel: DefaultSensitivity, Managers: []string{}}
}

func withToolDefaults(md ToolMetadata) ToolMetadata {
	if md.SensitivityLevel == "" {
		md.SensitivityLevel = DefaultSensitivity
	}
	md.Managers = append([]string{}, md.Managers...)
	return md
}
