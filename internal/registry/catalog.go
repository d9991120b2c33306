package registry

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/palisade/services/mcp_mediator/internal/policy"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.schema.json
var catalogSchemaJSON []byte

// CatalogEntry is one tool in a YAML catalog file.
type CatalogEntry struct {
	Name             string   `yaml:"name"`
	SensitivityLevel string   `yaml:"sensitivity_level"`
	Owner            *string  `yaml:"owner"`
	Managers         []string `yaml:"managers"`
}

type catalogFile struct {
	Tools []CatalogEntry `yaml:"tools"`
}

// Catalog is a file-backed ToolMetadataLookup. Tools it does not list are
// delegated to the fallback lookup.
type Catalog struct {
	tools    map[string]policy.ToolMetadata
	fallback policy.ToolMetadataLookup
}

var _ policy.ToolMetadataLookup = (*Catalog)(nil)

// LoadCatalog reads and validates a YAML catalog from path.
func LoadCatalog(path string, fallback policy.ToolMetadataLookup) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadCatalog: %w", err)
	}
	c, err := ParseCatalog(data, fallback)
	if err != nil {
		return nil, fmt.Errorf("LoadCatalog: %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog validates data against the catalog schema and builds a Catalog.
func ParseCatalog(data []byte, fallback policy.ToolMetadataLookup) (*Catalog, error) {
	if err := validateCatalog(data); err != nil {
		return nil, err
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	tools := make(map[string]policy.ToolMetadata, len(file.Tools))
	for _, e := range file.Tools {
		if _, dup := tools[e.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", e.Name)
		}
		sensitivity := e.SensitivityLevel
		if sensitivity == "" {
			sensitivity = policy.DefaultSensitivity
		}
		managers := e.Managers
		if managers == nil {
			managers = []string{}
		}
		tools[e.Name] = policy.ToolMetadata{
			SensitivityLevel: sensitivity,
			Owner:            e.Owner,
			Managers:         managers,
		}
	}
	return &Catalog{tools: tools, fallback: fallback}, nil
}

func validateCatalog(data []byte) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(catalogSchemaJSON))
	if err != nil {
		return fmt.Errorf("catalog schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("catalog.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("catalog schema: %w", err)
	}
	sch, err := c.Compile("catalog.schema.json")
	if err != nil {
		return fmt.Errorf("catalog schema: %w", err)
	}

	// Round-trip through JSON so the validator sees JSON types.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	return nil
}

// Lookup returns catalog metadata for toolName.
func (c *Catalog) Lookup(ctx context.Context, toolName string) (policy.ToolMetadata, error) {
	if md, ok := c.tools[toolName]; ok {
		md.Managers = append([]string{}, md.Managers...)
		return md, nil
	}
	if c.fallback != nil {
		return c.fallback.Lookup(ctx, toolName)
	}
	return policy.ToolMetadata{}, policy.ErrToolNotFound
}

// Len returns the number of tools in the catalog.
func (c *Catalog) Len() int {
	return len(c.tools)
}
