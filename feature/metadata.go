// Package feature loads and caches the declared metadata of OCI-distributed
// features: their options schema and their dependsOn / installsAfter
// relationships.
package feature

import (
	"encoding/json"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// MetadataFileName is the well-known top-level archive entry holding a
// feature's declared metadata.
const MetadataFileName = "devcontainer-feature.json"

// Option describes a single entry of a feature's options schema.
type Option struct {
	Type        string   `json:"type,omitempty"`
	Default     any      `json:"default,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Proposals   []string `json:"proposals,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Metadata is a feature's own declared metadata, parsed from its blob's
// metadata file.
type Metadata struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// Options is the feature's options schema.
	Options map[string]Option `json:"options,omitempty"`

	// DependsOn maps child feature references to the options the declaring
	// feature requires for them, in declaration order. These are hard
	// dependencies.
	DependsOn *orderedmap.OrderedMap[string, map[string]any] `json:"dependsOn,omitempty"`

	// InstallsAfter lists feature identifiers this feature prefers to be
	// installed after. It is a soft ordering hint; entries absent from a
	// resolved set are ignored.
	InstallsAfter []string `json:"installsAfter,omitempty"`
}

// ParseMetadata decodes a feature metadata document. The input must already
// be standardized JSON (comments stripped).
func ParseMetadata(data []byte) (*Metadata, error) {
	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("decoding feature metadata: %w", err)
	}
	return &metadata, nil
}

// Dependencies returns the dependsOn entries in declaration order.
func (m *Metadata) Dependencies() []Dependency {
	if m.DependsOn == nil {
		return nil
	}
	deps := make([]Dependency, 0, m.DependsOn.Len())
	for pair := m.DependsOn.Oldest(); pair != nil; pair = pair.Next() {
		deps = append(deps, Dependency{Ref: pair.Key, Options: pair.Value})
	}
	return deps
}

// Dependency is one resolved dependsOn declaration.
type Dependency struct {
	// Ref is the child feature reference as declared by the parent.
	Ref string

	// Options are the options the parent declares for the child. They take
	// precedence over the child's own defaults.
	Options map[string]any
}
