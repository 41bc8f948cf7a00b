// Package config parses devcontainer-style configuration documents into the
// collaborator contract the resolver core consumes: an ordered
// feature-identifier→options mapping and an optional override-order list.
//
// Documents are JSON with comments and trailing commas permitted. The
// lenient form is standardized first, then decoded into typed structures;
// no field is trusted before that.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/tailscale/hujson"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/featplan/featplan/graph"
)

// DevContainer is the subset of a devcontainer configuration the resolver
// consumes.
type DevContainer struct {
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`

	// Features maps feature references to their declared value, in
	// declaration order. A value may be an options object, a version
	// string or a boolean.
	Features *orderedmap.OrderedMap[string, any] `json:"features,omitempty"`

	// OverrideFeatureInstallOrder optionally pins the relative
	// installation order of the named features.
	OverrideFeatureInstallOrder []string `json:"overrideFeatureInstallOrder,omitempty"`
}

// Parse decodes a configuration document.
func Parse(data []byte) (*DevContainer, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("standardizing configuration: %w", err)
	}

	var cfg DevContainer
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	return &cfg, nil
}

// Declarations converts the feature map into graph declarations, preserving
// declaration order and normalizing the shorthand value forms:
// a boolean enables the feature with no options, a string is the value of
// its "version" option, and an object is taken as the options themselves.
func (d *DevContainer) Declarations() ([]graph.Declaration, error) {
	if d.Features == nil {
		return nil, nil
	}

	declarations := make([]graph.Declaration, 0, d.Features.Len())
	for pair := d.Features.Oldest(); pair != nil; pair = pair.Next() {
		options, err := normalizeValue(pair.Key, pair.Value)
		if err != nil {
			return nil, err
		}
		if options == nil {
			// Feature explicitly disabled.
			continue
		}
		declarations = append(declarations, graph.Declaration{Ref: pair.Key, Options: options})
	}
	return declarations, nil
}

func normalizeValue(ref string, value any) (map[string]any, error) {
	switch v := value.(type) {
	case nil:
		return map[string]any{}, nil
	case bool:
		if !v {
			return nil, nil
		}
		return map[string]any{}, nil
	case string:
		return map[string]any{"version": v}, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("feature %q: unsupported value type %T", ref, value)
	}
}
