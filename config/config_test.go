package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeclarationOrder(t *testing.T) {
	doc := []byte(`{
	// tooling for the dev image
	"name": "workbench",
	"image": "mcr.example.com/base:1",
	"features": {
		"ghcr.io/devcontainers/features/go:1": { "version": "1.22" },
		"ghcr.io/devcontainers/features/node:1": "20",
		"ghcr.io/devcontainers/features/git:1": true,
	},
}`)

	cfg, err := Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, "workbench", cfg.Name)

	declarations, err := cfg.Declarations()
	require.NoError(t, err)
	require.Len(t, declarations, 3)

	assert.Equal(t, "ghcr.io/devcontainers/features/go:1", declarations[0].Ref)
	assert.Equal(t, map[string]any{"version": "1.22"}, declarations[0].Options)

	assert.Equal(t, "ghcr.io/devcontainers/features/node:1", declarations[1].Ref)
	assert.Equal(t, map[string]any{"version": "20"}, declarations[1].Options)

	assert.Equal(t, "ghcr.io/devcontainers/features/git:1", declarations[2].Ref)
	assert.Empty(t, declarations[2].Options)
}

func TestParseDisabledFeatureSkipped(t *testing.T) {
	cfg, err := Parse([]byte(`{
	"features": {
		"ghcr.io/devcontainers/features/go:1": false,
		"ghcr.io/devcontainers/features/node:1": true
	}
}`))
	require.NoError(t, err)

	declarations, err := cfg.Declarations()
	require.NoError(t, err)
	require.Len(t, declarations, 1)
	assert.Equal(t, "ghcr.io/devcontainers/features/node:1", declarations[0].Ref)
}

func TestParseOverrideOrder(t *testing.T) {
	cfg, err := Parse([]byte(`{
	"features": {
		"ghcr.io/devcontainers/features/go:1": {}
	},
	"overrideFeatureInstallOrder": [
		"ghcr.io/devcontainers/features/common-utils",
		"ghcr.io/devcontainers/features/go"
	]
}`))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ghcr.io/devcontainers/features/common-utils",
		"ghcr.io/devcontainers/features/go",
	}, cfg.OverrideFeatureInstallOrder)
}

func TestParseNoFeatures(t *testing.T) {
	cfg, err := Parse([]byte(`{"name": "empty"}`))
	require.NoError(t, err)

	declarations, err := cfg.Declarations()
	require.NoError(t, err)
	assert.Nil(t, declarations)
}

func TestParseUnsupportedValue(t *testing.T) {
	cfg, err := Parse([]byte(`{
	"features": {
		"ghcr.io/devcontainers/features/go:1": 42
	}
}`))
	require.NoError(t, err)

	_, err = cfg.Declarations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported value type")
}

func TestParseMalformedDocument(t *testing.T) {
	_, err := Parse([]byte(`{"features": {`))
	require.Error(t, err)
}
