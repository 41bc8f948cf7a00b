package feature_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	ociImageSpecV1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featplan/featplan/featref"
	"github.com/featplan/featplan/feature"
	"github.com/featplan/featplan/registry"
)

// fakeFeature serves a single feature (manifest + blob) and counts blob
// downloads.
type fakeFeature struct {
	manifest  []byte
	blob      []byte
	blobFetch atomic.Int64
}

func newFakeFeature(t *testing.T, metadata string) *fakeFeature {
	t.Helper()

	var buf bytes.Buffer
	writer := tar.NewWriter(&buf)
	for name, content := range map[string]string{
		"install.sh":             "#!/bin/sh\n",
		feature.MetadataFileName: metadata,
	} {
		require.NoError(t, writer.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}))
		_, err := writer.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	blob := buf.Bytes()

	manifest := ociImageSpecV1.Manifest{
		MediaType: ociImageSpecV1.MediaTypeImageManifest,
		Config: ociImageSpecV1.Descriptor{
			MediaType: registry.MediaTypeFeatureConfig,
			Digest:    digest.FromString("config"),
		},
		Layers: []ociImageSpecV1.Descriptor{{
			MediaType: registry.MediaTypeFeatureLayer,
			Digest:    digest.FromBytes(blob),
			Size:      int64(len(blob)),
		}},
	}
	manifest.SchemaVersion = 2
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)

	return &fakeFeature{manifest: raw, blob: blob}
}

func (f *fakeFeature) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/manifests/"):
			_, _ = w.Write(f.manifest)
		case strings.Contains(r.URL.Path, "/blobs/"):
			f.blobFetch.Add(1)
			_, _ = w.Write(f.blob)
		default:
			http.NotFound(w, r)
		}
	}
}

func TestLoader(t *testing.T) {
	fake := newFakeFeature(t, `{
		// tool metadata, comments allowed
		"id": "go",
		"version": "1.2.0",
		"dependsOn": {
			"ghcr.io/org/base:1": {"flavor": "slim"},
			"ghcr.io/org/extra:2": {}
		},
		"installsAfter": ["ghcr.io/org/common"],
	}`)

	server := httptest.NewServer(fake.handler())
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	ref, err := featref.Parse(context.Background(), u.Host+"/org/go:1.2.0")
	require.NoError(t, err)

	client := registry.NewClient(registry.WithPlainHTTP(true))
	loader := feature.NewLoader(client, t.TempDir())

	resolved, err := loader.Load(context.Background(), ref)
	require.NoError(t, err)

	assert.Equal(t, "go", resolved.Metadata.ID)
	assert.Equal(t, "1.2.0", resolved.Metadata.Version)
	assert.Equal(t, []string{"ghcr.io/org/common"}, resolved.Metadata.InstallsAfter)
	assert.NotEmpty(t, resolved.Files)
	assert.Contains(t, resolved.CanonicalID(), ref.Resource+"@sha256:")

	deps := resolved.Metadata.Dependencies()
	require.Len(t, deps, 2)
	assert.Equal(t, "ghcr.io/org/base:1", deps[0].Ref)
	assert.Equal(t, map[string]any{"flavor": "slim"}, deps[0].Options)
	assert.Equal(t, "ghcr.io/org/extra:2", deps[1].Ref)

	// A repeated load inside the same run must not re-fetch the blob.
	again, err := loader.Load(context.Background(), ref)
	require.NoError(t, err)
	assert.Same(t, resolved, again)
	assert.Equal(t, int64(1), fake.blobFetch.Load())
}

func TestLoaderNoLayers(t *testing.T) {
	manifest := ociImageSpecV1.Manifest{
		Config: ociImageSpecV1.Descriptor{MediaType: registry.MediaTypeFeatureConfig},
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(raw)
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	ref, err := featref.Parse(context.Background(), u.Host+"/org/empty:1")
	require.NoError(t, err)

	loader := feature.NewLoader(registry.NewClient(registry.WithPlainHTTP(true)), t.TempDir())
	_, err = loader.Load(context.Background(), ref)
	assert.ErrorIs(t, err, feature.ErrNoLayer)
}
