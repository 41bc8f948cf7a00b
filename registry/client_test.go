package registry_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	ociImageSpecV1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/errdef"

	"github.com/featplan/featplan/featref"
	"github.com/featplan/featplan/registry"
)

func testClient() *registry.Client {
	return registry.NewClient(registry.WithPlainHTTP(true))
}

func serverRef(t *testing.T, server *httptest.Server, path string) featref.ArtifactRef {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	ref, err := featref.Parse(context.Background(), u.Host+path)
	require.NoError(t, err)
	return ref
}

func featureManifest(t *testing.T, layerDigest digest.Digest) []byte {
	t.Helper()
	manifest := ociImageSpecV1.Manifest{
		MediaType: ociImageSpecV1.MediaTypeImageManifest,
		Config: ociImageSpecV1.Descriptor{
			MediaType: registry.MediaTypeFeatureConfig,
			Digest:    digest.FromString("config"),
			Size:      6,
		},
		Layers: []ociImageSpecV1.Descriptor{{
			MediaType: registry.MediaTypeFeatureLayer,
			Digest:    layerDigest,
			Size:      0,
		}},
	}
	manifest.SchemaVersion = 2
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	return raw
}

func TestFetchManifest(t *testing.T) {
	t.Run("digest header is preferred", func(t *testing.T) {
		raw := featureManifest(t, digest.FromString("layer"))
		headerDigest := digest.FromString("as computed by the registry")

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v2/org/feat/manifests/1.0.0", r.URL.Path)
			assert.Contains(t, r.Header.Get("Accept"), ociImageSpecV1.MediaTypeImageManifest)
			w.Header().Set("Docker-Content-Digest", headerDigest.String())
			_, _ = w.Write(raw)
		}))
		defer server.Close()

		ref := serverRef(t, server, "/org/feat:1.0.0")
		container, err := testClient().FetchManifest(context.Background(), ref, "")
		require.NoError(t, err)
		assert.Equal(t, headerDigest, container.ContentDigest)
		assert.Equal(t, ref.Resource+"@"+headerDigest.String(), container.CanonicalID)
		assert.Equal(t, raw, container.Raw)
	})

	t.Run("missing digest header falls back to hashing the exact body", func(t *testing.T) {
		raw := featureManifest(t, digest.FromString("layer"))

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(raw)
		}))
		defer server.Close()

		ref := serverRef(t, server, "/org/feat:1.0.0")
		container, err := testClient().FetchManifest(context.Background(), ref, "")
		require.NoError(t, err)
		assert.Equal(t, digest.FromBytes(raw), container.ContentDigest)
	})

	t.Run("digest override replaces the version in the request", func(t *testing.T) {
		raw := featureManifest(t, digest.FromString("layer"))
		pinned := digest.FromBytes(raw)

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v2/org/feat/manifests/"+pinned.String(), r.URL.Path)
			_, _ = w.Write(raw)
		}))
		defer server.Close()

		ref := serverRef(t, server, "/org/feat:1.0.0")
		_, err := testClient().FetchManifest(context.Background(), ref, pinned.String())
		require.NoError(t, err)
	})

	t.Run("non-2xx means absent", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such manifest", http.StatusNotFound)
		}))
		defer server.Close()

		ref := serverRef(t, server, "/org/feat:1.0.0")
		_, err := testClient().FetchManifest(context.Background(), ref, "")
		assert.ErrorIs(t, err, errdef.ErrNotFound)
	})

	t.Run("config media type mismatch means absent", func(t *testing.T) {
		manifest := ociImageSpecV1.Manifest{
			Config: ociImageSpecV1.Descriptor{MediaType: ociImageSpecV1.MediaTypeImageConfig},
		}
		raw, err := json.Marshal(manifest)
		require.NoError(t, err)

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(raw)
		}))
		defer server.Close()

		ref := serverRef(t, server, "/org/feat:1.0.0")
		_, err = testClient().FetchManifest(context.Background(), ref, "")
		assert.ErrorIs(t, err, errdef.ErrNotFound)
	})

	t.Run("pinned digest must match the content digest", func(t *testing.T) {
		raw := featureManifest(t, digest.FromString("layer"))

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(raw)
		}))
		defer server.Close()

		u, err := url.Parse(server.URL)
		require.NoError(t, err)
		ref, err := featref.Parse(context.Background(), u.Host+"/org/feat@"+digest.FromString("other").String())
		require.NoError(t, err)

		_, err = testClient().FetchManifest(context.Background(), ref, "")
		assert.ErrorIs(t, err, errdef.ErrInvalidDigest)
	})

	t.Run("dotless registry host is rejected outright", func(t *testing.T) {
		ref := featref.ArtifactRef{
			Registry: "someword",
			Path:     "org/feat",
			Resource: "someword/org/feat",
			Version:  "latest",
		}
		_, err := testClient().FetchManifest(context.Background(), ref, "")
		assert.ErrorIs(t, err, errdef.ErrInvalidReference)
	})
}

func TestListTags(t *testing.T) {
	t.Run("sorted by semver precedence with latest first", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v2/org/feat/tags/list", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"name": "org/feat",
				"tags": []string{"1.0.0", "latest", "1.2.0", "0.9.0"},
			})
		}))
		defer server.Close()

		ref := serverRef(t, server, "/org/feat")
		tags, err := testClient().ListTags(context.Background(), ref, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"latest", "0.9.0", "1.0.0", "1.2.0"}, tags)
	})

	t.Run("identifier-wise ordering, not lexical", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"name": "org/feat",
				"tags": []string{"10", "2", "1"},
			})
		}))
		defer server.Close()

		ref := serverRef(t, server, "/org/feat")
		tags, err := testClient().ListTags(context.Background(), ref, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2", "10"}, tags)
	})

	t.Run("404 means never published", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unknown repository", http.StatusNotFound)
		}))
		defer server.Close()

		ref := serverRef(t, server, "/org/feat")
		tags, err := testClient().ListTags(context.Background(), ref, true)
		require.NoError(t, err)
		assert.Empty(t, tags)
	})

	t.Run("other non-2xx is a failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer server.Close()

		ref := serverRef(t, server, "/org/feat")
		_, err := testClient().ListTags(context.Background(), ref, false)
		assert.ErrorIs(t, err, registry.ErrRequestFailed)
	})
}

func TestSelectPlatformManifest(t *testing.T) {
	index := &ociImageSpecV1.Index{
		Manifests: []ociImageSpecV1.Descriptor{
			{Digest: digest.FromString("linux"), Platform: &ociImageSpecV1.Platform{Architecture: "amd64", OS: "linux"}},
			{Digest: digest.FromString("windows"), Platform: &ociImageSpecV1.Platform{Architecture: "amd64", OS: "windows"}},
		},
	}

	t.Run("host names map to OCI vocabulary", func(t *testing.T) {
		entry, ok := registry.SelectPlatformManifest(index, "x64", "win32")
		require.True(t, ok)
		assert.Equal(t, digest.FromString("windows"), entry.Digest)
	})

	t.Run("unmapped names pass through", func(t *testing.T) {
		entry, ok := registry.SelectPlatformManifest(index, "amd64", "linux")
		require.True(t, ok)
		assert.Equal(t, digest.FromString("linux"), entry.Digest)
	})

	t.Run("no match is absence", func(t *testing.T) {
		_, ok := registry.SelectPlatformManifest(index, "s390x", "linux")
		assert.False(t, ok)
	})
}

// buildTar assembles a tarball from name→content pairs in declaration order.
func buildTar(t *testing.T, entries [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := tar.NewWriter(&buf)
	for _, entry := range entries {
		require.NoError(t, writer.WriteHeader(&tar.Header{
			Name: entry[0],
			Mode: 0o644,
			Size: int64(len(entry[1])),
		}))
		_, err := writer.Write([]byte(entry[1]))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func TestFetchBlob(t *testing.T) {
	tarball := buildTar(t, [][2]string{
		{"install.sh", "#!/bin/sh\necho hi\n"},
		{"NOTES.md", "display me\n"},
		{"devcontainer-feature.json", "{\n  // feature metadata\n  \"id\": \"feat\",\n  \"version\": \"1.0.0\",\n}\n"},
	})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tarball)
	}))
	defer server.Close()

	t.Run("extracts files, honors ignore list, parses metadata", func(t *testing.T) {
		scratch := t.TempDir()
		dest := t.TempDir()

		result, err := testClient().FetchBlob(context.Background(), server.URL+"/v2/org/feat/blobs/sha256:irrelevant", registry.BlobOptions{
			ScratchDir:       scratch,
			DestDir:          dest,
			IgnoreSubstrings: []string{"NOTES.md"},
			MetadataFile:     "devcontainer-feature.json",
		})
		require.NoError(t, err)

		assert.Contains(t, result.Files, filepath.Join(dest, "install.sh"))
		assert.Contains(t, result.Files, filepath.Join(dest, "devcontainer-feature.json"))
		assert.NotContains(t, result.Files, filepath.Join(dest, "NOTES.md"))
		_, err = os.Stat(filepath.Join(dest, "NOTES.md"))
		assert.True(t, os.IsNotExist(err))

		var metadata struct {
			ID      string `json:"id"`
			Version string `json:"version"`
		}
		require.NoError(t, json.Unmarshal(result.Metadata, &metadata))
		assert.Equal(t, "feat", metadata.ID)
		assert.Equal(t, "1.0.0", metadata.Version)
	})

	t.Run("absent metadata file yields nil metadata", func(t *testing.T) {
		result, err := testClient().FetchBlob(context.Background(), server.URL+"/v2/org/feat/blobs/sha256:irrelevant", registry.BlobOptions{
			ScratchDir:   t.TempDir(),
			DestDir:      t.TempDir(),
			MetadataFile: "missing.json",
		})
		require.NoError(t, err)
		assert.Nil(t, result.Metadata)
	})

	t.Run("http failure is uniform", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "denied", http.StatusForbidden)
		}))
		defer failing.Close()

		_, err := testClient().FetchBlob(context.Background(), failing.URL+"/v2/org/feat/blobs/sha256:irrelevant", registry.BlobOptions{
			ScratchDir: t.TempDir(),
			DestDir:    t.TempDir(),
		})
		assert.ErrorIs(t, err, registry.ErrRequestFailed)
	})
}
