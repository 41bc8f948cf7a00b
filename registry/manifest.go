package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/opencontainers/go-digest"
	ociImageSpecV1 "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"

	"github.com/featplan/featplan/featref"
	"github.com/featplan/featplan/internal/log"
)

// headerContentDigest is the registry-supplied digest header. Header lookup
// through net/http is case-insensitive, which covers both conventional
// casings seen in the wild.
const headerContentDigest = "Docker-Content-Digest"

// ManifestContainer wraps a fetched manifest together with the exact bytes
// it was served as and the content-addressed identity derived from them.
//
// Two manifests with an equal CanonicalID are interchangeable.
type ManifestContainer struct {
	// Manifest is the decoded manifest object.
	Manifest ociImageSpecV1.Manifest

	// Raw is the exact serialized response body. The content digest is
	// always computed over these bytes, never over a re-serialization of
	// Manifest, which could silently diverge from the registry's own
	// digest.
	Raw []byte

	// ContentDigest is the registry-supplied digest, or the sha256 of Raw
	// when the registry did not supply one.
	ContentDigest digest.Digest

	// CanonicalID is "<resource>@<contentDigest>".
	CanonicalID string
}

// FetchManifest retrieves and decodes the manifest of the referenced
// feature artifact. When digestOverride is non-empty it is used in place of
// the reference's version, pinning the request to exact content.
//
// A non-2xx response or a manifest whose config media type does not match
// the expected artifact type means the referenced object legitimately does
// not exist as a feature; both are reported as errdef.ErrNotFound so that
// callers can distinguish absence from transport failure.
func (c *Client) FetchManifest(ctx context.Context, ref featref.ArtifactRef, digestOverride string) (*ManifestContainer, error) {
	logger := log.Realm(ctx, realm)

	if err := validateRegistryHost(ref.Registry); err != nil {
		return nil, err
	}

	version := ref.Version
	if digestOverride != "" {
		version = digestOverride
	}

	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme(), ref.Registry, ref.Path, version)
	resp, err := c.do(ctx, "GET", url, ociImageSpecV1.MediaTypeImageManifest)
	if err != nil {
		return nil, err
	}

	if !successful(resp) {
		logger.Debug("manifest request returned a non-2xx status",
			slog.String("url", url), slog.Int("status", resp.StatusCode))
		drain(resp.Body)
		return nil, fmt.Errorf("%w: manifest %s", errdef.ErrNotFound, ref)
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest body: %w", ErrRequestFailed, err)
	}

	var manifest ociImageSpecV1.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: decoding manifest: %w", ErrRequestFailed, err)
	}

	if manifest.Config.MediaType != c.artifactMediaType {
		logger.Debug("manifest config media type does not match the expected artifact type",
			slog.String("url", url),
			slog.String("mediaType", manifest.Config.MediaType),
			slog.String("expected", c.artifactMediaType))
		return nil, fmt.Errorf("%w: %s is not a %s artifact", errdef.ErrNotFound, ref, c.artifactMediaType)
	}

	contentDigest := digest.Digest(resp.Header.Get(headerContentDigest))
	if contentDigest.Validate() != nil {
		// No usable digest header; fall back to hashing the exact body.
		contentDigest = digest.FromBytes(raw)
	}

	if ref.Digest != "" && contentDigest.String() != ref.Digest {
		return nil, fmt.Errorf("%w: manifest digest %s does not match requested %s", errdef.ErrInvalidDigest, contentDigest, ref.Digest)
	}

	container := &ManifestContainer{
		Manifest:      manifest,
		Raw:           raw,
		ContentDigest: contentDigest,
		CanonicalID:   ref.Resource + "@" + contentDigest.String(),
	}
	logger.Debug("fetched manifest",
		slog.String("canonicalId", container.CanonicalID),
		slog.Int("layers", len(manifest.Layers)))
	return container, nil
}

// FetchIndex retrieves the multi-platform image index behind the reference.
// Absence semantics match FetchManifest.
func (c *Client) FetchIndex(ctx context.Context, ref featref.ArtifactRef) (*ociImageSpecV1.Index, error) {
	if err := validateRegistryHost(ref.Registry); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme(), ref.Registry, ref.Path, ref.Version)
	resp, err := c.do(ctx, "GET", url, ociImageSpecV1.MediaTypeImageIndex)
	if err != nil {
		return nil, err
	}

	if !successful(resp) {
		log.Realm(ctx, realm).Debug("index request returned a non-2xx status",
			slog.String("url", url), slog.Int("status", resp.StatusCode))
		drain(resp.Body)
		return nil, fmt.Errorf("%w: index %s", errdef.ErrNotFound, ref)
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: reading index body: %w", ErrRequestFailed, err)
	}

	var index ociImageSpecV1.Index
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("%w: decoding index: %w", ErrRequestFailed, err)
	}
	return &index, nil
}
