package feature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
	"oras.land/oras-go/v2/errdef"

	"github.com/featplan/featplan/featref"
	"github.com/featplan/featplan/internal/log"
	"github.com/featplan/featplan/registry"
)

const realm = "feature"

// ErrNoLayer is returned when a feature manifest declares no layers to
// fetch content from.
var ErrNoLayer = errors.New("feature manifest declares no layers")

// Resolved is a fully discovered feature: its manifest identity, parsed
// metadata and the files extracted from its content blob.
type Resolved struct {
	Ref      featref.ArtifactRef
	Manifest *registry.ManifestContainer
	Metadata *Metadata
	Files    []string
}

// CanonicalID is the content-addressed identity of the resolved feature.
func (r *Resolved) CanonicalID() string {
	return r.Manifest.CanonicalID
}

// Loader retrieves feature metadata through the registry client and caches
// results for the lifetime of one resolution run, keyed by canonical id.
// Repeated references inside one run never re-fetch, and concurrent loads
// of the same feature collapse to a single in-flight retrieval.
type Loader struct {
	client  *registry.Client
	workDir string

	mu    sync.RWMutex
	cache map[string]*Resolved
	byRef map[string]string

	group singleflight.Group
}

// NewLoader creates a loader scoped to one resolution run. workDir is the
// base directory for per-feature scratch and destination directories.
func NewLoader(client *registry.Client, workDir string) *Loader {
	return &Loader{
		client:  client,
		workDir: workDir,
		cache:   make(map[string]*Resolved),
		byRef:   make(map[string]string),
	}
}

// Load resolves the reference's manifest, downloads its content blob
// filtered to the declared metadata file, and parses the metadata.
//
// The manifest fetch establishes the canonical id; if a feature with the
// same canonical id was already loaded in this run, the cached result is
// returned without touching the network again.
func (l *Loader) Load(ctx context.Context, ref featref.ArtifactRef) (_ *Resolved, err error) {
	done := log.Operation(ctx, realm, "load feature", slog.String("ref", ref.String()))
	defer func() { done(err) }()

	// A reference string seen before in this run maps to a known canonical
	// id, skipping even the manifest round trip.
	l.mu.RLock()
	canonicalID, seen := l.byRef[ref.String()]
	l.mu.RUnlock()
	if seen {
		if resolved, ok := l.cached(canonicalID); ok {
			return resolved, nil
		}
	}

	manifest, err := l.client.FetchManifest(ctx, ref, "")
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.byRef[ref.String()] = manifest.CanonicalID
	l.mu.Unlock()

	if resolved, ok := l.cached(manifest.CanonicalID); ok {
		return resolved, nil
	}

	// Concurrent fetches of the same canonical id must not race writes
	// into the same destination directory.
	result, err, _ := l.group.Do(manifest.CanonicalID, func() (any, error) {
		if resolved, ok := l.cached(manifest.CanonicalID); ok {
			return resolved, nil
		}
		resolved, err := l.fetch(ctx, ref, manifest)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache[manifest.CanonicalID] = resolved
		l.mu.Unlock()
		return resolved, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Resolved), nil
}

func (l *Loader) cached(canonicalID string) (*Resolved, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	resolved, ok := l.cache[canonicalID]
	return resolved, ok
}

func (l *Loader) fetch(ctx context.Context, ref featref.ArtifactRef, manifest *registry.ManifestContainer) (*Resolved, error) {
	if len(manifest.Manifest.Layers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoLayer, ref)
	}
	layer := manifest.Manifest.Layers[0]

	// Scratch and destination directories are per canonical id so that
	// concurrent fetches of different features never share paths.
	dir := filepath.Join(l.workDir, manifest.ContentDigest.Encoded())
	blob, err := l.client.FetchBlob(ctx, l.client.BlobURL(ref, layer.Digest), registry.BlobOptions{
		ScratchDir:   filepath.Join(dir, "scratch"),
		DestDir:      filepath.Join(dir, "content"),
		MetadataFile: MetadataFileName,
	})
	if err != nil {
		return nil, err
	}
	if blob.Metadata == nil {
		return nil, fmt.Errorf("%w: %s carries no %s", errdef.ErrNotFound, ref, MetadataFileName)
	}

	metadata, err := ParseMetadata(blob.Metadata)
	if err != nil {
		return nil, err
	}

	return &Resolved{
		Ref:      ref,
		Manifest: manifest,
		Metadata: metadata,
		Files:    blob.Files,
	}, nil
}
