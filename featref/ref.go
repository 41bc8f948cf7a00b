// Package featref parses loose user-supplied feature reference strings into
// normalized, structured artifact identifiers.
//
// A feature reference has the form
//
//	<registry>/<namespace...>/<id>[:<tag>|@sha256:<hex>]
//
// Identifiers are case-insensitive by convention; the whole input is folded
// to lowercase before any other processing. The resulting values are
// immutable once constructed.
package featref

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"oras.land/oras-go/v2/errdef"

	"github.com/featplan/featplan/internal/log"
)

const realm = "featref"

// DefaultTag is the tag assumed when a reference carries neither a tag nor
// a digest. It is a convention marker for the moving head of a feature,
// not a version value.
const DefaultTag = "latest"

const (
	// nameSegment is a single normalized name segment: lowercase
	// alphanumerics joined by single '.', '_' or '-' separators.
	nameSegment = `[a-z0-9]+(?:[._-][a-z0-9]+)*`

	// maxNameLength bounds tags and digest hex parts, mirroring the OCI
	// distribution spec's 128 character reference limit.
	maxNameLength = 128
)

var (
	// pathRegexp validates a slash-delimited artifact path such as
	// "owner/repo/feature-id".
	pathRegexp = regexp.MustCompile(`^` + nameSegment + `(?:/` + nameSegment + `)*$`)

	// nameRegexp validates a single tag or digest-hex component.
	nameRegexp = regexp.MustCompile(`^` + nameSegment + `$`)
)

// ArtifactRef is the normalized identity of a single versioned feature
// artifact in a registry.
type ArtifactRef struct {
	// Registry is the registry host, optionally with a port
	// (e.g. "ghcr.io", "localhost:5000").
	Registry string

	// Owner is the first namespace segment below the registry.
	Owner string

	// Namespace is every path segment between the registry and the id,
	// joined by slashes.
	Namespace string

	// Path is "<namespace>/<id>".
	Path string

	// ID is the final path segment naming the feature.
	ID string

	// Resource is "<registry>/<path>", the version-independent identity.
	Resource string

	// Version is the digest if present, otherwise the tag, otherwise
	// DefaultTag.
	Version string

	// Tag is the tag component, if the reference was given in tag form.
	Tag string

	// Digest is the full "sha256:<hex>" digest, if the reference was
	// given in digest form.
	Digest string
}

// String reconstructs the reference. The result is meaningful only for a
// valid reference.
func (r ArtifactRef) String() string {
	if r.Digest != "" {
		return r.Resource + "@" + r.Digest
	}
	if r.Tag != "" {
		return r.Resource + ":" + r.Tag
	}
	return r.Resource
}

// CollectionRef identifies a registry namespace's published-collection
// metadata artifact. Collections represent a continuously republished
// listing rather than an immutable unit, so they are always resolved at the
// moving head and never pinned.
type CollectionRef struct {
	Registry string
	Path     string
	Resource string
	Tag      string
	Version  string
}

// Parse parses a loose user string into an ArtifactRef.
//
// The version form is determined by scanning for the last '@' (digest form)
// before the last ':' (tag form). A colon before the final '/' is a registry
// port, not a tag. Absence of any qualifying separator defaults the tag to
// DefaultTag.
//
// Failures are returned as values wrapping errdef.ErrInvalidReference;
// diagnostic detail is written to the structured log, not embedded in the
// error.
func Parse(ctx context.Context, input string) (ArtifactRef, error) {
	logger := log.Realm(ctx, realm)
	input = strings.ToLower(input)

	var ref ArtifactRef

	resource := input
	if idx := strings.LastIndex(input, "@"); idx != -1 {
		// Digest form.
		resource = input[:idx]
		dgst := input[idx+1:]

		parts := strings.Split(dgst, ":")
		if len(parts) != 2 || parts[0] != "sha256" || !validName(parts[1]) {
			logger.Debug("reference carries a malformed digest", slog.String("input", input), slog.String("digest", dgst))
			return ArtifactRef{}, fmt.Errorf("%w: invalid digest in %q", errdef.ErrInvalidReference, input)
		}
		ref.Digest = dgst
	} else if idx := strings.LastIndex(input, ":"); idx != -1 && idx > strings.LastIndex(input, "/") {
		// Tag form. A colon before the last '/' belongs to the registry
		// host, not to the reference.
		resource = input[:idx]
		tag := input[idx+1:]

		if !validName(tag) {
			logger.Debug("reference carries a malformed tag", slog.String("input", input), slog.String("tag", tag))
			return ArtifactRef{}, fmt.Errorf("%w: invalid tag in %q", errdef.ErrInvalidReference, input)
		}
		ref.Tag = tag
	} else {
		ref.Tag = DefaultTag
	}

	segments := strings.Split(resource, "/")
	if len(segments) < 3 {
		logger.Debug("reference is missing registry, namespace or id segments", slog.String("input", input))
		return ArtifactRef{}, fmt.Errorf("%w: expected <registry>/<namespace>/<id>, got %q", errdef.ErrInvalidReference, input)
	}

	ref.Registry = segments[0]
	ref.ID = segments[len(segments)-1]
	ref.Owner = segments[1]
	ref.Namespace = strings.Join(segments[1:len(segments)-1], "/")
	ref.Path = ref.Namespace + "/" + ref.ID

	if !pathRegexp.MatchString(ref.Path) {
		logger.Debug("reference path does not satisfy the name grammar", slog.String("input", input), slog.String("path", ref.Path))
		return ArtifactRef{}, fmt.Errorf("%w: invalid path %q", errdef.ErrInvalidReference, ref.Path)
	}

	ref.Resource = ref.Registry + "/" + ref.Path

	switch {
	case ref.Digest != "":
		ref.Version = ref.Digest
	default:
		ref.Version = ref.Tag
	}

	return ref, nil
}

// ParseCollection builds the reference for a namespace's collection index
// artifact. The tag and version are hard-pinned to DefaultTag.
func ParseCollection(ctx context.Context, registry, namespace string) (CollectionRef, error) {
	registry = strings.ToLower(registry)
	namespace = strings.ToLower(namespace)

	if !pathRegexp.MatchString(namespace) {
		log.Realm(ctx, realm).Debug("collection namespace does not satisfy the name grammar", slog.String("registry", registry), slog.String("namespace", namespace))
		return CollectionRef{}, fmt.Errorf("%w: invalid collection namespace %q", errdef.ErrInvalidReference, namespace)
	}

	return CollectionRef{
		Registry: registry,
		Path:     namespace,
		Resource: registry + "/" + namespace,
		Tag:      DefaultTag,
		Version:  DefaultTag,
	}, nil
}

func validName(s string) bool {
	return len(s) <= maxNameLength && nameRegexp.MatchString(s)
}
