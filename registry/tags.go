package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/Masterminds/semver/v3"

	"github.com/featplan/featplan/featref"
	"github.com/featplan/featplan/internal/log"
)

// tagList is the wire shape of the distribution spec tag listing response.
type tagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListTags returns the published tags of the referenced feature.
//
// A 404 means the feature was never published and yields an empty list, not
// a failure; any other non-2xx response is a failure.
//
// When sorted is set, the literal tag "latest" is stripped, the remainder is
// ordered by semantic version precedence (identifier-wise, so "10" sorts
// after "2"), and "latest" is re-prepended if it was present: it is a
// convention marker, not a version value, and always sorts first.
func (c *Client) ListTags(ctx context.Context, ref featref.ArtifactRef, sorted bool) ([]string, error) {
	logger := log.Realm(ctx, realm)

	url := fmt.Sprintf("%s://%s/v2/%s/tags/list", c.scheme(), ref.Registry, ref.Path)
	resp, err := c.do(ctx, "GET", url, "application/json")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		logger.Debug("feature has never been published", slog.String("resource", ref.Resource))
		drain(resp.Body)
		return nil, nil
	}
	if !successful(resp) {
		drain(resp.Body)
		return nil, fmt.Errorf("%w: listing tags of %s: status %d", ErrRequestFailed, ref.Resource, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: reading tag list body: %w", ErrRequestFailed, err)
	}

	var list tagList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: decoding tag list: %w", ErrRequestFailed, err)
	}

	logger.Debug("listed tags", slog.String("resource", ref.Resource), slog.Int("count", len(list.Tags)))

	if !sorted {
		return list.Tags, nil
	}
	return sortTags(list.Tags), nil
}

// sortTags orders tags by semantic version precedence ascending, keeping
// "latest" in front and non-semver tags at the back in declaration order.
func sortTags(tags []string) []string {
	hasLatest := false
	versions := make([]*semver.Version, 0, len(tags))
	var unversioned []string

	for _, tag := range tags {
		if tag == featref.DefaultTag {
			hasLatest = true
			continue
		}
		version, err := semver.NewVersion(tag)
		if err != nil {
			unversioned = append(unversioned, tag)
			continue
		}
		versions = append(versions, version)
	}

	slices.SortFunc(versions, func(a, b *semver.Version) int {
		return a.Compare(b)
	})

	out := make([]string, 0, len(tags))
	if hasLatest {
		out = append(out, featref.DefaultTag)
	}
	for _, version := range versions {
		out = append(out, version.Original())
	}
	return append(out, unversioned...)
}
