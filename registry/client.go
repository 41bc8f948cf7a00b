// Package registry implements a client for the OCI Distribution Spec
// surface needed to resolve features: manifest retrieval, tag listing,
// blob download with tar extraction, multi-platform index selection and
// content digest verification.
//
// The client is scoped to one resolution run. It owns the run's
// registry→authorization cache so that independent runs never share
// authentication state.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/featplan/featplan/featref"
)

const realm = "registry"

const (
	// MediaTypeFeatureConfig is the manifest config media type that marks
	// an artifact as a feature. Manifests with any other config media type
	// are not features and are reported as absent.
	MediaTypeFeatureConfig = "application/vnd.devcontainers"

	// MediaTypeFeatureLayer is the media type of the single tar layer
	// carrying a feature's file contents.
	MediaTypeFeatureLayer = "application/vnd.devcontainers.layer.v1+tar"
)

var (
	// ErrRequestFailed marks transport errors and non-2xx responses that
	// are not one of the special-cased absence conditions. There are no
	// retries; a failed request fails the operation.
	ErrRequestFailed = errors.New("registry request failed")

	// ErrExtractionFailed marks any failure while writing or unpacking a
	// downloaded blob tarball.
	ErrExtractionFailed = errors.New("blob extraction failed")
)

// Client performs authenticated calls against OCI distribution registries.
// The zero value is not usable; construct it with NewClient.
type Client struct {
	client            *auth.Client
	plainHTTP         bool
	artifactMediaType string
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	httpClient        *http.Client
	credential        auth.CredentialFunc
	plainHTTP         bool
	artifactMediaType string
	userAgent         string
}

// WithHTTPClient sets the underlying HTTP client used for all requests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = client
	}
}

// WithCredentials sets the credential source consulted on authentication
// challenges. Resolved tokens are cached per registry for the lifetime of
// the client.
func WithCredentials(credential auth.CredentialFunc) ClientOption {
	return func(o *clientOptions) {
		o.credential = credential
	}
}

// WithPlainHTTP switches the client to plain HTTP. Intended for tests and
// local registries.
func WithPlainHTTP(plain bool) ClientOption {
	return func(o *clientOptions) {
		o.plainHTTP = plain
	}
}

// WithArtifactMediaType overrides the manifest config media type required
// for a manifest to be accepted as a feature.
func WithArtifactMediaType(mediaType string) ClientOption {
	return func(o *clientOptions) {
		o.artifactMediaType = mediaType
	}
}

// WithUserAgent overrides the User-Agent header sent with every request.
func WithUserAgent(userAgent string) ClientOption {
	return func(o *clientOptions) {
		o.userAgent = userAgent
	}
}

// NewClient creates a client for one resolution run.
func NewClient(opts ...ClientOption) *Client {
	options := clientOptions{
		artifactMediaType: MediaTypeFeatureConfig,
		userAgent:         "featplan",
	}
	for _, opt := range opts {
		opt(&options)
	}

	authClient := &auth.Client{
		Client:     options.httpClient,
		Cache:      auth.NewCache(),
		Credential: options.credential,
	}
	authClient.SetUserAgent(options.userAgent)

	return &Client{
		client:            authClient,
		plainHTTP:         options.plainHTTP,
		artifactMediaType: options.artifactMediaType,
	}
}

func (c *Client) scheme() string {
	if c.plainHTTP {
		return "http"
	}
	return "https"
}

// BlobURL builds the distribution-spec URL of a blob within the
// repository the reference points at.
func (c *Client) BlobURL(ref featref.ArtifactRef, dgst digest.Digest) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme(), ref.Registry, ref.Path, dgst)
}

// do issues a single authenticated request. The auth client transparently
// answers token challenges and reuses cached authorization per registry.
func (c *Client) do(ctx context.Context, method, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, url, err)
	}
	return resp, nil
}

// validateRegistryHost rejects registry hostnames that contain no dot and
// are not localhost, so a bare word is never handed to DNS resolution.
func validateRegistryHost(registry string) error {
	host := registry
	if h, _, err := net.SplitHostPort(registry); err == nil {
		host = h
	}
	if host != "localhost" && !strings.Contains(host, ".") {
		return fmt.Errorf("%w: registry host %q must be localhost or a dotted name", errdef.ErrInvalidReference, registry)
	}
	return nil
}

func successful(resp *http.Response) bool {
	return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
