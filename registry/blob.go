package registry

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlepage/go-tarfs"
	"github.com/tailscale/hujson"

	"github.com/featplan/featplan/internal/log"
)

// scratchTarballName is the file the blob is downloaded to inside the
// scratch directory before extraction.
const scratchTarballName = "blob.tar"

// BlobOptions controls a single blob download and extraction.
type BlobOptions struct {
	// ScratchDir receives the downloaded tarball and the extracted
	// metadata file. Must not be shared between concurrent fetches of
	// different features.
	ScratchDir string

	// DestDir receives the extracted archive contents.
	DestDir string

	// IgnoreSubstrings skips any archive entry whose path contains one of
	// these substrings.
	IgnoreSubstrings []string

	// MetadataFile, when non-empty, names a top-level archive entry that
	// is extracted separately into the scratch directory and parsed as
	// JSON permitting comments.
	MetadataFile string
}

// BlobResult is the outcome of a blob download and extraction.
type BlobResult struct {
	// Files lists every extracted regular file, in archive order.
	Files []string

	// Metadata is the standardized JSON content of the metadata file, or
	// nil when no metadata file was requested or present.
	Metadata json.RawMessage
}

// FetchBlob downloads the blob behind url into a scratch tarball and
// extracts it into the destination directory.
//
// Any HTTP or extraction failure yields a failure; partial extraction is
// not rolled back, so a re-run overwrites already extracted files
// (last-write-wins).
func (c *Client) FetchBlob(ctx context.Context, url string, opts BlobOptions) (_ *BlobResult, err error) {
	done := log.Operation(ctx, realm, "fetch blob", slog.String("url", url))
	defer func() { done(err) }()

	if err := os.MkdirAll(opts.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating scratch dir: %w", ErrExtractionFailed, err)
	}
	if err := os.MkdirAll(opts.DestDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating destination dir: %w", ErrExtractionFailed, err)
	}

	tarball := filepath.Join(opts.ScratchDir, scratchTarballName)
	if err := c.download(ctx, url, tarball); err != nil {
		return nil, err
	}

	files, err := extract(ctx, tarball, opts.DestDir, opts.IgnoreSubstrings)
	if err != nil {
		return nil, err
	}

	result := &BlobResult{Files: files}
	if opts.MetadataFile != "" {
		metadata, err := readArchiveMetadata(tarball, opts.MetadataFile)
		if err != nil {
			return nil, err
		}
		result.Metadata = metadata
	}
	return result, nil
}

func (c *Client) download(ctx context.Context, url, target string) (err error) {
	resp, err := c.do(ctx, "GET", url, "application/octet-stream")
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, resp.Body.Close())
	}()

	if !successful(resp) {
		return fmt.Errorf("%w: blob %s: status %d", ErrRequestFailed, url, resp.StatusCode)
	}

	file, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("%w: creating scratch tarball: %w", ErrExtractionFailed, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return fmt.Errorf("%w: downloading blob: %w", ErrExtractionFailed, err)
	}
	return nil
}

// extract unpacks every regular file of the tarball into destDir, skipping
// entries matching the ignore list and entries that would escape destDir.
func extract(ctx context.Context, tarball, destDir string, ignoreSubstrings []string) (_ []string, err error) {
	logger := log.Realm(ctx, realm)

	file, err := os.Open(tarball)
	if err != nil {
		return nil, fmt.Errorf("%w: opening scratch tarball: %w", ErrExtractionFailed, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	var files []string
	reader := tar.NewReader(file)
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading archive: %w", ErrExtractionFailed, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.Clean(strings.TrimPrefix(header.Name, "./"))
		if !filepath.IsLocal(name) {
			logger.Warn("skipping archive entry that would escape the destination", slog.String("entry", header.Name))
			continue
		}
		if containsAny(header.Name, ignoreSubstrings) {
			logger.Debug("skipping ignored archive entry", slog.String("entry", header.Name))
			continue
		}

		target := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating directory for %s: %w", ErrExtractionFailed, name, err)
		}
		if err := writeFile(target, fs.FileMode(header.Mode), reader); err != nil {
			return nil, err
		}
		files = append(files, target)
	}
	return files, nil
}

func writeFile(target string, mode fs.FileMode, content io.Reader) (err error) {
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrExtractionFailed, target, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()
	if _, err := io.Copy(file, content); err != nil {
		return fmt.Errorf("%w: extracting %s: %w", ErrExtractionFailed, target, err)
	}
	return nil
}

// readArchiveMetadata performs an independent extraction limited to exactly
// the named top-level entry and parses it as JSON permitting comments and
// trailing commas. A missing entry yields nil metadata, not an error.
func readArchiveMetadata(tarball, name string) (_ json.RawMessage, err error) {
	file, err := os.Open(tarball)
	if err != nil {
		return nil, fmt.Errorf("%w: opening scratch tarball: %w", ErrExtractionFailed, err)
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	tfs, err := tarfs.New(file)
	if err != nil {
		return nil, fmt.Errorf("%w: indexing archive: %w", ErrExtractionFailed, err)
	}

	data, err := fs.ReadFile(tfs, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrExtractionFailed, name, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrExtractionFailed, name, err)
	}
	return standardized, nil
}

func containsAny(s string, substrings []string) bool {
	for _, substring := range substrings {
		if strings.Contains(s, substring) {
			return true
		}
	}
	return false
}
