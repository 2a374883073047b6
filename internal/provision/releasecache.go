package provision

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/sciefab/internal/model"
)

const latestFile = "latest"

// ErrNotCached is returned in offline mode for index data never seen online.
var ErrNotCached = errors.New("not in the offline cache")

// ReleaseCache keeps release listings and their checksum files on disk so a
// warm cache can resolve interpreters without network access. Layout:
//
//	<Dir>/latest                 tag of the last latest release seen
//	<Dir>/<tag>/release.json     release listing
//	<Dir>/<tag>/<checksum file>  checksum file bodies
type ReleaseCache struct {
	Dir string
}

func (c *ReleaseCache) tagDir(tag string) (string, error) {
	if !validRelease(tag) {
		return "", fmt.Errorf("release cache: invalid tag %q", tag)
	}
	return filepath.Join(c.Dir, tag), nil
}

// LoadLatest returns the release last stored as latest.
func (c *ReleaseCache) LoadLatest() (*model.Release, error) {
	data, err := os.ReadFile(filepath.Join(c.Dir, latestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("latest release: %w", ErrNotCached)
	}
	if err != nil {
		return nil, fmt.Errorf("release cache: %w", err)
	}
	return c.LoadRelease(strings.TrimSpace(string(data)))
}

func (c *ReleaseCache) LoadRelease(tag string) (*model.Release, error) {
	dir, err := c.tagDir(tag)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is built from a validated release tag
	data, err := os.ReadFile(filepath.Join(dir, "release.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("release %s: %w", tag, ErrNotCached)
	}
	if err != nil {
		return nil, fmt.Errorf("release cache: %w", err)
	}
	var rel model.Release
	if err := json.Unmarshal(data, &rel); err != nil {
		return nil, fmt.Errorf("release cache: parse %s: %w", tag, err)
	}
	if rel.TagName != tag {
		return nil, fmt.Errorf("release cache: %s holds release %q", tag, rel.TagName)
	}
	return &rel, nil
}

// StoreRelease records rel, and marks it latest when asked.
func (c *ReleaseCache) StoreRelease(rel *model.Release, latest bool) error {
	dir, err := c.tagDir(rel.TagName)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rel)
	if err != nil {
		return fmt.Errorf("release cache: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, "release.json"), data); err != nil {
		return err
	}
	if latest {
		return writeAtomic(filepath.Join(c.Dir, latestFile), []byte(rel.TagName+"\n"))
	}
	return nil
}

func (c *ReleaseCache) LoadChecksums(tag, name string) ([]byte, error) {
	path, err := c.checksumPath(tag, name)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is built from a validated tag and asset base name
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checksums %s of release %s: %w", name, tag, ErrNotCached)
	}
	if err != nil {
		return nil, fmt.Errorf("release cache: %w", err)
	}
	return data, nil
}

func (c *ReleaseCache) StoreChecksums(tag, name string, data []byte) error {
	path, err := c.checksumPath(tag, name)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func (c *ReleaseCache) checksumPath(tag, name string) (string, error) {
	dir, err := c.tagDir(tag)
	if err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) || name == "release.json" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("release cache: invalid checksum file name %q", name)
	}
	return filepath.Join(dir, name), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("release cache: %w", err)
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("release cache: %w", err)
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("release cache: write %s: %w", path, err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("release cache: %w", err)
	}
	return nil
}
