package assembler

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/3leaps/sciefab/pkg/version"
)

// Cache is the process-wide store of assembler binaries, laid out as
// <root>/<version>/bin/<name>. Explicit URLs are indexed under
// <root>/urls/<sha256(url)> holding the version the binary reported, so two
// URLs serving the same version share one slot.
type Cache struct {
	root string
	name string

	mu        sync.Mutex
	byVersion map[string]string
	byURL     map[string]string
	latest    string

	group singleflight.Group
}

func NewCache(root, name string) *Cache {
	return &Cache{
		root:      root,
		name:      name,
		byVersion: make(map[string]string),
		byURL:     make(map[string]string),
	}
}

func (c *Cache) Root() string { return c.root }

// BinaryPath is the slot for ver.
func (c *Cache) BinaryPath(ver string) string {
	name := c.name
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(c.root, ver, "bin", name)
}

// lookupVersion returns the cached binary for ver, consulting disk when the
// in-memory map has no entry.
func (c *Cache) lookupVersion(ver string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byVersion[ver]; ok {
		return p, true
	}
	p := c.BinaryPath(ver)
	if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
		c.byVersion[ver] = p
		return p, true
	}
	return "", false
}

// lookupURL returns the version previously fetched from url.
func (c *Cache) lookupURL(url string) (string, bool) {
	c.mu.Lock()
	if ver, ok := c.byURL[url]; ok {
		c.mu.Unlock()
		return ver, true
	}
	c.mu.Unlock()

	// #nosec G304 -- index path is derived from a digest under the cache root
	data, err := os.ReadFile(c.urlIndexPath(url))
	if err != nil {
		return "", false
	}
	ver := strings.TrimSpace(string(data))
	if _, err := version.Parse(ver); err != nil {
		return "", false
	}
	c.mu.Lock()
	c.byURL[url] = ver
	c.mu.Unlock()
	return ver, true
}

func (c *Cache) rememberURL(url, ver string) error {
	c.mu.Lock()
	c.byURL[url] = ver
	c.mu.Unlock()

	path := c.urlIndexPath(url)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir url index: %w", err)
	}
	return writeFileAtomic(path, []byte(ver+"\n"), 0o644)
}

func (c *Cache) rememberLatest(ver string) {
	c.mu.Lock()
	c.latest = ver
	c.mu.Unlock()
}

func (c *Cache) cachedLatest() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, c.latest != ""
}

func (c *Cache) urlIndexPath(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(c.root, "urls", hex.EncodeToString(sum[:]))
}

// install moves a verified binary into the slot for ver. When the slot is
// already populated the existing binary wins and tmpPath is discarded.
func (c *Cache) install(tmpPath, ver string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dest := c.BinaryPath(ver)
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		_ = os.Remove(tmpPath)
		c.byVersion[ver] = dest
		return dest, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(dest), err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("install %s: %w", dest, err)
	}
	c.byVersion[ver] = dest
	return dest, nil
}

// newestCached scans the version slots on disk for the newest one at or
// above floor.
func (c *Cache) newestCached(floor version.Version) (string, bool) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return "", false
	}
	var (
		best  version.Version
		found bool
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := version.Parse(e.Name())
		if err != nil || !v.Complete() || !version.AtLeast(v, floor) {
			continue
		}
		if _, err := os.Stat(c.BinaryPath(e.Name())); err != nil {
			continue
		}
		if !found || version.Compare(v, best) > 0 {
			best, found = v, true
		}
	}
	if !found {
		return "", false
	}
	return best.String(), true
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	if err := os.Chmod(f.Name(), perm); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	return nil
}
