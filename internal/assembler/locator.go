package assembler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/3leaps/sciefab/internal/config"
	"github.com/3leaps/sciefab/internal/ctxlog"
	"github.com/3leaps/sciefab/internal/host/github"
	"github.com/3leaps/sciefab/internal/hostenv"
	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/platform"
	"github.com/3leaps/sciefab/internal/verify"
	"github.com/3leaps/sciefab/pkg/version"
)

const maxSidecar = 64 << 10

// Transport downloads tool binaries and their checksum and signature files.
type Transport interface {
	FetchBytes(ctx context.Context, url string, limit int64) ([]byte, error)
	DownloadTo(ctx context.Context, url, dir, pattern string) (*github.Download, error)
}

// Locator resolves an AssemblerToolSpec to a runnable binary in the Cache.
type Locator struct {
	Cache     *Cache
	Transport Transport
	// DownloadBase is the release root, e.g. https://github.com/a-scie/lift/releases.
	DownloadBase string
	Name         string
	Floor        version.Version
	Host         platform.Platform
}

func NewLocator(p config.AssemblerProvider, cache *Cache, t Transport) (*Locator, error) {
	floor, err := version.Parse(p.MinimumVersion)
	if err != nil {
		return nil, fmt.Errorf("assembler minimum version: %w", err)
	}
	host, err := platform.Current()
	if err != nil {
		return nil, &model.ToolError{Err: err}
	}
	return &Locator{
		Cache:        cache,
		Transport:    t,
		DownloadBase: strings.TrimRight(p.DownloadBase, "/"),
		Name:         p.Name,
		Floor:        floor,
		Host:         host,
	}, nil
}

// Resolve returns the tool selected by spec, fetching it at most once per
// key across concurrent callers. An explicit URL wins over a pinned version;
// with neither the latest release is used.
func (l *Locator) Resolve(ctx context.Context, spec model.AssemblerToolSpec) (*Tool, error) {
	var (
		key string
		fn  func() (*Tool, error)
	)
	switch {
	case spec.URL != "":
		key = "url:" + spec.URL
		fn = func() (*Tool, error) { return l.resolveURL(ctx, spec) }
	case spec.Version != "":
		key = "version:" + version.Normalize(spec.Version)
		fn = func() (*Tool, error) { return l.resolveVersion(ctx, spec) }
	default:
		key = "latest"
		fn = func() (*Tool, error) { return l.resolveLatest(ctx, spec) }
	}

	v, err, _ := l.Cache.group.Do(key, func() (any, error) { return fn() })
	if err != nil {
		return nil, err
	}
	return v.(*Tool), nil
}

func (l *Locator) resolveURL(ctx context.Context, spec model.AssemblerToolSpec) (*Tool, error) {
	if ver, ok := l.Cache.lookupURL(spec.URL); ok {
		if p, ok := l.Cache.lookupVersion(ver); ok {
			return l.tool(p, ver, spec.URL)
		}
	}
	t, err := l.fetch(ctx, spec.URL, spec, nil)
	if err != nil {
		return nil, err
	}
	if err := l.Cache.rememberURL(spec.URL, t.Version.String()); err != nil {
		ctxlog.FromContext(ctx).Warn("Could not index tool URL.", "url", spec.URL, "err", err)
	}
	return t, nil
}

func (l *Locator) resolveVersion(ctx context.Context, spec model.AssemblerToolSpec) (*Tool, error) {
	want, err := version.Parse(spec.Version)
	if err != nil || !want.Complete() {
		return nil, &model.ToolError{Err: fmt.Errorf("pinned %s version %q must be MAJOR.MINOR.PATCH", l.Name, spec.Version)}
	}
	if !version.AtLeast(want, l.Floor) {
		return nil, &model.ToolError{Err: l.floorError(want)}
	}
	if p, ok := l.Cache.lookupVersion(want.String()); ok {
		return l.tool(p, want.String(), "")
	}
	url := fmt.Sprintf("%s/download/v%s/%s", l.DownloadBase, want, l.assetName())
	return l.fetch(ctx, url, spec, &want)
}

func (l *Locator) resolveLatest(ctx context.Context, spec model.AssemblerToolSpec) (*Tool, error) {
	if ver, ok := l.Cache.cachedLatest(); ok {
		if p, ok := l.Cache.lookupVersion(ver); ok {
			return l.tool(p, ver, "")
		}
	}
	url := fmt.Sprintf("%s/latest/download/%s", l.DownloadBase, l.assetName())
	t, err := l.fetch(ctx, url, spec, nil)
	if err != nil {
		// Without network the newest cached release is as good as latest.
		if ver, ok := l.Cache.newestCached(l.Floor); ok {
			ctxlog.FromContext(ctx).Warn("Using cached assembler; latest release unavailable.",
				"version", ver, "err", err)
			l.Cache.rememberLatest(ver)
			return l.tool(l.Cache.BinaryPath(ver), ver, "")
		}
		return nil, err
	}
	l.Cache.rememberLatest(t.Version.String())
	return t, nil
}

// fetch downloads url into the cache root, verifies it, checks the version
// it reports, and installs it into its version slot.
func (l *Locator) fetch(ctx context.Context, url string, spec model.AssemblerToolSpec, want *version.Version) (*Tool, error) {
	log := ctxlog.FromContext(ctx).With("tool", l.Name, "url", url)

	if err := os.MkdirAll(l.Cache.Root(), 0o755); err != nil {
		return nil, &model.ToolError{Source: url, Err: fmt.Errorf("create cache: %w", err)}
	}
	if err := hostenv.CheckExecutable(l.Cache.Root()); err != nil {
		return nil, &model.ToolError{Source: url, Err: err}
	}

	log.Info("Fetching assembler tool.")
	pattern := ".download-*"
	if runtime.GOOS == "windows" {
		pattern += ".exe"
	}
	d, err := l.Transport.DownloadTo(ctx, url, l.Cache.Root(), pattern)
	if err != nil {
		return nil, &model.ToolError{Source: url, Err: err}
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(d.Path)
		}
	}()

	if err := l.verifyChecksum(ctx, url, d); err != nil {
		return nil, &model.ToolError{Source: url, Err: err}
	}
	if spec.MinisignKey != "" {
		if err := l.verifySignature(ctx, url, d.Path, spec.MinisignKey); err != nil {
			return nil, &model.ToolError{Source: url, Err: err}
		}
	}
	if err := os.Chmod(d.Path, 0o755); err != nil {
		return nil, &model.ToolError{Source: url, Err: fmt.Errorf("chmod: %w", err)}
	}

	got, err := queryVersion(ctx, d.Path)
	if err != nil {
		return nil, &model.ToolError{Source: url, Err: fmt.Errorf("not executable: %w", err)}
	}
	if want != nil && version.Compare(got, *want) != 0 {
		return nil, &model.ToolError{Source: url, Err: fmt.Errorf("reports version %s, expected %s", got, want)}
	}
	if !version.AtLeast(got, l.Floor) {
		return nil, &model.ToolError{Source: url, Err: l.floorError(got)}
	}

	p, err := l.Cache.install(d.Path, got.String())
	if err != nil {
		return nil, &model.ToolError{Source: url, Err: err}
	}
	keep = true
	log.Info("Cached assembler tool.", "version", got.String(), "path", p)
	return &Tool{Path: p, Version: got}, nil
}

// verifyChecksum checks a published <url>.sha256 when one exists.
func (l *Locator) verifyChecksum(ctx context.Context, url string, d *github.Download) error {
	data, err := l.Transport.FetchBytes(ctx, url+".sha256", maxSidecar)
	if errors.Is(err, github.ErrNotFound) {
		ctxlog.FromContext(ctx).Debug("No checksum published for tool.", "url", url)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch checksum: %w", err)
	}
	want, err := verify.ExtractChecksum(data, "sha256", path.Base(url))
	if err != nil {
		return err
	}
	return verify.CheckDigest(d.Path, d.Size, want, d.SHA256)
}

func (l *Locator) verifySignature(ctx context.Context, url, binPath, key string) error {
	sig, err := l.Transport.FetchBytes(ctx, url+".minisig", maxSidecar)
	if err != nil {
		return fmt.Errorf("fetch signature: %w", err)
	}
	// #nosec G304 -- freshly downloaded file in the cache root
	content, err := os.ReadFile(binPath)
	if err != nil {
		return fmt.Errorf("read download: %w", err)
	}
	return verify.VerifyMinisign(content, sig, key)
}

func (l *Locator) tool(p, ver, source string) (*Tool, error) {
	v, err := version.Parse(ver)
	if err != nil {
		return nil, &model.ToolError{Source: source, Err: err}
	}
	if !version.AtLeast(v, l.Floor) {
		return nil, &model.ToolError{Source: source, Err: l.floorError(v)}
	}
	return &Tool{Path: p, Version: v}, nil
}

func (l *Locator) assetName() string {
	return l.Host.QualifiedBinaryName(l.Name)
}

func (l *Locator) floorError(v version.Version) error {
	return fmt.Errorf("%s %s is older than the minimum supported version %s", l.Name, v, l.Floor)
}
