// Package bootstrap is the first-run path of an on-demand scie: fetch the
// interpreter named by the launch manifest, verify its digest, populate a
// runtime directory, and run the application entry.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/3leaps/sciefab/internal/ctxlog"
	"github.com/3leaps/sciefab/internal/host/github"
	"github.com/3leaps/sciefab/internal/hostenv"
	"github.com/3leaps/sciefab/internal/manifest"
	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/provision"
	"github.com/3leaps/sciefab/internal/verify"
)

const (
	defaultBaseEnv      = "SCIE_BASE"
	defaultOverridesEnv = "SCIEFAB_BOOTSTRAP_URLS"
)

// Downloader streams a URL into a temporary file.
type Downloader interface {
	DownloadTo(ctx context.Context, url, dir, pattern string) (*github.Download, error)
}

type Options struct {
	// Base is the runtime cache root; runtimes live in <Base>/<digest>.
	Base string
	// OverridesPath optionally names a {tool: {filename: url}} file.
	OverridesPath string
	Downloader    Downloader
	Stdin         io.Reader
	Stdout        io.Writer
	Stderr        io.Writer
}

// OptionsFromEnv reads the base directory and override file from the
// variables the launch manifest names.
func OptionsFromEnv(l *manifest.Launch) (Options, error) {
	baseEnv := l.BaseEnv
	if baseEnv == "" {
		baseEnv = defaultBaseEnv
	}
	overridesEnv := l.OverridesEnv
	if overridesEnv == "" {
		overridesEnv = defaultOverridesEnv
	}

	base := strings.TrimSpace(os.Getenv(baseEnv))
	if base == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return Options{}, fmt.Errorf("determine runtime cache dir (set %s): %w", baseEnv, err)
		}
		base = filepath.Join(dir, "nce")
	}
	return Options{
		Base:          base,
		OverridesPath: strings.TrimSpace(os.Getenv(overridesEnv)),
		Stdin:         os.Stdin,
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
	}, nil
}

// Bootstrap is single-shot: one Ensure per value.
type Bootstrap struct {
	opts    Options
	machine Machine
}

func New(opts Options) *Bootstrap {
	return &Bootstrap{opts: opts}
}

func (b *Bootstrap) State() State { return b.machine.State() }

func (b *Bootstrap) Machine() *Machine { return &b.machine }

// RuntimeDir is where the runtime for l lives once ready.
func (b *Bootstrap) RuntimeDir(l *manifest.Launch) string {
	return filepath.Join(b.opts.Base, l.Asset.Digest)
}

// Ensure returns a populated runtime directory for l, downloading and
// verifying the interpreter when it is not cached yet. A runtime directory
// only ever appears through an atomic rename of a fully extracted tree.
func (b *Bootstrap) Ensure(ctx context.Context, l *manifest.Launch) (string, error) {
	if s := b.machine.State(); s != NotFetched {
		return "", fmt.Errorf("bootstrap: already ran (state %s)", s)
	}
	if !verify.IsSHA256(l.Asset.Digest) {
		return "", b.machine.fail(fmt.Errorf("launch manifest digest %q is not a sha256", l.Asset.Digest))
	}

	log := ctxlog.FromContext(ctx).With("asset", l.Asset.Filename)
	ready := b.RuntimeDir(l)
	if info, err := os.Stat(ready); err == nil && info.IsDir() {
		if err := b.machine.transition(Ready); err != nil {
			return "", err
		}
		log.Debug("Runtime ready.", "path", ready)
		return ready, nil
	}

	url, err := b.assetURL(l)
	if err != nil {
		return "", b.machine.fail(err)
	}
	if hostenv.ExecBlocked(b.opts.Base) {
		log.Warn("Runtime cache is on a noexec mount; the interpreter may fail to start.", "base", b.opts.Base)
	}

	if err := b.machine.transition(Downloading); err != nil {
		return "", err
	}
	if err := os.MkdirAll(b.opts.Base, 0o755); err != nil {
		return "", b.machine.fail(fmt.Errorf("create runtime cache: %w", err))
	}
	staging, err := os.MkdirTemp(b.opts.Base, ".tmp-")
	if err != nil {
		return "", b.machine.fail(fmt.Errorf("create staging dir: %w", err))
	}
	defer os.RemoveAll(staging)

	log.Info("Fetching interpreter.", "url", url)
	d, err := b.downloader().DownloadTo(ctx, url, staging, ".download-*")
	if err != nil {
		return "", b.machine.fail(fmt.Errorf("download %s: %w", url, err))
	}
	dest := filepath.Join(staging, l.Asset.Filename)
	if err := os.Rename(d.Path, dest); err != nil {
		return "", b.machine.fail(err)
	}

	if err := b.machine.transition(Verifying); err != nil {
		return "", err
	}
	if err := verify.CheckDigest(dest, d.Size, l.Asset.Digest, d.SHA256); err != nil {
		return "", b.machine.fail(fmt.Errorf("Population of work directory failed: %w", err))
	}

	tree := filepath.Join(staging, "runtime")
	if err := extractTarGz(dest, tree); err != nil {
		return "", b.machine.fail(fmt.Errorf("Population of work directory failed: %w", err))
	}
	if err := os.Rename(tree, ready); err != nil {
		// Another process may have won the race to the same digest.
		if info, statErr := os.Stat(ready); statErr != nil || !info.IsDir() {
			return "", b.machine.fail(fmt.Errorf("install runtime: %w", err))
		}
	}
	if err := b.machine.transition(Ready); err != nil {
		return "", err
	}
	log.Info("Runtime ready.", "path", ready, "size", humanize.Bytes(uint64(d.Size)))
	return ready, nil
}

func (b *Bootstrap) assetURL(l *manifest.Launch) (string, error) {
	ref := model.AssetReference{Filename: l.Asset.Filename, DefaultURL: l.Asset.URL}
	if b.opts.OverridesPath != "" {
		overrides, err := provision.LoadOverrides(b.opts.OverridesPath, l.Tool)
		if err != nil {
			return "", err
		}
		ref = overrides.Apply(ref)
	}
	return ref.URL(), nil
}

func (b *Bootstrap) downloader() Downloader {
	if b.opts.Downloader != nil {
		return b.opts.Downloader
	}
	return github.NewClient("https://api.github.com", github.UserAgent("bootstrap"), 0)
}

// Command builds the entry command with "{runtime}" and "{archive}" expanded.
// User args follow the entry's own args.
func Command(ctx context.Context, entry model.EntryDescriptor, runtimeDir, archive string, args []string) *exec.Cmd {
	r := strings.NewReplacer("{runtime}", runtimeDir, "{archive}", archive)

	argv := make([]string, 0, len(entry.Args)+len(args))
	for _, a := range entry.Args {
		argv = append(argv, r.Replace(a))
	}
	argv = append(argv, args...)

	// #nosec G204 -- entry comes from the launch manifest embedded at build time
	cmd := exec.CommandContext(ctx, filepath.FromSlash(r.Replace(entry.Exe)), argv...)
	cmd.Env = os.Environ()
	for k, v := range entry.Env {
		cmd.Env = append(cmd.Env, k+"="+r.Replace(v))
	}
	return cmd
}

// Exec runs the entry of l against runtimeDir and returns its exit code.
func (b *Bootstrap) Exec(ctx context.Context, l *manifest.Launch, runtimeDir, archive string, args []string) (int, error) {
	cmd := Command(ctx, l.Entry, runtimeDir, archive, args)
	cmd.Stdin = b.opts.Stdin
	cmd.Stdout = b.opts.Stdout
	cmd.Stderr = b.opts.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return 1, fmt.Errorf("run %s: %w", cmd.Path, err)
	}
	return 0, nil
}
