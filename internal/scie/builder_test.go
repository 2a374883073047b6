package scie

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/sciefab/internal/assembler"
	"github.com/3leaps/sciefab/internal/assembler/assemblertest"
	"github.com/3leaps/sciefab/internal/config"
	"github.com/3leaps/sciefab/internal/host/github"
	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/platform"
	"github.com/3leaps/sciefab/internal/provision"
)

type fakeAssets struct {
	mu      sync.Mutex
	calls   []platform.Platform
	fail    map[platform.Platform]error
	digest  string
	baseURL string
}

func (f *fakeAssets) ResolveAsset(_ context.Context, p platform.Platform, release, constraint string, overrides provision.Overrides) (model.AssetReference, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	f.mu.Unlock()
	if err := f.fail[p]; err != nil {
		return model.AssetReference{}, err
	}
	filename := provision.Filename(constraint, release, p, "install_only")
	ref := model.AssetReference{
		Spec:       model.InterpreterSpec{Release: release, Version: constraint, Platform: p},
		Filename:   filename,
		DefaultURL: provision.DefaultURL(f.baseURL, release, filename),
		Digest:     f.digest,
	}
	return overrides.Apply(ref), nil
}

type fakeTools struct {
	tool *assembler.Tool
	err  error
}

func (f *fakeTools) Resolve(context.Context, model.AssemblerToolSpec) (*assembler.Tool, error) {
	return f.tool, f.err
}

func newTestBuilder(t *testing.T) (*Builder, *fakeAssets, string) {
	t.Helper()
	assemblertest.SkipOnWindows(t)

	providers, err := config.EmbeddedProviders()
	require.NoError(t, err)

	toolDir := t.TempDir()
	assets := &fakeAssets{
		digest:  strings.Repeat("ab", 32),
		baseURL: providers.Interpreter.DownloadBase,
	}
	b := &Builder{
		Assets:         assets,
		Tools:          &fakeTools{tool: &assembler.Tool{Path: assemblertest.Write(t, toolDir, "0.3.2")}},
		Transport:      github.NewClient("https://api.github.com", github.UserAgent("test"), 10*time.Second),
		Providers:      *providers,
		InterpreterDir: filepath.Join(t.TempDir(), "interpreters"),
		Workers:        2,
	}

	work := t.TempDir()
	archive := filepath.Join(work, "cowsay.pex")
	require.NoError(t, os.WriteFile(archive, []byte("PK fake pex"), 0o644))
	return b, assets, archive
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestBuildSinglePlatformUsesBareName(t *testing.T) {
	b, _, archive := newTestBuilder(t)

	arts, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms:   []platform.Platform{platform.LinuxX8664},
		Release:     "20221002",
		Version:     "3.10.7",
	})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	require.Equal(t, filepath.Join(filepath.Dir(archive), "cowsay"), arts[0].Path)
	require.Contains(t, arts[0].Asset.Filename, "3.10.7+20221002")

	// Output dir holds the archive and the launcher only.
	require.Equal(t, []string{"cowsay", "cowsay.pex"}, dirNames(t, filepath.Dir(archive)))

	info, err := os.Stat(arts[0].Path)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o100, "launcher must be executable")
}

func TestBuildArchiveDirHoldsOnlyArchiveAndLaunchers(t *testing.T) {
	b, _, archive := newTestBuilder(t)
	current, err := platform.Current()
	if err != nil {
		t.Skipf("host platform: %v", err)
	}
	four := []platform.Platform{
		platform.LinuxAarch64, platform.LinuxX8664, platform.MacosAarch64, platform.MacosX8664,
	}

	arts, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms:   append(append([]platform.Platform(nil), four...), current),
		Release:     "20221002",
		Version:     "3.10.7",
	})
	require.NoError(t, err)

	want := []string{"cowsay.pex"}
	for _, p := range platform.Dedupe(append(append([]platform.Platform(nil), four...), current)) {
		want = append(want, p.QualifiedBinaryName("cowsay"))
	}
	sort.Strings(want)
	require.Len(t, arts, len(want)-1)
	require.Equal(t, want, dirNames(t, filepath.Dir(archive)))
	require.NoFileExists(t, filepath.Join(filepath.Dir(archive), "cowsay"))
	if slices.Contains(four, current) {
		require.Len(t, want, 5)
	}
}

func TestBuildPerPlatformVersionsAndEntries(t *testing.T) {
	b, _, archive := newTestBuilder(t)
	out := t.TempDir()

	versions := map[platform.Platform]string{
		platform.LinuxAarch64: "3.9",
		platform.LinuxX8664:   "3.10",
		platform.MacosAarch64: "3.11",
		platform.MacosX8664:   "3.12",
	}
	perPlatform := make(map[platform.Platform]model.PlatformOverride)
	for p, v := range versions {
		perPlatform[p] = model.PlatformOverride{Version: v}
	}
	perPlatform[platform.MacosX8664] = model.PlatformOverride{
		Version: "3.12",
		Entry:   model.EntryDescriptor{Exe: "{runtime}/python/bin/python3.12", Args: []string{"-m", "cowsay"}},
	}

	arts, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms:   []platform.Platform{platform.LinuxAarch64, platform.LinuxX8664, platform.MacosAarch64, platform.MacosX8664},
		Release:     "20221002",
		Version:     "3.8",
		PerPlatform: perPlatform,
		OutputDir:   out,
	})
	require.NoError(t, err)
	require.Len(t, arts, 4)
	for _, a := range arts {
		require.Equal(t, versions[a.Platform], a.Asset.Spec.Version, a.Platform.String())

		launcher, err := os.ReadFile(a.Path)
		require.NoError(t, err)
		want := `exe = "{runtime}/python/bin/python3"`
		if a.Platform == platform.MacosX8664 {
			want = `exe = "{runtime}/python/bin/python3.12"`
		}
		require.Contains(t, string(launcher), "# "+want+"\n", a.Platform.String())
	}

	_, err = b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms:   []platform.Platform{platform.LinuxX8664},
		PerPlatform: map[platform.Platform]model.PlatformOverride{platform.WindowsX8664: {Version: "3.11"}},
		OutputDir:   out,
	})
	require.ErrorContains(t, err, "windows-x86_64, which is not being built")
}

func TestBuildLiftCarriesBootstrapSettings(t *testing.T) {
	b, _, archive := newTestBuilder(t)

	arts, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms:   []platform.Platform{platform.LinuxX8664},
		Release:     "20221002",
		Version:     "3.10.7",
		OutputDir:   t.TempDir(),
	})
	require.NoError(t, err)
	launcher, err := os.ReadFile(arts[0].Path)
	require.NoError(t, err)
	for _, line := range []string{
		"# [lift.bootstrap]",
		`# tool = "` + b.Providers.Bootstrap.Tool + `"`,
		`# overrides_env = "SCIEFAB_BOOTSTRAP_URLS"`,
		`# base_env = "SCIE_BASE"`,
	} {
		require.Contains(t, string(launcher), line+"\n")
	}
}

func TestBuildMultiPlatformSuffixesEveryArtifact(t *testing.T) {
	b, assets, archive := newTestBuilder(t)
	out := t.TempDir()

	arts, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms: []platform.Platform{
			platform.LinuxX8664, platform.WindowsX8664, platform.LinuxX8664, platform.MacosAarch64,
		},
		Release:   "20221002",
		Version:   "3.10.7",
		OutputDir: out,
	})
	require.NoError(t, err)
	require.Len(t, arts, 3)

	var got []platform.Platform
	for _, a := range arts {
		got = append(got, a.Platform)
	}
	require.Equal(t, []platform.Platform{platform.LinuxX8664, platform.WindowsX8664, platform.MacosAarch64}, got)
	require.Equal(t, []string{"cowsay-linux-x86_64", "cowsay-macos-aarch64", "cowsay-windows-x86_64.exe"}, dirNames(t, out))
	require.Len(t, assets.calls, 3, "duplicates must be resolved once")
}

func TestBuildForceSuffixAndArchiveCollision(t *testing.T) {
	b, _, archive := newTestBuilder(t)

	arts, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms:   []platform.Platform{platform.LinuxAarch64},
		Release:     "20221002",
		Version:     "3.10.7",
		ForceSuffix: true,
	})
	require.NoError(t, err)
	require.Equal(t, "cowsay-linux-aarch64", filepath.Base(arts[0].Path))

	// An extensionless archive must never be replaced by its launcher.
	bare := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(bare, []byte("zipapp"), 0o644))
	arts, err = b.Build(context.Background(), model.BuildRequest{
		ArchivePath: bare,
		Platforms:   []platform.Platform{platform.LinuxX8664},
		Release:     "20221002",
		Version:     "3.10.7",
	})
	require.NoError(t, err)
	require.Equal(t, "tool-linux-x86_64", filepath.Base(arts[0].Path))
	data, err := os.ReadFile(bare)
	require.NoError(t, err)
	require.Equal(t, "zipapp", string(data))
}

func TestBuildPartialFailureReportsEveryPlatform(t *testing.T) {
	b, assets, archive := newTestBuilder(t)
	assets.fail = map[platform.Platform]error{
		platform.LinuxS390x: model.NewVersionResolution(
			"No released assets found for release 20221002 Python 3.13 of flavor install_only."),
		platform.WindowsAarch64: model.NewUnsupportedTarget(
			"No released assets found for release 20221002 targeting windows-aarch64 of flavor install_only."),
	}
	out := t.TempDir()

	arts, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms: []platform.Platform{
			platform.WindowsAarch64, platform.LinuxX8664, platform.LinuxS390x,
		},
		Release:   "20221002",
		Version:   "3.13",
		OutputDir: out,
	})
	require.Error(t, err)

	var be *BuildError
	require.True(t, errors.As(err, &be))
	require.True(t, errors.Is(err, ErrPartialBuild))
	require.True(t, errors.Is(err, model.ErrUnsupportedTarget))
	require.True(t, errors.Is(err, model.ErrVersionResolution))
	require.Equal(t, []platform.Platform{platform.WindowsAarch64, platform.LinuxS390x}, be.FailedPlatforms())

	require.Equal(t, "Failed to build 2 scies:\n"+
		"windows-aarch64: Provider: No released assets found for release 20221002 targeting windows-aarch64 of flavor install_only.\n"+
		"linux-s390x: Provider: No released assets found for release 20221002 Python 3.13 of flavor install_only.",
		err.Error())

	// The resolvable platform was built and kept.
	require.Len(t, arts, 1)
	require.Equal(t, platform.LinuxX8664, arts[0].Platform)
	require.Equal(t, []string{"cowsay-linux-x86_64"}, dirNames(t, out))
}

func TestBuildSingleFailureWording(t *testing.T) {
	b, assets, archive := newTestBuilder(t)
	assets.fail = map[platform.Platform]error{
		platform.LinuxX8664: model.NewVersionResolution("No released assets found for release 20221002 Python 3.13 of flavor install_only."),
	}

	arts, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms:   []platform.Platform{platform.LinuxX8664},
		Release:     "20221002",
		Version:     "3.13",
	})
	require.Empty(t, arts)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrPartialBuild))
	require.True(t, strings.HasPrefix(err.Error(), "Failed to build 1 scie:\n"))
}

func TestBuildToolFailureIsFatal(t *testing.T) {
	b, assets, archive := newTestBuilder(t)
	b.Tools = &fakeTools{err: &model.ToolError{Err: fmt.Errorf("science 0.2.0 is older than the minimum supported version 0.3.0")}}

	_, err := b.Build(context.Background(), model.BuildRequest{ArchivePath: archive, Release: "20221002", Version: "3.10.7"})
	require.ErrorIs(t, err, model.ErrToolResolution)
	require.Empty(t, assets.calls)
	require.Equal(t, []string{"cowsay.pex"}, dirNames(t, filepath.Dir(archive)))
}

func TestBuildAssemblerFailureIsPerPlatform(t *testing.T) {
	b, _, archive := newTestBuilder(t)
	t.Setenv("FAKE_SCIENCE_FAIL", "macos-x86_64")
	out := t.TempDir()

	arts, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms:   []platform.Platform{platform.MacosX8664, platform.LinuxArmv7l},
		Release:     "20221002",
		Version:     "3.10.7",
		OutputDir:   out,
	})
	var be *BuildError
	require.True(t, errors.As(err, &be))
	require.Equal(t, []platform.Platform{platform.MacosX8664}, be.FailedPlatforms())
	require.Contains(t, err.Error(), "cannot build for macos-x86_64")
	require.False(t, errors.Is(err, model.ErrToolResolution), "an assembler run failure is not a tool resolution failure")
	require.Len(t, arts, 1)
	require.Equal(t, []string{"cowsay-linux-armv7l"}, dirNames(t, out))
}

func TestBuildLazyRequiresDigest(t *testing.T) {
	b, assets, archive := newTestBuilder(t)
	assets.digest = ""

	_, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms:   []platform.Platform{platform.LinuxX8664},
		Release:     "20221002",
		Version:     "3.10.7",
	})
	require.ErrorIs(t, err, model.ErrIntegrity)
}

func TestBuildEagerFetchesInterpreter(t *testing.T) {
	b, assets, archive := newTestBuilder(t)

	payload := []byte("pretend interpreter tarball")
	sum := sha256.Sum256(payload)
	assets.digest = hex.EncodeToString(sum[:])
	mirror := filepath.Join(t.TempDir(), "cpython.tar.gz")
	require.NoError(t, os.WriteFile(mirror, payload, 0o644))

	p := platform.LinuxX8664
	filename := provision.Filename("3.10.7", "20221002", p, "install_only")
	arts, err := b.Build(context.Background(), model.BuildRequest{
		ArchivePath: archive,
		Platforms:   []platform.Platform{p},
		Style:       platform.Eager,
		Release:     "20221002",
		Version:     "3.10.7",
		Overrides:   map[string]string{filename: "file://" + filepath.ToSlash(mirror)},
	})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	require.Equal(t, assets.digest, arts[0].Asset.Digest)
	require.Equal(t, "file://"+filepath.ToSlash(mirror), arts[0].Asset.URL())

	cached, err := os.ReadFile(filepath.Join(b.InterpreterDir, filename))
	require.NoError(t, err)
	require.Equal(t, payload, cached)
}

func TestBuildRejectsBadRequests(t *testing.T) {
	b, _, archive := newTestBuilder(t)
	ctx := context.Background()

	_, err := b.Build(ctx, model.BuildRequest{})
	require.Error(t, err)

	_, err = b.Build(ctx, model.BuildRequest{ArchivePath: filepath.Join(t.TempDir(), "missing.pex")})
	require.Error(t, err)

	_, err = b.Build(ctx, model.BuildRequest{ArchivePath: filepath.Dir(archive)})
	require.ErrorContains(t, err, "not a regular file")

	_, err = b.Build(ctx, model.BuildRequest{ArchivePath: archive, Name: "a/b"})
	require.ErrorContains(t, err, "invalid scie name")
}

func TestDefaultEntry(t *testing.T) {
	t.Parallel()

	require.Equal(t, "{runtime}/python/bin/python3", DefaultEntry(platform.LinuxX8664).Exe)
	require.Equal(t, "{runtime}/python/python.exe", DefaultEntry(platform.WindowsX8664).Exe)
	require.Equal(t, []string{"{archive}"}, DefaultEntry(platform.MacosAarch64).Args)
}
