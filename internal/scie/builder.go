// Package scie builds one native launcher per requested platform by feeding
// generated manifests to the assembler tool.
package scie

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/sciefab/internal/assembler"
	"github.com/3leaps/sciefab/internal/config"
	"github.com/3leaps/sciefab/internal/ctxlog"
	"github.com/3leaps/sciefab/internal/manifest"
	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/platform"
	"github.com/3leaps/sciefab/internal/provision"
)

const (
	interpreterID = "cpython"
	liftFile      = "lift.toml"
	stagingPrefix = ".sciefab-"
)

type AssetResolver interface {
	ResolveAsset(ctx context.Context, p platform.Platform, release, constraint string, overrides provision.Overrides) (model.AssetReference, error)
}

type ToolResolver interface {
	Resolve(ctx context.Context, spec model.AssemblerToolSpec) (*assembler.Tool, error)
}

// Builder runs scie builds. It is safe for concurrent use; the tool cache
// behind Tools is shared by every build.
type Builder struct {
	Assets    AssetResolver
	Tools     ToolResolver
	Transport provision.Transport
	Providers config.Providers
	// InterpreterDir caches verified distributions for eager builds.
	InterpreterDir string
	// Workers bounds concurrent platform builds; < 1 means GOMAXPROCS.
	Workers int
}

type plan struct {
	req       model.BuildRequest
	name      string
	outDir    string
	platforms []platform.Platform
	names     map[platform.Platform]string
}

// Build produces one launcher per platform of req. Every platform is
// attempted; when any fail the returned *BuildError names each failure and
// the artifacts that were built are returned alongside it.
func (b *Builder) Build(ctx context.Context, req model.BuildRequest) ([]model.BuildArtifact, error) {
	pl, err := b.plan(req)
	if err != nil {
		return nil, err
	}
	buildID := uuid.New()
	log := ctxlog.FromContext(ctx).With("build", buildID.String(), "name", pl.name)
	ctx = ctxlog.WithLogger(ctx, log)

	tool, err := b.Tools.Resolve(ctx, req.Tool)
	if err != nil {
		return nil, err
	}
	log.Info("Building scies.", "platforms", len(pl.platforms), "style", req.Style.String(), "tool", tool.Version.String())

	staging := filepath.Join(pl.outDir, stagingPrefix+buildID.String())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			log.Warn("Could not remove staging dir.", "path", staging, "err", err)
		}
	}()

	workers := b.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	type result struct {
		artifact model.BuildArtifact
		err      error
	}
	results := make([]result, len(pl.platforms))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, p := range pl.platforms {
		g.Go(func() error {
			art, err := b.buildOne(ctx, pl, tool, p, filepath.Join(staging, p.String()))
			results[i] = result{artifact: art, err: err}
			// Failures are collected, not propagated, so every platform runs.
			return nil
		})
	}
	_ = g.Wait()

	var (
		artifacts []model.BuildArtifact
		failures  []PlatformFailure
	)
	for i, r := range results {
		if r.err != nil {
			failures = append(failures, PlatformFailure{Platform: pl.platforms[i], Err: r.err})
			continue
		}
		artifacts = append(artifacts, r.artifact)
	}
	if len(failures) > 0 {
		return artifacts, &BuildError{Failures: failures, Succeeded: artifacts}
	}
	return artifacts, nil
}

func (b *Builder) plan(req model.BuildRequest) (*plan, error) {
	if req.ArchivePath == "" {
		return nil, errors.New("no application archive given")
	}
	archive, err := filepath.Abs(req.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("archive path: %w", err)
	}
	info, err := os.Stat(archive)
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("archive %s is not a regular file", archive)
	}
	req.ArchivePath = archive

	if req.Style == 0 {
		req.Style = platform.Lazy
	}

	platforms := platform.Dedupe(req.Platforms)
	if len(platforms) == 0 {
		cur, err := platform.Current()
		if err != nil {
			return nil, err
		}
		platforms = []platform.Platform{cur}
	}

	for p := range req.PerPlatform {
		if !slices.Contains(platforms, p) {
			return nil, fmt.Errorf("per-platform settings for %s, which is not being built", p)
		}
	}

	name := req.Name
	if name == "" {
		name = appName(archive)
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid scie name %q", name)
	}

	outDir := req.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(archive)
	}
	if outDir, err = filepath.Abs(outDir); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	return &plan{
		req:       req,
		name:      name,
		outDir:    outDir,
		platforms: platforms,
		names:     artifactNames(name, platforms, req.ForceSuffix, outDir, archive),
	}, nil
}

// artifactNames assigns output file names. A lone platform gets the bare
// application name unless a suffix is forced or the bare name would replace
// the archive itself; otherwise every platform is suffixed with its token.
func artifactNames(name string, platforms []platform.Platform, forceSuffix bool, outDir, archive string) map[platform.Platform]string {
	names := make(map[platform.Platform]string, len(platforms))
	if len(platforms) == 1 && !forceSuffix {
		p := platforms[0]
		bare := p.BinaryName(name)
		if filepath.Join(outDir, bare) != archive {
			names[p] = bare
			return names
		}
	}
	for _, p := range platforms {
		names[p] = p.QualifiedBinaryName(name)
	}
	return names
}

func appName(archive string) string {
	base := filepath.Base(archive)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

func (b *Builder) buildOne(ctx context.Context, pl *plan, tool *assembler.Tool, p platform.Platform, dir string) (model.BuildArtifact, error) {
	log := ctxlog.FromContext(ctx).With("platform", p.String())
	req := pl.req

	ref, err := b.Assets.ResolveAsset(ctx, p, req.Release, req.VersionFor(p), provision.Overrides(req.Overrides))
	if err != nil {
		return model.BuildArtifact{}, err
	}
	log.Debug("Resolved interpreter.", "asset", ref.Filename, "url", ref.URL())

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.BuildArtifact{}, fmt.Errorf("create staging dir: %w", err)
	}

	archiveName := filepath.Base(req.ArchivePath)
	files := []assembler.FileBinding{{Name: archiveName, Path: req.ArchivePath}}
	liftFiles := []manifest.File{{Name: archiveName}}

	switch req.Style {
	case platform.Eager:
		fetched, err := provision.Fetch(ctx, b.Transport, ref, b.InterpreterDir)
		if err != nil {
			return model.BuildArtifact{}, err
		}
		ref.Digest = fetched.Digest
		ref.Size = fetched.Size
		files = append(files, assembler.FileBinding{Name: ref.Filename, Path: fetched.Path})
		liftFiles = append(liftFiles, manifest.File{Name: ref.Filename, Digest: fetched.Digest})
	default:
		if ref.Digest == "" {
			return model.BuildArtifact{}, fmt.Errorf("%w: no published sha256 for %s; an on-demand launcher could not verify it",
				model.ErrIntegrity, ref.Filename)
		}
	}

	entry := req.EntryFor(p)
	if entry.Exe == "" {
		entry = DefaultEntry(p)
	}

	launch := &manifest.Launch{
		Name:         pl.name,
		Platform:     p.String(),
		Style:        req.Style.String(),
		Tool:         b.Providers.Bootstrap.Tool,
		Archive:      archiveName,
		Asset:        manifest.NewLaunchAsset(ref),
		Entry:        entry,
		OverridesEnv: b.Providers.Bootstrap.OverridesEnv,
		BaseEnv:      b.Providers.Bootstrap.BaseEnv,
	}
	launchData, err := launch.Encode()
	if err != nil {
		return model.BuildArtifact{}, err
	}
	launchPath := filepath.Join(dir, manifest.LaunchFile)
	if err := os.WriteFile(launchPath, launchData, 0o644); err != nil {
		return model.BuildArtifact{}, fmt.Errorf("write launch manifest: %w", err)
	}
	files = append(files, assembler.FileBinding{Name: manifest.LaunchFile, Path: launchPath})
	liftFiles = append(liftFiles, manifest.File{Name: manifest.LaunchFile})

	lift := &manifest.Lift{Lift: manifest.LiftSpec{
		Name:      pl.name,
		Platforms: []string{p.String()},
		Interpreters: []manifest.Interpreter{{
			ID:       interpreterID,
			Provider: b.Providers.Interpreter.Provider,
			Release:  ref.Spec.Release,
			Version:  ref.Spec.Version,
			Flavor:   b.Providers.Interpreter.Flavor,
			Lazy:     req.Style == platform.Lazy,
			Filename: ref.Filename,
			URL:      ref.URL(),
			Digest:   ref.Digest,
			Size:     ref.Size,
		}},
		Files:    liftFiles,
		Commands: []manifest.Command{{Exe: entry.Exe, Args: entry.Args, Env: entry.Env}},
		Bootstrap: &manifest.Bootstrap{
			Tool:         b.Providers.Bootstrap.Tool,
			OverridesEnv: b.Providers.Bootstrap.OverridesEnv,
			BaseEnv:      b.Providers.Bootstrap.BaseEnv,
		},
	}}
	liftPath := filepath.Join(dir, liftFile)
	if err := lift.WriteFile(liftPath); err != nil {
		return model.BuildArtifact{}, err
	}

	out, err := tool.Build(ctx, assembler.Invocation{Manifest: liftPath, Files: files, DestDir: dir})
	if err != nil {
		return model.BuildArtifact{}, fmt.Errorf("assemble %s: %w", p, err)
	}
	log.Debug("Assembler finished.", "output", out)

	produced := filepath.Join(dir, p.BinaryName(pl.name))
	info, err := os.Stat(produced)
	if err != nil {
		return model.BuildArtifact{}, fmt.Errorf("assembler produced no launcher at %s", produced)
	}
	final := filepath.Join(pl.outDir, pl.names[p])
	if err := os.Rename(produced, final); err != nil {
		return model.BuildArtifact{}, fmt.Errorf("install %s: %w", final, err)
	}
	if err := os.Chmod(final, 0o755); err != nil {
		return model.BuildArtifact{}, fmt.Errorf("chmod %s: %w", final, err)
	}

	log.Info("Built scie.", "path", final, "size", humanize.Bytes(uint64(info.Size())))
	return model.BuildArtifact{Platform: p, Path: final, Asset: ref}, nil
}

// DefaultEntry runs the application archive with the interpreter's python.
func DefaultEntry(p platform.Platform) model.EntryDescriptor {
	exe := "{runtime}/python/bin/python3"
	if p.IsWindows() {
		exe = "{runtime}/python/python.exe"
	}
	return model.EntryDescriptor{Exe: exe, Args: []string{"{archive}"}}
}
