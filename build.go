package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/3leaps/sciefab/internal/assembler"
	"github.com/3leaps/sciefab/internal/cli"
	"github.com/3leaps/sciefab/internal/config"
	"github.com/3leaps/sciefab/internal/ctxlog"
	"github.com/3leaps/sciefab/internal/host/github"
	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/platform"
	"github.com/3leaps/sciefab/internal/provision"
	"github.com/3leaps/sciefab/internal/publish"
	"github.com/3leaps/sciefab/internal/scie"
	"github.com/3leaps/sciefab/internal/verify"
)

const (
	envPublishAccessKey = "SCIEFAB_PUBLISH_ACCESS_KEY"
	envPublishSecretKey = "SCIEFAB_PUBLISH_SECRET_KEY"
)

type buildFlags struct {
	configPath     string
	archive        string
	name           string
	platforms      cli.StringList
	style          string
	release        string
	pythonVersion  string
	platformVers   cli.KeyValues
	outputDir      string
	forceSuffix    bool
	checksums      bool
	entryExe       string
	entryArgs      cli.StringList
	entryEnv       cli.KeyValues
	scienceURL     string
	scienceVersion string
	scienceKey     string
	overrides      string
	cacheDir       string
	workers        int
	offline        bool
	jsonOut        bool
	logLevel       string
	logFormat      string

	publishEndpoint string
	publishBucket   string
	publishPrefix   string
	publishRegion   string
	publishInsecure bool
}

func newBuildFlagSet(f *buildFlags, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("sciefab build", flag.ContinueOnError)
	fs.SetOutput(output)
	f.entryEnv = cli.KeyValues{}
	f.platformVers = cli.KeyValues{}

	fs.StringVar(&f.configPath, "config", "", "YAML build file; flags override its values")
	fs.StringVar(&f.archive, "archive", "", "application archive to wrap (e.g. app.pex)")
	fs.StringVar(&f.name, "name", "", "launcher name (default: archive name without extension)")
	fs.Var(&f.platforms, "platform", "target platform token or 'current' (repeatable)")
	fs.StringVar(&f.style, "style", "", "interpreter style: lazy (fetch on first run) or eager (embed)")
	fs.StringVar(&f.release, "release", "", "interpreter release tag, e.g. 20221002 (default: latest)")
	fs.StringVar(&f.pythonVersion, "python-version", "", "Python version or prefix, e.g. 3.10 (default: newest)")
	fs.Var(f.platformVers, "platform-version", "PLATFORM=VERSION interpreter version for one platform (repeatable)")
	fs.StringVar(&f.outputDir, "output-dir", "", "directory for launchers (default: archive directory)")
	fs.BoolVar(&f.forceSuffix, "force-suffix", false, "always append the platform to launcher names")
	fs.BoolVar(&f.checksums, "checksums", false, "write "+verify.SumsFile+" next to the launchers")
	fs.StringVar(&f.entryExe, "entry-exe", "", "entry executable; {runtime} and {archive} are expanded")
	fs.Var(&f.entryArgs, "entry-arg", "entry argument (repeatable)")
	fs.Var(f.entryEnv, "entry-env", "entry environment KEY=VALUE (repeatable)")
	fs.StringVar(&f.scienceURL, "science-url", "", "assembler binary URL")
	fs.StringVar(&f.scienceVersion, "science-version", "", "assembler version, e.g. 0.3.0")
	fs.StringVar(&f.scienceKey, "science-minisign-key", "", "minisign public key (file or base64) for the assembler binary")
	fs.StringVar(&f.overrides, "overrides", "", "interpreter URL override file")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "cache root (default: $"+config.EnvRoot+" or user cache dir)")
	fs.IntVar(&f.workers, "workers", 0, "concurrent platform builds")
	fs.BoolVar(&f.offline, "offline", false, "resolve from the local cache only (tools, release listings, checksums)")
	fs.BoolVar(&f.jsonOut, "json", false, "JSON output for CI")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: text or json")
	fs.StringVar(&f.publishEndpoint, "publish-endpoint", "", "S3-compatible endpoint host[:port]")
	fs.StringVar(&f.publishBucket, "publish-bucket", "", "bucket for built launchers")
	fs.StringVar(&f.publishPrefix, "publish-prefix", "", "object key prefix")
	fs.StringVar(&f.publishRegion, "publish-region", "", "bucket region")
	fs.BoolVar(&f.publishInsecure, "publish-insecure", false, "talk to the endpoint over plain http")
	return fs
}

func runBuild(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var f buildFlags
	fs := newBuildFlagSet(&f, stderr)
	if help, err := cli.ParseFlags(fs, args); help || err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return cli.Usage("error: unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	set := cli.Visited(fs)

	cfg, err := buildConfig(&f, set)
	if err != nil {
		return err
	}
	ctx = ctxlog.WithLogger(ctx, ctxlog.New(cfg.LogLevel, cfg.LogFormat, stderr))

	bf := &config.BuildFile{}
	if f.configPath != "" {
		if bf, err = config.LoadBuildFile(f.configPath); err != nil {
			return err
		}
		anchorPaths(bf, filepath.Dir(f.configPath))
	}
	req, err := buildRequest(&f, set, bf, cfg.Providers.Bootstrap.Tool)
	if err != nil {
		return err
	}

	builder, err := newBuilder(cfg)
	if err != nil {
		return err
	}
	artifacts, buildErr := builder.Build(ctx, req)
	if err := printArtifacts(stdout, artifacts, f.jsonOut); err != nil {
		return err
	}
	if buildErr != nil {
		return buildErr
	}

	var extra []string
	if f.checksums || bf.Checksums {
		sums, err := writeSums(artifacts)
		if err != nil {
			return err
		}
		ctxlog.FromContext(ctx).Info("Wrote checksums.", "path", sums)
		extra = append(extra, sums)
	}

	pc := publishConfig(&f, set, bf.Publish)
	if !pc.Enabled() {
		return nil
	}
	uploader, err := publish.NewUploader(pc)
	if err != nil {
		return err
	}
	_, err = uploader.Upload(ctx, artifacts, extra...)
	return err
}

// writeSums covers the launchers of one build, which share an output dir.
func writeSums(artifacts []model.BuildArtifact) (string, error) {
	var dir string
	paths := make([]string, len(artifacts))
	for i, a := range artifacts {
		paths[i] = a.Path
		dir = filepath.Dir(a.Path)
	}
	return verify.WriteSums(dir, paths)
}

// buildConfig layers flags over environment over defaults.
func buildConfig(f *buildFlags, set map[string]bool) (config.Config, error) {
	base, err := config.Defaults()
	if err != nil {
		return config.Config{}, err
	}
	cfg, err := config.FromEnv(base)
	if err != nil {
		return config.Config{}, err
	}
	if set["cache-dir"] {
		cfg.Root = f.cacheDir
	}
	if set["workers"] {
		cfg.Workers = f.workers
	}
	if set["offline"] {
		cfg.Offline = f.offline
	}
	if set["log-level"] {
		switch strings.ToLower(f.logLevel) {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = f.logLevel
		default:
			return config.Config{}, cli.Usage("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
		}
	}
	if set["log-format"] {
		switch strings.ToLower(f.logFormat) {
		case "text", "json":
			cfg.LogFormat = f.logFormat
		default:
			return config.Config{}, cli.Usage("invalid log-format: must be 'text' or 'json'")
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, cli.Usage("%v", err)
	}
	return cfg, nil
}

// anchorPaths resolves relative paths in a build file against its directory.
func anchorPaths(bf *config.BuildFile, dir string) {
	if bf.Archive != "" && !filepath.IsAbs(bf.Archive) {
		bf.Archive = filepath.Join(dir, bf.Archive)
	}
	if bf.OutputDir != "" && !filepath.IsAbs(bf.OutputDir) {
		bf.OutputDir = filepath.Join(dir, bf.OutputDir)
	}
}

func buildRequest(f *buildFlags, set map[string]bool, bf *config.BuildFile, tool string) (model.BuildRequest, error) {
	pick := func(flagName, flagValue, fileValue string) string {
		if set[flagName] {
			return flagValue
		}
		return fileValue
	}

	req := model.BuildRequest{
		ArchivePath: pick("archive", f.archive, bf.Archive),
		Name:        pick("name", f.name, bf.Name),
		Release:     pick("release", f.release, bf.Release),
		Version:     pick("python-version", f.pythonVersion, bf.PythonVersion),
		OutputDir:   pick("output-dir", f.outputDir, bf.OutputDir),
		ForceSuffix: bf.ForceSuffix || f.forceSuffix,
		Tool: model.AssemblerToolSpec{
			URL:         pick("science-url", f.scienceURL, bf.Science.URL),
			Version:     pick("science-version", f.scienceVersion, bf.Science.Version),
			MinisignKey: pick("science-minisign-key", f.scienceKey, bf.Science.MinisignKey),
		},
	}
	if req.ArchivePath == "" {
		return model.BuildRequest{}, cli.Usage("error: --archive is required (or set archive in --config)")
	}

	tokens := bf.Platforms
	if set["platform"] {
		tokens = f.platforms
	}
	platforms, err := platform.ParseAll(tokens)
	if err != nil {
		return model.BuildRequest{}, err
	}
	req.Platforms = platforms

	style := pick("style", f.style, bf.Style)
	req.Style = platform.Lazy
	if style != "" {
		if req.Style, err = platform.ParseStyle(style); err != nil {
			return model.BuildRequest{}, cli.Usage("error: %v", err)
		}
	}

	switch {
	case set["entry-exe"]:
		req.Entry = model.EntryDescriptor{Exe: f.entryExe, Args: f.entryArgs}
		if len(f.entryEnv) > 0 {
			req.Entry.Env = f.entryEnv
		}
	case set["entry-arg"] || set["entry-env"]:
		return model.BuildRequest{}, cli.Usage("error: --entry-arg and --entry-env require --entry-exe")
	default:
		req.Entry = bf.Entry
	}

	if req.PerPlatform, err = perPlatform(bf.PerPlatform, f.platformVers, req.Platforms); err != nil {
		return model.BuildRequest{}, err
	}

	overrides := provision.Overrides(bf.Overrides)
	if f.overrides != "" {
		fromFile, err := provision.LoadOverrides(f.overrides, tool)
		if err != nil {
			return model.BuildRequest{}, err
		}
		overrides = overrides.Merge(fromFile)
	}
	if len(overrides) > 0 {
		req.Overrides = overrides
	}
	return req, nil
}

// perPlatform merges build file platform sections with --platform-version
// flags; flags win for the version. File sections for platforms outside an
// explicit platform list are dropped so --platform can narrow a build file.
func perPlatform(sections map[string]config.PlatformSection, versions cli.KeyValues, requested []platform.Platform) (map[platform.Platform]model.PlatformOverride, error) {
	if len(sections) == 0 && len(versions) == 0 {
		return nil, nil
	}
	out := make(map[platform.Platform]model.PlatformOverride, len(sections)+len(versions))
	for token, sec := range sections {
		p, err := platform.Parse(token)
		if err != nil {
			return nil, fmt.Errorf("per_platform: %w", err)
		}
		if len(requested) > 0 && !slices.Contains(requested, p) {
			continue
		}
		out[p] = model.PlatformOverride{Version: sec.PythonVersion, Entry: sec.Entry}
	}
	for token, v := range versions {
		p, err := platform.Parse(token)
		if err != nil {
			return nil, cli.Usage("error: --platform-version: %v", err)
		}
		o := out[p]
		o.Version = v
		out[p] = o
	}
	return out, nil
}

func newBuilder(cfg config.Config) (*scie.Builder, error) {
	client := github.NewClient(cfg.APIBase, github.UserAgent(version), cfg.HTTPTimeout)
	client.Offline = cfg.Offline

	releases := &provision.ReleaseCache{Dir: cfg.ReleaseCacheDir()}
	index := provision.NewGitHubIndex(client, cfg.Providers.Interpreter.Repo)
	index.Cache = releases
	resolver, err := provision.NewResolver(cfg.Providers.Interpreter, index, client)
	if err != nil {
		return nil, err
	}
	resolver.Cache = releases
	resolver.Offline = cfg.Offline
	locator, err := assembler.NewLocator(cfg.Providers.Assembler,
		assembler.NewCache(cfg.ToolCacheDir(), cfg.Providers.Assembler.Name), client)
	if err != nil {
		return nil, err
	}
	return &scie.Builder{
		Assets:         resolver,
		Tools:          locator,
		Transport:      client,
		Providers:      cfg.Providers,
		InterpreterDir: cfg.InterpreterCacheDir(),
		Workers:        cfg.Workers,
	}, nil
}

func publishConfig(f *buildFlags, set map[string]bool, section config.PublishSection) publish.Config {
	pc := publish.FromSection(section)
	if set["publish-endpoint"] {
		pc.Endpoint = f.publishEndpoint
	}
	if set["publish-bucket"] {
		pc.Bucket = f.publishBucket
	}
	if set["publish-prefix"] {
		pc.Prefix = f.publishPrefix
	}
	if set["publish-region"] {
		pc.Region = f.publishRegion
	}
	if set["publish-insecure"] {
		pc.UseSSL = !f.publishInsecure
	}
	pc.AccessKey = config.String(envPublishAccessKey, pc.AccessKey)
	pc.SecretKey = config.String(envPublishSecretKey, pc.SecretKey)
	return pc
}

func printArtifacts(w io.Writer, artifacts []model.BuildArtifact, jsonOut bool) error {
	if jsonOut {
		if artifacts == nil {
			artifacts = []model.BuildArtifact{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(artifacts)
	}
	for _, a := range artifacts {
		fmt.Fprintln(w, a.Path)
	}
	return nil
}
