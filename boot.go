package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/3leaps/sciefab/internal/bootstrap"
	"github.com/3leaps/sciefab/internal/cli"
	"github.com/3leaps/sciefab/internal/config"
	"github.com/3leaps/sciefab/internal/ctxlog"
	"github.com/3leaps/sciefab/internal/host/github"
	"github.com/3leaps/sciefab/internal/manifest"
	"github.com/3leaps/sciefab/internal/selfexe"
)

// envBootLogLevel sets the log level of a stamped client, which has no flags
// of its own.
const envBootLogLevel = "SCIEFAB_LOG_LEVEL"

type bootParams struct {
	launch    *manifest.Launch
	archive   string
	base      string
	overrides string
	args      []string
}

func runBoot(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("sciefab boot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath := fs.String("manifest", "", "launch manifest JSON (default: the trailer of this executable)")
	archive := fs.String("archive", "", "application archive for {archive} (default: next to the manifest)")
	base := fs.String("base", "", "runtime cache base (default: $SCIE_BASE or user cache dir)")
	overrides := fs.String("overrides", "", "interpreter URL override file")
	logLevel := fs.String("log-level", "warn", "log level: debug, info, warn, error")
	if help, err := cli.ParseFlags(fs, args); help || err != nil {
		return err
	}

	var (
		l      *manifest.Launch
		anchor string
	)
	if *manifestPath != "" {
		// #nosec G304 -- user-named launch manifest
		data, err := os.ReadFile(*manifestPath)
		if err != nil {
			return fmt.Errorf("read launch manifest: %w", err)
		}
		if l, err = manifest.DecodeLaunch(data); err != nil {
			return err
		}
		anchor = filepath.Dir(*manifestPath)
	} else {
		exe, err := selfexe.Executable()
		if err != nil {
			return err
		}
		l, err = selfexe.ReadLaunch(exe)
		if errors.Is(err, manifest.ErrNoTrailer) {
			return cli.Usage("error: --manifest is required (this executable carries no launch manifest)")
		}
		if err != nil {
			return err
		}
		anchor = filepath.Dir(exe)
	}

	p := bootParams{launch: l, archive: *archive, base: *base, overrides: *overrides, args: fs.Args()}
	if p.archive == "" && l.Archive != "" {
		p.archive = filepath.Join(anchor, l.Archive)
	}
	ctx = ctxlog.WithLogger(ctx, ctxlog.New(*logLevel, "text", stderr))
	return boot(ctx, p, os.Stdin, stdout, stderr)
}

// boot ensures the runtime of p.launch and runs its entry. A non-zero exit of
// the entry becomes an ExitError with the same code.
func boot(ctx context.Context, p bootParams, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := bootstrap.OptionsFromEnv(p.launch)
	if err != nil {
		return err
	}
	if p.base != "" {
		opts.Base = p.base
	}
	if p.overrides != "" {
		opts.OverridesPath = p.overrides
	}
	opts.Stdin, opts.Stdout, opts.Stderr = stdin, stdout, stderr
	opts.Downloader = github.NewClient("https://api.github.com", github.UserAgent(version), 0)

	b := bootstrap.New(opts)
	runtimeDir, err := b.Ensure(ctx, p.launch)
	if err != nil {
		return err
	}
	code, err := b.Exec(ctx, p.launch, runtimeDir, p.archive, p.args)
	if err != nil {
		return err
	}
	if code != 0 {
		return &cli.ExitError{Code: code}
	}
	return nil
}

// runStamped is the whole program for an executable carrying a launch
// manifest: every argument belongs to the application.
func runStamped(l *manifest.Launch, exe string, args []string, stdout, stderr io.Writer) int {
	ctx := ctxlog.WithLogger(context.Background(), ctxlog.New(config.String(envBootLogLevel, "warn"), "text", stderr))
	p := bootParams{launch: l, args: args}
	if l.Archive != "" {
		p.archive = filepath.Join(filepath.Dir(exe), l.Archive)
	}
	return report(boot(ctx, p, os.Stdin, stdout, stderr), stderr)
}

func runStamp(_ context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("sciefab stamp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	manifestPath := fs.String("manifest", "", "launch manifest JSON to embed")
	output := fs.String("output", "", "path of the stamped executable")
	from := fs.String("from", "", "executable to stamp (default: this sciefab)")
	if help, err := cli.ParseFlags(fs, args); help || err != nil {
		return err
	}
	if *manifestPath == "" || *output == "" {
		return cli.Usage("error: --manifest and --output are required")
	}

	// #nosec G304 -- user-named launch manifest
	data, err := os.ReadFile(*manifestPath)
	if err != nil {
		return fmt.Errorf("read launch manifest: %w", err)
	}
	l, err := manifest.DecodeLaunch(data)
	if err != nil {
		return err
	}

	src := *from
	if src == "" {
		if src, err = selfexe.Executable(); err != nil {
			return err
		}
	}
	if err := selfexe.Stamp(src, *output, l); err != nil {
		return err
	}
	fmt.Fprintln(stdout, *output)
	return nil
}
