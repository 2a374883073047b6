package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/3leaps/sciefab/internal/cli"
	"github.com/3leaps/sciefab/internal/platform"
	"github.com/3leaps/sciefab/internal/scie"
)

var version = "dev"

//go:embed docs/quickstart.txt
var quickstartDoc string

const usageText = `sciefab - build self-contained Python launchers (scies)

Usage:
  sciefab build [options]       build one launcher per target platform
  sciefab boot [options] [-- args]
                                fetch the interpreter and run a launch manifest
  sciefab stamp [options]       write a standalone bootstrap client
  sciefab platforms             list target platform tokens
  sciefab version               print version
  sciefab help                  print quickstart & examples

Run "sciefab <command> -h" for command options.
`

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return report(dispatch(ctx, args, stdout, stderr), stderr)
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usageText)
		return cli.Usage("error: a command is required")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "build":
		return runBuild(ctx, rest, stdout, stderr)
	case "boot":
		return runBoot(ctx, rest, stdout, stderr)
	case "stamp":
		return runStamp(ctx, rest, stdout, stderr)
	case "platforms":
		return runPlatforms(stdout)
	case "version", "--version", "-version":
		fmt.Fprintln(stdout, "sciefab", version)
		return nil
	case "help", "-h", "--help", "-help":
		fmt.Fprint(stdout, usageText)
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, strings.TrimSpace(quickstartDoc))
		return nil
	default:
		fmt.Fprint(stderr, usageText)
		return cli.Usage("error: unknown command %q", cmd)
	}
}

// report prints err for the user and returns the process exit code.
func report(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Message != "" {
			fmt.Fprintln(stderr, exitErr.Message)
		}
		return exitErr.Code
	}
	var buildErr *scie.BuildError
	if errors.As(err, &buildErr) {
		fmt.Fprintln(stderr, buildErr.Error())
		return 1
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

func runPlatforms(stdout io.Writer) error {
	current, err := platform.Current()
	hasCurrent := err == nil
	for _, p := range platform.All() {
		if hasCurrent && p == current {
			fmt.Fprintf(stdout, "%s (current)\n", p)
			continue
		}
		fmt.Fprintln(stdout, p)
	}
	return nil
}
