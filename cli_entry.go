package main

import (
	"os"

	"github.com/3leaps/sciefab/internal/cli"
	"github.com/3leaps/sciefab/internal/selfexe"
)

func init() {
	cli.Handler = run
}

func main() {
	if exe, err := selfexe.Executable(); err == nil {
		if l, err := selfexe.ReadLaunch(exe); err == nil {
			os.Exit(runStamped(l, exe, os.Args[1:], os.Stdout, os.Stderr))
		}
	}
	os.Exit(cli.Run(os.Args[1:], os.Stdout, os.Stderr))
}
