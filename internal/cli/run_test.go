package cli

import (
	"bytes"
	"errors"
	"flag"
	"io"
	"testing"
)

func TestRunWithoutHandler(t *testing.T) {
	saved := Handler
	Handler = nil
	t.Cleanup(func() { Handler = saved })

	var stderr bytes.Buffer
	if code := Run(nil, io.Discard, &stderr); code != 1 {
		t.Fatalf("exit code: got %d want 1", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected a diagnostic")
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	newFS := func() (*flag.FlagSet, *StringList, KeyValues) {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var list StringList
		env := KeyValues{}
		fs.Var(&list, "platform", "")
		fs.Var(env, "env", "")
		fs.String("name", "", "")
		return fs, &list, env
	}

	fs, list, env := newFS()
	help, err := ParseFlags(fs, []string{"--platform", "linux-x86_64", "--platform=current", "--env", "A=b=c"})
	if err != nil || help {
		t.Fatalf("ParseFlags: help=%v err=%v", help, err)
	}
	if got := list.String(); got != "linux-x86_64,current" {
		t.Fatalf("platforms: got %q", got)
	}
	if env["A"] != "b=c" {
		t.Fatalf("env: got %v", env)
	}
	if set := Visited(fs); !set["platform"] || set["name"] {
		t.Fatalf("visited: %v", set)
	}

	fs, _, _ = newFS()
	if help, err := ParseFlags(fs, []string{"-h"}); !help || err != nil {
		t.Fatalf("help: help=%v err=%v", help, err)
	}

	fs, _, _ = newFS()
	_, err = ParseFlags(fs, []string{"--env", "novalue"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatalf("expected usage error, got %v", err)
	}
}
