package assembler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/3leaps/sciefab/pkg/version"
)

const maxCommandError = 512

// Tool is a resolved assembler binary.
type Tool struct {
	Path    string
	Version version.Version
}

// FileBinding maps a file name used in the manifest to a local path.
type FileBinding struct {
	Name string
	Path string
}

// Invocation is one build run of the tool.
type Invocation struct {
	Manifest string
	Files    []FileBinding
	DestDir  string
	Env      []string
}

// Args renders the tool command line:
//
//	lift --file <name>=<path>... build --dest-dir <dir> <manifest>
func (inv Invocation) Args() []string {
	args := []string{"lift"}
	for _, f := range inv.Files {
		args = append(args, "--file", f.Name+"="+f.Path)
	}
	return append(args, "build", "--dest-dir", inv.DestDir, inv.Manifest)
}

// Build runs the tool and returns its combined output.
func (t *Tool) Build(ctx context.Context, inv Invocation) (string, error) {
	return run(ctx, t.Path, inv.Env, inv.Args()...)
}

// QueryVersion asks the binary for its version.
func (t *Tool) QueryVersion(ctx context.Context) (version.Version, error) {
	return queryVersion(ctx, t.Path)
}

func queryVersion(ctx context.Context, bin string) (version.Version, error) {
	out, err := run(ctx, bin, nil, "--version")
	if err != nil {
		return version.Version{}, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return version.Version{}, fmt.Errorf("%s --version printed nothing", bin)
	}
	v, err := version.Parse(fields[len(fields)-1])
	if err != nil {
		return version.Version{}, fmt.Errorf("%s --version: %w", bin, err)
	}
	return v, nil
}

func run(ctx context.Context, bin string, env []string, args ...string) (string, error) {
	// #nosec G204 -- bin is a verified tool from the cache
	cmd := exec.CommandContext(ctx, bin, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %s", bin, strings.Join(args, " "), trimCommandOutput(combined.String(), err))
	}
	return strings.TrimSpace(combined.String()), nil
}

func trimCommandOutput(out string, runErr error) string {
	clean := strings.TrimSpace(out)
	if clean == "" {
		return runErr.Error()
	}
	if len(clean) > maxCommandError {
		return clean[:maxCommandError] + "..."
	}
	return clean
}
