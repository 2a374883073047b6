package platform

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// ErrUnsupported is returned when an (os, arch) pair or token does not map to
// exactly one registered Platform.
var ErrUnsupported = errors.New("unsupported platform")

// Platform is a closed set of scie targets. Adding a value requires updating
// every switch in this file; each one ends in a panic on unknown values.
type Platform int

const (
	LinuxAarch64 Platform = iota + 1
	LinuxArmv7l
	LinuxPpc64le
	LinuxS390x
	LinuxX8664
	MacosAarch64
	MacosX8664
	WindowsAarch64
	WindowsX8664
)

// CurrentToken selects the executing host's platform.
const CurrentToken = "current"

var all = []Platform{
	LinuxAarch64,
	LinuxArmv7l,
	LinuxPpc64le,
	LinuxS390x,
	LinuxX8664,
	MacosAarch64,
	MacosX8664,
	WindowsAarch64,
	WindowsX8664,
}

// All returns every registered platform in declaration order.
func All() []Platform {
	return append([]Platform(nil), all...)
}

func (p Platform) String() string {
	switch p {
	case LinuxAarch64:
		return "linux-aarch64"
	case LinuxArmv7l:
		return "linux-armv7l"
	case LinuxPpc64le:
		return "linux-powerpc64le"
	case LinuxS390x:
		return "linux-s390x"
	case LinuxX8664:
		return "linux-x86_64"
	case MacosAarch64:
		return "macos-aarch64"
	case MacosX8664:
		return "macos-x86_64"
	case WindowsAarch64:
		return "windows-aarch64"
	case WindowsX8664:
		return "windows-x86_64"
	}
	panic(fmt.Sprintf("platform: unknown value %d", int(p)))
}

// OS returns the Go GOOS value for the platform.
func (p Platform) OS() string {
	switch p {
	case LinuxAarch64, LinuxArmv7l, LinuxPpc64le, LinuxS390x, LinuxX8664:
		return "linux"
	case MacosAarch64, MacosX8664:
		return "darwin"
	case WindowsAarch64, WindowsX8664:
		return "windows"
	}
	panic(fmt.Sprintf("platform: unknown value %d", int(p)))
}

// Arch returns the Go GOARCH value for the platform.
func (p Platform) Arch() string {
	switch p {
	case LinuxAarch64, MacosAarch64, WindowsAarch64:
		return "arm64"
	case LinuxArmv7l:
		return "arm"
	case LinuxPpc64le:
		return "ppc64le"
	case LinuxS390x:
		return "s390x"
	case LinuxX8664, MacosX8664, WindowsX8664:
		return "amd64"
	}
	panic(fmt.Sprintf("platform: unknown value %d", int(p)))
}

// PBSTriple is the target triple used in interpreter distribution filenames.
func (p Platform) PBSTriple() string {
	switch p {
	case LinuxAarch64:
		return "aarch64-unknown-linux-gnu"
	case LinuxArmv7l:
		return "armv7-unknown-linux-gnueabihf"
	case LinuxPpc64le:
		return "ppc64le-unknown-linux-gnu"
	case LinuxS390x:
		return "s390x-unknown-linux-gnu"
	case LinuxX8664:
		return "x86_64-unknown-linux-gnu"
	case MacosAarch64:
		return "aarch64-apple-darwin"
	case MacosX8664:
		return "x86_64-apple-darwin"
	case WindowsAarch64:
		return "aarch64-pc-windows-msvc"
	case WindowsX8664:
		return "x86_64-pc-windows-msvc"
	}
	panic(fmt.Sprintf("platform: unknown value %d", int(p)))
}

// IsWindows reports whether binaries for p need an .exe extension.
func (p Platform) IsWindows() bool {
	return p.OS() == "windows"
}

// BinaryName applies the platform's executable naming convention.
func (p Platform) BinaryName(base string) string {
	if p.IsWindows() {
		return base + ".exe"
	}
	return base
}

// QualifiedBinaryName suffixes base with the platform token.
func (p Platform) QualifiedBinaryName(base string) string {
	return p.BinaryName(base + "-" + p.String())
}

var goosAliasTable = map[string][]string{
	"darwin":  {"macos", "macosx", "osx"},
	"windows": {"win", "win32", "win64"},
	"linux":   {"linux"},
}

var archAliasTable = map[string][]string{
	"amd64":   {"x86_64", "x64"},
	"arm64":   {"aarch64"},
	"arm":     {"armv7l", "armv7"},
	"ppc64le": {"powerpc64le"},
	"s390x":   {"s390x"},
}

// canonical maps an alias back to its Go name using table. Aliases are
// unique across entries, so at most one key can match.
func canonical(value string, table map[string][]string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	if _, ok := table[v]; ok {
		return v, true
	}
	for key, aliases := range table {
		for _, alias := range aliases {
			if v == alias {
				return key, true
			}
		}
	}
	return "", false
}

// Identify maps an (os, arch) pair, given as Go names or common aliases, to
// its Platform.
func Identify(goos, goarch string) (Platform, error) {
	osName, ok := canonical(goos, goosAliasTable)
	if !ok {
		return 0, fmt.Errorf("%w: os %q", ErrUnsupported, goos)
	}
	archName, ok := canonical(goarch, archAliasTable)
	if !ok {
		return 0, fmt.Errorf("%w: arch %q", ErrUnsupported, goarch)
	}

	var match []Platform
	for _, p := range all {
		if p.OS() == osName && p.Arch() == archName {
			match = append(match, p)
		}
	}
	switch len(match) {
	case 1:
		return match[0], nil
	case 0:
		return 0, fmt.Errorf("%w: %s/%s", ErrUnsupported, goos, goarch)
	default:
		return 0, fmt.Errorf("%w: %s/%s is ambiguous (%v)", ErrUnsupported, goos, goarch, match)
	}
}

// Current classifies the executing host.
func Current() (Platform, error) {
	return Identify(runtime.GOOS, runtime.GOARCH)
}

// Parse maps a canonical token, or "current", to its Platform.
func Parse(token string) (Platform, error) {
	t := strings.ToLower(strings.TrimSpace(token))
	if t == CurrentToken {
		return Current()
	}
	for _, p := range all {
		if p.String() == t {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q (known: %s)", ErrUnsupported, token, strings.Join(Tokens(), ", "))
}

// ParseAll parses tokens and de-duplicates the result.
func ParseAll(tokens []string) ([]Platform, error) {
	out := make([]Platform, 0, len(tokens))
	for _, tok := range tokens {
		p, err := Parse(tok)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return Dedupe(out), nil
}

// Tokens returns the sorted canonical tokens.
func Tokens() []string {
	out := make([]string, len(all))
	for i, p := range all {
		out[i] = p.String()
	}
	sort.Strings(out)
	return out
}

// Dedupe removes repeats, keeping first-seen order.
func Dedupe(in []Platform) []Platform {
	seen := make(map[Platform]struct{}, len(in))
	out := make([]Platform, 0, len(in))
	for _, p := range in {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// MarshalText lets platforms appear as tokens in JSON, YAML and TOML.
func (p Platform) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Platform) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
