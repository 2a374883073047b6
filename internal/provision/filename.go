package provision

import (
	"fmt"
	"strings"

	"github.com/3leaps/sciefab/internal/platform"
	"github.com/3leaps/sciefab/pkg/version"
)

const (
	implementation = "cpython"
	archiveSuffix  = ".tar.gz"
)

// Filename is the canonical asset name for an interpreter distribution.
func Filename(ver, release string, p platform.Platform, flavor string) string {
	return fmt.Sprintf("%s-%s+%s-%s-%s%s", implementation, ver, release, p.PBSTriple(), flavor, archiveSuffix)
}

// DefaultURL is the upstream location of filename within release.
func DefaultURL(base, release, filename string) string {
	return strings.TrimRight(base, "/") + "/" + release + "/" + filename
}

// assetName is a parsed interpreter asset filename.
type assetName struct {
	Version version.Version
	Release string
	Triple  string
	Flavor  string
}

// parseFilename splits "cpython-<ver>+<release>-<triple>-<flavor>.tar.gz".
// Names of other implementations or archive formats are rejected.
func parseFilename(name string, flavor string) (assetName, bool) {
	rest, ok := strings.CutPrefix(name, implementation+"-")
	if !ok {
		return assetName{}, false
	}
	rest, ok = strings.CutSuffix(rest, "-"+flavor+archiveSuffix)
	if !ok {
		return assetName{}, false
	}
	verStr, rest, ok := strings.Cut(rest, "+")
	if !ok {
		return assetName{}, false
	}
	release, triple, ok := strings.Cut(rest, "-")
	if !ok || triple == "" {
		return assetName{}, false
	}
	v, err := version.Parse(verStr)
	if err != nil || !v.Complete() {
		return assetName{}, false
	}
	return assetName{Version: v, Release: release, Triple: triple, Flavor: flavor}, true
}

// validRelease reports whether tag looks like a dated release (YYYYMMDD).
func validRelease(tag string) bool {
	if len(tag) != 8 {
		return false
	}
	for _, r := range tag {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
