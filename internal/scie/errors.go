package scie

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/sciefab/internal/model"
	"github.com/3leaps/sciefab/internal/platform"
)

// ErrPartialBuild matches a BuildError where some platforms succeeded.
var ErrPartialBuild = errors.New("partial build failure")

// PlatformFailure is the error that stopped one platform's build.
type PlatformFailure struct {
	Platform platform.Platform
	Err      error
}

// BuildError aggregates every failed platform of a build. Artifacts of the
// platforms that succeeded are kept on disk and listed in Succeeded.
type BuildError struct {
	Failures  []PlatformFailure
	Succeeded []model.BuildArtifact
}

func (e *BuildError) Error() string {
	noun := "scies"
	if len(e.Failures) == 1 {
		noun = "scie"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Failed to build %d %s:", len(e.Failures), noun)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n%s: %v", f.Platform, f.Err)
	}
	return b.String()
}

// Partial reports whether at least one platform succeeded.
func (e *BuildError) Partial() bool {
	return len(e.Succeeded) > 0
}

func (e *BuildError) Is(target error) bool {
	return target == ErrPartialBuild && e.Partial()
}

func (e *BuildError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// FailedPlatforms lists the platforms that did not build, in request order.
func (e *BuildError) FailedPlatforms() []platform.Platform {
	out := make([]platform.Platform, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Platform)
	}
	return out
}
