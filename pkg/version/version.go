package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a dotted numeric version with up to three components.
// Parts records how many components were given so partial versions ("3.10")
// can act as constraints.
type Version struct {
	Major int
	Minor int
	Patch int
	Parts int
}

// Normalize strips surrounding whitespace and a leading "v" prefix.
func Normalize(v string) string {
	return strings.TrimPrefix(strings.TrimSpace(v), "v")
}

// Parse accepts "MAJOR", "MAJOR.MINOR" or "MAJOR.MINOR.PATCH", optionally
// prefixed with "v". Build metadata after "+" is ignored.
func Parse(v string) (Version, error) {
	normalized := Normalize(v)
	if idx := strings.IndexByte(normalized, '+'); idx >= 0 {
		normalized = normalized[:idx]
	}
	if normalized == "" {
		return Version{}, fmt.Errorf("empty version")
	}

	parts := strings.Split(normalized, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version %q: more than three components", v)
	}

	var nums [3]int
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: component %q is not a non-negative integer", v, part)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Parts: len(parts)}, nil
}

// MustParse is Parse for compile-time constants.
func MustParse(v string) Version {
	out, err := Parse(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Complete reports whether all three components were given.
func (v Version) Complete() bool {
	return v.Parts == 3
}

func (v Version) String() string {
	switch v.Parts {
	case 1:
		return strconv.Itoa(v.Major)
	case 2:
		return fmt.Sprintf("%d.%d", v.Major, v.Minor)
	default:
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b. Missing components
// compare as zero, so "1.0" == "1.0.0".
func Compare(a, b Version) int {
	switch {
	case a.Major < b.Major:
		return -1
	case a.Major > b.Major:
		return 1
	case a.Minor < b.Minor:
		return -1
	case a.Minor > b.Minor:
		return 1
	case a.Patch < b.Patch:
		return -1
	case a.Patch > b.Patch:
		return 1
	}
	return 0
}

// AtLeast reports whether v satisfies the given floor.
func AtLeast(v, floor Version) bool {
	return Compare(v, floor) >= 0
}

// Matches reports whether concrete agrees with every component the
// constraint specifies.
func Matches(constraint, concrete Version) bool {
	if constraint.Parts >= 1 && constraint.Major != concrete.Major {
		return false
	}
	if constraint.Parts >= 2 && constraint.Minor != concrete.Minor {
		return false
	}
	if constraint.Parts >= 3 && constraint.Patch != concrete.Patch {
		return false
	}
	return true
}

// Newest returns the highest candidate matching constraint. Ties between equal
// versions keep the first candidate seen.
func Newest(constraint Version, candidates []Version) (Version, bool) {
	var (
		best  Version
		found bool
	)
	for _, c := range candidates {
		if !Matches(constraint, c) {
			continue
		}
		if !found || Compare(c, best) > 0 {
			best = c
			found = true
		}
	}
	return best, found
}
