package domain

import (
	"strconv"
	"strings"

	"github.com/devflow/devflow/errs"
)

// Version is a parsed semantic version triple.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
}

// Compare returns -1, 0, or 1.
func (v Version) Compare(other Version) int {
	if v.Major != other.Major {
		if v.Major < other.Major {
			return -1
		}
		return 1
	}
	if v.Minor != other.Minor {
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	}
	if v.Patch != other.Patch {
		if v.Patch < other.Patch {
			return -1
		}
		return 1
	}
	return 0
}

// ParseVersion parses a version string like "1.2.3" (an optional leading "v"
// is tolerated).
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return Version{}, errs.Validation("Version.Malformed", "expected major.minor.patch, got %q", s)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, errs.Validation("Version.Malformed", "invalid major in %q", s)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return Version{}, errs.Validation("Version.Malformed", "invalid minor in %q", s)
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return Version{}, errs.Validation("Version.Malformed", "invalid patch in %q", s)
	}
	if major < 0 || minor < 0 || patch < 0 {
		return Version{}, errs.Validation("Version.Malformed", "negative component in %q", s)
	}
	return Version{Major: major, Minor: minor, Patch: patch}, nil
}

// Constraint is a semver range: exact, minimum, caret, or tilde.
type Constraint struct {
	Op      string
	Version Version
}

// ParseConstraint parses a range string like "1.2.3", "@1.2.3", ">=1.0.0",
// "^1.2.0", or "~1.2.0".
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Constraint{}, errs.Validation("Version.EmptyRange", "empty version range")
	}

	var op, vStr string
	switch {
	case strings.HasPrefix(s, ">="):
		op, vStr = ">=", s[2:]
	case strings.HasPrefix(s, "^"):
		op, vStr = "^", s[1:]
	case strings.HasPrefix(s, "~"):
		op, vStr = "~", s[1:]
	case strings.HasPrefix(s, "@"):
		op, vStr = "=", s[1:]
	case strings.HasPrefix(s, "="):
		op, vStr = "=", s[1:]
	default:
		op, vStr = "=", s
	}

	v, err := ParseVersion(vStr)
	if err != nil {
		return Constraint{}, err
	}
	return Constraint{Op: op, Version: v}, nil
}

// Check reports whether v satisfies the constraint.
func (c Constraint) Check(v Version) bool {
	cmp := v.Compare(c.Version)
	switch c.Op {
	case "=":
		return cmp == 0
	case ">=":
		return cmp >= 0
	case "^":
		// Same major, at least the constraint version.
		return v.Major == c.Version.Major && cmp >= 0
	case "~":
		// Same major.minor, at least the constraint version.
		return v.Major == c.Version.Major && v.Minor == c.Version.Minor && cmp >= 0
	}
	return false
}

func (c Constraint) String() string {
	if c.Op == "=" {
		return c.Version.String()
	}
	return c.Op + c.Version.String()
}
