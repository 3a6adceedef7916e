package domain

import (
	"strings"

	"github.com/devflow/devflow/errs"
)

// DependencyType discriminates the dependency union.
type DependencyType string

const (
	// DependencyPackage is a registry package, scheme-prefixed per language.
	DependencyPackage DependencyType = "package"
	// DependencyPluginRef links to another registered plugin.
	DependencyPluginRef DependencyType = "plugin"
	// DependencyFileRef references a file inside the plugin's own directory.
	DependencyFileRef DependencyType = "file"
)

// Registry schemes, one package-registry family per language.
const (
	SchemeGo     = "pkg-m"
	SchemeNode   = "pkg-s"
	SchemePython = "pkg-p"
)

// Dependency is a plugin dependency declaration. For packages, Name keeps the
// scheme prefix ("pkg-s:left-pad"); for plugin refs it is the plugin name; for
// file refs it is a path relative to the plugin directory. Version may be an
// exact value or a range; file refs carry no version. Two dependencies are
// equal when (Name, Type) match.
type Dependency struct {
	Name    string         `json:"name"`
	Type    DependencyType `json:"type"`
	Version string         `json:"version,omitempty"`
	Source  string         `json:"source,omitempty"`
}

// Equal reports identity by (Name, Type).
func (d Dependency) Equal(other Dependency) bool {
	return d.Name == other.Name && d.Type == other.Type
}

// Scheme returns the registry scheme of a package dependency ("" otherwise).
func (d Dependency) Scheme() string {
	if d.Type != DependencyPackage {
		return ""
	}
	if i := strings.Index(d.Name, ":"); i > 0 {
		return d.Name[:i]
	}
	return ""
}

// PackageName returns the registry package name without the scheme prefix.
func (d Dependency) PackageName() string {
	if i := strings.Index(d.Name, ":"); i >= 0 {
		return d.Name[i+1:]
	}
	return d.Name
}

// validSchemes is the closed set of registry families.
var validSchemes = map[string]bool{
	SchemeGo:     true,
	SchemeNode:   true,
	SchemePython: true,
}

// ParseDependency parses a manifest dependency string. Supported forms:
//
//	pkg-s:left-pad@1.3.0      exact package version
//	pkg-p:requests>=2.31.0    minimum
//	pkg-m:lib^1.2.0           caret range
//	pkg-s:lib~1.2.0           tilde range
//	plugin:formatter@1.0.0    reference to another plugin (range ops allowed)
//	file:lib/helpers.py       file inside the plugin directory
func ParseDependency(s string) (Dependency, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Dependency{}, errs.Validation("Dependency.Empty", "empty dependency")
	}

	colon := strings.Index(s, ":")
	if colon <= 0 {
		return Dependency{}, errs.Validation("Dependency.Malformed", "missing scheme in %q", s)
	}
	scheme := s[:colon]
	rest := s[colon+1:]

	if scheme == "file" {
		if rest == "" {
			return Dependency{}, errs.Validation("Dependency.Malformed", "empty file path in %q", s)
		}
		return Dependency{Name: rest, Type: DependencyFileRef}, nil
	}

	name, version, err := splitNameVersion(rest)
	if err != nil {
		return Dependency{}, errs.Validation("Dependency.Malformed", "bad version in %q: %v", s, err)
	}

	if scheme == "plugin" {
		return Dependency{Name: name, Type: DependencyPluginRef, Version: version}, nil
	}
	if !validSchemes[scheme] {
		return Dependency{}, errs.Validation("Dependency.UnknownScheme", "unknown registry scheme %q in %q", scheme, s)
	}
	return Dependency{Name: scheme + ":" + name, Type: DependencyPackage, Version: version}, nil
}

// splitNameVersion splits "lib^1.2.0" into ("lib", "^1.2.0") and validates
// the range. A missing version means "any" and is returned as "".
func splitNameVersion(s string) (name, version string, err error) {
	idx := strings.IndexAny(s, "@>^~=")
	if idx < 0 {
		return s, "", nil
	}
	name = s[:idx]
	version = s[idx:]
	if name == "" {
		return "", "", errs.Validation("Dependency.Malformed", "empty name")
	}
	if _, err := ParseConstraint(version); err != nil {
		return "", "", err
	}
	return name, version, nil
}
