// Package resolver turns a plugin's declared dependencies into concrete
// on-disk artifacts: registry packages in the shared cache, references to
// other registered plugins, and files inside the plugin's own directory.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/devflow/devflow/domain"
	"github.com/devflow/devflow/errs"
)

// PluginCatalog looks up registered plugins for plugin-reference resolution.
// Satisfied by the plugin store.
type PluginCatalog interface {
	PluginsNamed(ctx context.Context, name string) ([]*domain.Plugin, error)
}

// ResolvedDependency is one dependency bound to an artifact on disk.
type ResolvedDependency struct {
	Dependency domain.Dependency
	Version    domain.Version // zero for file references
	Path       string         // cache dir, plugin dir, or file path
}

// DependencyContext is the result of resolving a plugin's dependency set.
// Errors collects per-dependency failures; the rest of the context still
// describes everything that did resolve.
type DependencyContext struct {
	Resolved   []ResolvedDependency
	Assemblies map[string]string // dependency name -> artifact directory
	LoadPaths  []string          // package directories, in declaration order
	Errors     []error
}

// Resolver resolves dependencies against the registry cache and the plugin
// catalog.
type Resolver struct {
	registries map[string]*RegistryClient // keyed by scheme
	catalog    PluginCatalog
	logger     *slog.Logger
}

// NewResolver creates a resolver over the given registry clients (one per
// scheme) and plugin catalog.
func NewResolver(registries map[string]*RegistryClient, catalog PluginCatalog, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{registries: registries, catalog: catalog, logger: logger}
}

// Resolve binds every dependency of the plugin. All dependencies are
// attempted; failures land in the returned context's Errors and the call
// returns a Validation error naming how many could not be resolved.
func (r *Resolver) Resolve(ctx context.Context, p *domain.Plugin) (*DependencyContext, error) {
	dc := &DependencyContext{Assemblies: map[string]string{}}

	for _, dep := range p.Dependencies() {
		rd, err := r.resolveOne(ctx, p, dep)
		if err != nil {
			dc.Errors = append(dc.Errors, err)
			continue
		}
		dc.Resolved = append(dc.Resolved, rd)
		dc.Assemblies[dep.Name] = rd.Path
		if dep.Type == domain.DependencyPackage {
			dc.LoadPaths = append(dc.LoadPaths, rd.Path)
		}
	}

	if len(dc.Errors) > 0 {
		return dc, errs.Validation("Resolver.Unresolved",
			"%d of %d dependencies of plugin %s could not be resolved: %v",
			len(dc.Errors), len(p.Dependencies()), p.Metadata().Name, dc.Errors[0])
	}
	return dc, nil
}

func (r *Resolver) resolveOne(ctx context.Context, p *domain.Plugin, dep domain.Dependency) (ResolvedDependency, error) {
	switch dep.Type {
	case domain.DependencyPackage:
		return r.resolvePackage(ctx, p, dep)
	case domain.DependencyPluginRef:
		return r.resolvePluginRef(ctx, dep)
	case domain.DependencyFileRef:
		return resolveFileRef(p.PluginPath(), dep)
	}
	return ResolvedDependency{}, errs.Validation("Resolver.UnknownType", "unknown dependency type %q", dep.Type)
}

// resolvePackage prefers the highest cached version satisfying the range and
// only consults the registry when nothing in the cache qualifies.
func (r *Resolver) resolvePackage(ctx context.Context, p *domain.Plugin, dep domain.Dependency) (ResolvedDependency, error) {
	scheme := dep.Scheme()
	want := p.Metadata().Language.RegistryScheme()
	if scheme != want {
		return ResolvedDependency{}, errs.Validation("Resolver.SchemeMismatch",
			"dependency %s uses scheme %s but plugin %s is %s (%s)",
			dep.Name, scheme, p.Metadata().Name, p.Metadata().Language, want)
	}
	reg, ok := r.registries[scheme]
	if !ok {
		return ResolvedDependency{}, errs.Failure("Resolver.NoRegistry", "no registry configured for scheme %s", scheme)
	}

	constraint, err := parseRange(dep.Version)
	if err != nil {
		return ResolvedDependency{}, err
	}
	name := dep.PackageName()

	cached, err := reg.CachedVersions(name)
	if err != nil {
		return ResolvedDependency{}, err
	}
	if v, ok := highestSatisfying(cached, constraint); ok {
		r.logger.Debug("dependency satisfied from cache", "package", dep.Name, "version", v)
		return ResolvedDependency{Dependency: dep, Version: v, Path: reg.VersionDir(name, v)}, nil
	}

	available, err := reg.AvailableVersions(ctx, name)
	if err != nil {
		return ResolvedDependency{}, err
	}
	v, ok := highestSatisfying(available, constraint)
	if !ok {
		return ResolvedDependency{}, errs.NotFound("Resolver.NoMatchingVersion",
			"no version of %s satisfies %s", dep.Name, rangeString(dep.Version))
	}
	dir, err := reg.Fetch(ctx, name, v)
	if err != nil {
		return ResolvedDependency{}, err
	}
	r.logger.Info("dependency downloaded", "package", dep.Name, "version", v)
	return ResolvedDependency{Dependency: dep, Version: v, Path: dir}, nil
}

// resolvePluginRef binds a plugin reference to the highest registered version
// satisfying the range. The matched plugin must be available.
func (r *Resolver) resolvePluginRef(ctx context.Context, dep domain.Dependency) (ResolvedDependency, error) {
	constraint, err := parseRange(dep.Version)
	if err != nil {
		return ResolvedDependency{}, err
	}

	candidates, err := r.catalog.PluginsNamed(ctx, dep.Name)
	if err != nil {
		return ResolvedDependency{}, err
	}

	var best *domain.Plugin
	for _, c := range candidates {
		v := c.Metadata().Version
		if constraint != nil && !constraint.Check(v) {
			continue
		}
		if best == nil || v.Compare(best.Metadata().Version) > 0 {
			best = c
		}
	}
	if best == nil {
		return ResolvedDependency{}, errs.NotFound("Resolver.PluginNotFound",
			"no registered plugin %s satisfies %s", dep.Name, rangeString(dep.Version))
	}
	if best.Status() != domain.PluginAvailable {
		return ResolvedDependency{}, errs.Validation("Resolver.PluginNotAvailable",
			"plugin dependency %s@%s is %s, not available", dep.Name, best.Metadata().Version, best.Status())
	}
	return ResolvedDependency{Dependency: dep, Version: best.Metadata().Version, Path: best.PluginPath()}, nil
}

// resolveFileRef checks the referenced file sits inside the plugin directory
// and exists.
func resolveFileRef(pluginDir string, dep domain.Dependency) (ResolvedDependency, error) {
	rel := filepath.FromSlash(dep.Name)
	if filepath.IsAbs(rel) {
		return ResolvedDependency{}, errs.Validation("Resolver.FileEscapes",
			"file dependency %q must be relative to the plugin directory", dep.Name)
	}
	path := filepath.Join(pluginDir, rel)
	relBack, err := filepath.Rel(pluginDir, path)
	if err != nil || relBack == ".." || strings.HasPrefix(relBack, ".."+string(os.PathSeparator)) {
		return ResolvedDependency{}, errs.Validation("Resolver.FileEscapes",
			"file dependency %q escapes the plugin directory", dep.Name)
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ResolvedDependency{}, errs.NotFound("Resolver.FileNotFound",
				"file dependency %q does not exist", dep.Name)
		}
		return ResolvedDependency{}, errs.Wrap(errs.KindFailure, "Resolver.FileStat", err)
	}
	return ResolvedDependency{Dependency: dep, Path: path}, nil
}

// ValidateDependencies checks that every dependency could be resolved without
// downloading anything: ranges parse, schemes match, plugin references point
// at available plugins, file references exist, and some cached or listed
// registry version satisfies each package range.
func (r *Resolver) ValidateDependencies(ctx context.Context, p *domain.Plugin) error {
	var problems []string
	for _, dep := range p.Dependencies() {
		if err := r.validateOne(ctx, p, dep); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return errs.Validation("Resolver.Invalid",
			"plugin %s has unresolvable dependencies: %s", p.Metadata().Name, strings.Join(problems, "; "))
	}
	return nil
}

func (r *Resolver) validateOne(ctx context.Context, p *domain.Plugin, dep domain.Dependency) error {
	switch dep.Type {
	case domain.DependencyPackage:
		scheme := dep.Scheme()
		if scheme != p.Metadata().Language.RegistryScheme() {
			return fmt.Errorf("%s: scheme %s does not match plugin language %s", dep.Name, scheme, p.Metadata().Language)
		}
		reg, ok := r.registries[scheme]
		if !ok {
			return fmt.Errorf("%s: no registry for scheme %s", dep.Name, scheme)
		}
		constraint, err := parseRange(dep.Version)
		if err != nil {
			return fmt.Errorf("%s: %v", dep.Name, err)
		}
		cached, err := reg.CachedVersions(dep.PackageName())
		if err == nil {
			if _, ok := highestSatisfying(cached, constraint); ok {
				return nil
			}
		}
		available, err := reg.AvailableVersions(ctx, dep.PackageName())
		if err != nil {
			return fmt.Errorf("%s: %v", dep.Name, err)
		}
		if _, ok := highestSatisfying(available, constraint); !ok {
			return fmt.Errorf("%s: no version satisfies %s", dep.Name, rangeString(dep.Version))
		}
		return nil
	case domain.DependencyPluginRef:
		_, err := r.resolvePluginRef(ctx, dep)
		return err
	case domain.DependencyFileRef:
		_, err := resolveFileRef(p.PluginPath(), dep)
		return err
	}
	return fmt.Errorf("%s: unknown dependency type %q", dep.Name, dep.Type)
}

// Graph returns the plugin-reference closure of p in dependency-first order.
// A reference cycle is a validation error.
func (r *Resolver) Graph(ctx context.Context, p *domain.Plugin) ([]string, error) {
	var order []string
	visited := map[string]bool{}
	onPath := map[string]bool{}

	var visit func(pl *domain.Plugin) error
	visit = func(pl *domain.Plugin) error {
		name := pl.Metadata().Name
		if onPath[name] {
			return errs.Validation("Resolver.Cycle", "plugin dependency cycle through %s", name)
		}
		if visited[name] {
			return nil
		}
		onPath[name] = true
		for _, dep := range pl.Dependencies() {
			if dep.Type != domain.DependencyPluginRef {
				continue
			}
			if onPath[dep.Name] {
				return errs.Validation("Resolver.Cycle", "plugin dependency cycle through %s", dep.Name)
			}
			next, err := r.lookupRef(ctx, dep)
			if err != nil {
				return err
			}
			if err := visit(next); err != nil {
				return err
			}
		}
		onPath[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	if err := visit(p); err != nil {
		return nil, err
	}
	return order, nil
}

// lookupRef finds the highest registered plugin satisfying a reference,
// regardless of status. Graph traversal reports structure; availability is
// enforced at resolve time.
func (r *Resolver) lookupRef(ctx context.Context, dep domain.Dependency) (*domain.Plugin, error) {
	constraint, err := parseRange(dep.Version)
	if err != nil {
		return nil, err
	}
	candidates, err := r.catalog.PluginsNamed(ctx, dep.Name)
	if err != nil {
		return nil, err
	}
	var best *domain.Plugin
	for _, c := range candidates {
		v := c.Metadata().Version
		if constraint != nil && !constraint.Check(v) {
			continue
		}
		if best == nil || v.Compare(best.Metadata().Version) > 0 {
			best = c
		}
	}
	if best == nil {
		return nil, errs.NotFound("Resolver.PluginNotFound",
			"no registered plugin %s satisfies %s", dep.Name, rangeString(dep.Version))
	}
	return best, nil
}

// parseRange parses a dependency range; empty means any version.
func parseRange(s string) (*domain.Constraint, error) {
	if s == "" {
		return nil, nil
	}
	c, err := domain.ParseConstraint(s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func rangeString(s string) string {
	if s == "" {
		return "any version"
	}
	return s
}

// highestSatisfying picks the highest version matching the constraint (any
// version when constraint is nil).
func highestSatisfying(versions []domain.Version, c *domain.Constraint) (domain.Version, bool) {
	var best domain.Version
	found := false
	for _, v := range versions {
		if c != nil && !c.Check(v) {
			continue
		}
		if !found || v.Compare(best) > 0 {
			best = v
			found = true
		}
	}
	return best, found
}
