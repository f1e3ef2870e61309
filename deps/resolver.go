package deps

import (
	"context"
	"slices"
	"sort"
	"strings"

	version "github.com/aquasecurity/go-pep440-version"
	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/errdefs"
)

// Supported specifier operators
var specifierOps = []string{"==", ">=", "<=", ">", "<", "~=", "===", "!="}

// Specifier is a single version constraint such as ">=2.0"
type Specifier struct {
	Op      string `yaml:"op" json:"op"`
	Version string `yaml:"version" json:"version"`
}

func (s Specifier) String() string {
	return s.Op + s.Version
}

// Dependency overrides how a module is resolved. An empty PackageName means
// the module name is the package name. Without specifiers the latest
// release is pinned.
type Dependency struct {
	PackageName string      `yaml:"package_name" json:"package_name,omitempty"`
	Specifiers  []Specifier `yaml:"specifiers" json:"specifiers,omitempty"`
}

// Resolver turns imported module names into pinned requirements
type Resolver struct {
	logger   *zap.Logger
	registry ReleaseSource
	index    PackageIndex
}

// NewResolver creates a Resolver
func NewResolver(logger *zap.Logger, registry ReleaseSource, index PackageIndex) *Resolver {
	return &Resolver{logger: logger, registry: registry, index: index}
}

// ResolveScript extracts the imports of the script at path and resolves them
func (r *Resolver) ResolveScript(ctx context.Context, path string, overrides map[string]Dependency) ([]string, error) {
	modules, err := ExtractModuleNamesFromFile(path)
	if err != nil {
		return nil, err
	}
	return r.GenerateRequirements(ctx, modules, overrides)
}

// GenerateRequirements resolves modules to requirement strings.
//
// Standard library modules are dropped. Overridden modules are resolved
// first, in sorted module order, against the registry. Every other module is
// pinned to its locally installed version when that version is published,
// or to the latest release of the package with the module's name when it is
// not installed. The result is in resolution order.
func (r *Resolver) GenerateRequirements(ctx context.Context, modules []string, overrides map[string]Dependency) ([]string, error) {
	var candidates []string
	for _, module := range modules {
		if !IsStdlib(module) && !slices.Contains(candidates, module) {
			candidates = append(candidates, module)
		}
	}

	requirements := []string{}

	overridden := make([]string, 0, len(overrides))
	for module := range overrides {
		overridden = append(overridden, module)
	}
	sort.Strings(overridden)

	for _, module := range overridden {
		candidates = slices.DeleteFunc(candidates, func(c string) bool { return c == module })

		requirement, err := r.resolveOverride(ctx, module, overrides[module])
		if err != nil {
			return nil, err
		}
		requirements = append(requirements, requirement)
	}

	if len(candidates) == 0 {
		r.logResolved(requirements)
		return requirements, nil
	}

	installed, err := r.index.ModuleMappedPackages(ctx)
	if err != nil {
		return nil, err
	}

	for _, module := range candidates {
		packages := installed[module]
		if len(packages) == 0 {
			info, err := r.releaseInfo(ctx, module)
			if err != nil {
				return nil, err
			}
			requirements = append(requirements, module+"=="+info.Latest)
			continue
		}

		names := make([]string, 0, len(packages))
		for name := range packages {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			info, err := r.releaseInfo(ctx, name)
			if err != nil {
				return nil, err
			}
			if local := packages[name]; info.Has(local) {
				requirements = append(requirements, name+"=="+local)
			} else {
				r.logger.Debug("dropping unpublished local version",
					zap.String("package", name), zap.String("version", local))
			}
		}
	}

	r.logResolved(requirements)
	return requirements, nil
}

func (r *Resolver) resolveOverride(ctx context.Context, module string, dep Dependency) (string, error) {
	pkg := dep.PackageName
	if pkg == "" {
		pkg = module
	}

	info, err := r.releaseInfo(ctx, pkg)
	if err != nil {
		return "", err
	}

	if len(dep.Specifiers) == 0 {
		return pkg + "==" + info.Latest, nil
	}

	var (
		missing []string
		parts   = make([]string, 0, len(dep.Specifiers))
		pre     bool
	)
	for _, spec := range dep.Specifiers {
		if !slices.Contains(specifierOps, spec.Op) {
			return "", errdefs.Validation("unsupported specifier operator %q for package %q", spec.Op, pkg)
		}
		if !info.Has(spec.Version) && !slices.Contains(missing, spec.Version) {
			missing = append(missing, spec.Version)
		}
		if v, err := version.Parse(spec.Version); err == nil && v.IsPreRelease() {
			pre = true
		}
		parts = append(parts, spec.String())
	}
	if len(missing) > 0 {
		return "", errdefs.Validation("versions %v mentioned in specifiers not found in %q releases", missing, pkg)
	}

	expr := strings.Join(parts, ",")
	specifiers, err := version.NewSpecifiers(expr, version.WithPreRelease(pre))
	if err != nil {
		return "", errdefs.Validation("invalid specifiers %q for package %q: %v", expr, pkg, err)
	}

	satisfied := slices.ContainsFunc(info.IDs, func(id string) bool {
		v, err := version.Parse(id)
		return err == nil && specifiers.Check(v)
	})
	if !satisfied {
		return "", errdefs.Validation("specifiers %q for package %q match no published version, available versions: %v",
			expr, pkg, info.IDs)
	}

	return pkg + expr, nil
}

func (r *Resolver) releaseInfo(ctx context.Context, pkg string) (ReleaseInfo, error) {
	info, err := r.registry.ReleaseInfo(ctx, pkg)
	if err != nil {
		return ReleaseInfo{}, err
	}
	if info.Latest == "" {
		return ReleaseInfo{}, errdefs.NotFound("latest release of package %q", pkg)
	}
	return info, nil
}

func (r *Resolver) logResolved(requirements []string) {
	r.logger.Info("resolved requirements", zap.Strings("requirements", requirements))
}
