// Package deps resolves the third-party requirements of a Python script.
//
// Module names are extracted from the script's import statements, standard
// library modules are excluded, and the rest are pinned either to the locally
// installed version or to the latest release published on the package
// registry. Overrides map a module to a different package name or to explicit
// version specifiers.
//
// Usage:
//
//	registry := deps.NewRegistryClient(logger)
//	index := deps.NewDistributionIndex(logger, deps.WithInterpreter(hostShell, "python3"))
//	resolver := deps.NewResolver(logger, registry, index)
//	requirements, err := resolver.ResolveScript(ctx, "script.py", nil)
package deps
