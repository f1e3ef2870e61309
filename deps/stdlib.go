package deps

import (
	_ "embed"
	"strings"
	"sync"
)

//go:embed stdlib.txt
var stdlibList string

var stdlibModules = sync.OnceValue(func() map[string]struct{} {
	modules := make(map[string]struct{})
	for _, line := range strings.Split(stdlibList, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			modules[name] = struct{}{}
		}
	}
	return modules
})

// StdlibModules returns the fixed set of Python standard library module names.
// The returned map is shared and must not be modified.
func StdlibModules() map[string]struct{} {
	return stdlibModules()
}

// IsStdlib reports whether module belongs to the standard library
func IsStdlib(module string) bool {
	_, ok := stdlibModules()[module]
	return ok
}
