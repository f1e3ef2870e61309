package deps

import (
	"errors"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/isdmx/scriptbox/errdefs"
)

// LoadOverrides reads dependency overrides keyed by module name from a YAML file:
//
//	yaml:
//	  package_name: PyYAML
//	  specifiers:
//	    - op: ">="
//	      version: "6.0"
func LoadOverrides(path string) (map[string]Dependency, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errdefs.NotFound("overrides file %q", path)
		}
		return nil, err
	}

	overrides := make(map[string]Dependency)
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, errdefs.Validation("invalid overrides file %q: %v", path, err)
	}
	return overrides, nil
}
