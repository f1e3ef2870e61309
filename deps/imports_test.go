package deps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/scriptbox/errdefs"
)

func TestExtractModuleNames(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		expected []string
	}{
		{
			name:     "PlainAndAliased",
			source:   "import pandas as pd\nimport numpy, requests\n",
			expected: []string{"pandas", "numpy", "requests"},
		},
		{
			name:     "DottedKeepsRoot",
			source:   "import os.path\nimport google.cloud.storage as gcs\n",
			expected: []string{"os", "google"},
		},
		{
			name:     "FromImport",
			source:   "from numpy import array\nfrom matplotlib.pyplot import plot\n",
			expected: []string{"numpy", "matplotlib"},
		},
		{
			name:     "BothFormsShareRoot",
			source:   "from os.path import join\nimport os.path\nfrom google.cloud import storage\nimport google.auth\n",
			expected: []string{"os", "google"},
		},
		{
			name:     "RelativeImportsIgnored",
			source:   "from . import sibling\nfrom .pkg import thing\nfrom ..up import other\nimport yaml\n",
			expected: []string{"yaml"},
		},
		{
			name: "ConditionalAndTryBlocks",
			source: `import sys
if sys.version_info >= (3, 11):
    import tomllib
else:
    import tomli as tomllib

try:
    import ujson as json
except ImportError:
    import simplejson as json
else:
    from rich import print
finally:
    import atexit
`,
			expected: []string{"sys", "tomllib", "tomli", "ujson", "simplejson", "rich", "atexit"},
		},
		{
			name:     "InlineCompoundStatements",
			source:   "if True: import a; import b\ntry: import c\nexcept Exception: import d\n",
			expected: []string{"a", "b", "c", "d"},
		},
		{
			name: "ParenthesizedAndContinued",
			source: `from requests import (
    get,
    post,
)
import flask, \
    jinja2
`,
			expected: []string{"requests", "flask", "jinja2"},
		},
		{
			name: "StringsAndCommentsIgnored",
			source: `"""
import notamodule
"""
# import commented
x = "import quoted"
y = 'from fake import thing'
import real  # import trailing
`,
			expected: []string{"real"},
		},
		{
			name:     "NestedInFunction",
			source:   "def load():\n    import lazy_module\n    return lazy_module\n",
			expected: []string{"lazy_module"},
		},
		{
			name:     "RaiseFromAndYieldFrom",
			source:   "def g():\n    yield from other()\ntry:\n    pass\nexcept KeyError as e:\n    raise ValueError() from e\n",
			expected: nil,
		},
		{
			name:     "Duplicates",
			source:   "import requests\nfrom requests import get\nimport requests.adapters\n",
			expected: []string{"requests"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractModuleNames([]byte(tt.source)))
		})
	}
}

func TestExtractModuleNamesFromFile(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		_, err := ExtractModuleNamesFromFile(filepath.Join(t.TempDir(), "missing.py"))
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("ReadsFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "script.py")
		require.NoError(t, os.WriteFile(path, []byte("import requests\nimport pandas\n"), 0o644))

		modules, err := ExtractModuleNamesFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"requests", "pandas"}, modules)
	})
}

func TestStdlibModules(t *testing.T) {
	for _, module := range []string{"os", "sys", "json", "asyncio", "__future__", "tomllib"} {
		assert.True(t, IsStdlib(module), module)
	}
	for _, module := range []string{"requests", "pandas", "numpy", ""} {
		assert.False(t, IsStdlib(module), module)
	}
	assert.Greater(t, len(StdlibModules()), 200)
}
