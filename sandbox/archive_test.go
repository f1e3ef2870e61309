package sandbox

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldExcludeFile(t *testing.T) {
	testCases := []struct {
		name          string
		relPath       string
		pattern       string
		shouldExclude bool
	}{
		{"exact file match", "main.py", "main.py", true},
		{"different file", "test.py", "main.py", false},
		{"wildcard extension", "cache.pyc", "*.pyc", true},
		{"nested wildcard", "src/cache/main.pyc", "*.pyc", true},
		{"directory pattern", "__pycache__/main.pyc", "__pycache__/", true},
		{"nested directory pattern", "pkg/__pycache__/mod.pyc", "__pycache__/", true},
		{"directory entry itself", ".venv/", ".venv/", true},
		{"file named like directory", ".venv", ".venv/", false},
		{"no match", "src/main.py", ".git/", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.shouldExclude, shouldExcludeFile(tc.relPath, []string{tc.pattern}))
		})
	}
}

func TestArchivePathDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "demo")
	files := map[string]string{
		"main.py":               "print('hi')",
		"lib/helpers.py":        "x = 1",
		"__pycache__/main.pyc":  "cache",
		".venv/bin/python":      "binary",
		"lib/__pycache__/h.pyc": "cache",
		"requirements.txt":      "requests==2.0.0",
	}
	for rel, content := range files {
		full := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0600))
	}

	data, err := ArchivePath(root, DefaultExcludePatterns)
	require.NoError(t, err)

	names := tarNames(t, data)
	assert.Equal(t, "print('hi')", names["demo/main.py"])
	assert.Equal(t, "x = 1", names["demo/lib/helpers.py"])
	assert.Equal(t, "requests==2.0.0", names["demo/requirements.txt"])
	assert.Contains(t, names, "demo/")
	assert.NotContains(t, names, "demo/__pycache__/main.pyc")
	assert.NotContains(t, names, "demo/.venv/bin/python")
	assert.NotContains(t, names, "demo/lib/__pycache__/h.pyc")
}

func TestDockerfileContext(t *testing.T) {
	reader, err := dockerfileContext([]byte("FROM alpine"))
	require.NoError(t, err)

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Dockerfile": "FROM alpine"}, tarNames(t, data))
}
