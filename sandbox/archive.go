package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0644
)

// DefaultExcludePatterns are skipped when a directory is archived into a container.
var DefaultExcludePatterns = []string{"__pycache__/", "*.pyc", "*.pyo", ".venv/", ".git/"}

// ArchivePath creates an uncompressed tar archive of src. The archive root is
// the leaf name of src, so extracting it at target yields target/<leaf>.
func ArchivePath(src string, excludePatterns []string) ([]byte, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)
	leaf := filepath.Base(filepath.Clean(src))

	if !info.IsDir() {
		if err := addFile(tarWriter, src, leaf, info); err != nil {
			return nil, err
		}
	} else {
		err = filepath.Walk(src, func(file string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}

			relPath, err := filepath.Rel(src, file)
			if err != nil {
				return err
			}
			relPath = filepath.ToSlash(relPath)

			checkPath := relPath
			if fi.IsDir() {
				checkPath += "/"
			}
			if relPath != "." && shouldExcludeFile(checkPath, excludePatterns) {
				if fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			name := leaf
			if relPath != "." {
				name = path.Join(leaf, relPath)
			}
			return addFile(tarWriter, file, name, fi)
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addFile(tarWriter *tar.Writer, file, name string, fi os.FileInfo) error {
	header, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return err
	}
	header.Name = name
	if fi.IsDir() {
		header.Name += "/"
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	if !fi.Mode().IsRegular() {
		return nil
	}

	data, err := os.Open(file)
	if err != nil {
		return err
	}
	defer data.Close()

	_, err = io.Copy(tarWriter, data)
	return err
}

// shouldExcludeFile reports whether relPath matches one of the patterns.
// Patterns ending in "/" match a directory anywhere in the path, other patterns
// are matched against the base name.
func shouldExcludeFile(relPath string, excludePatterns []string) bool {
	for _, pattern := range excludePatterns {
		if strings.HasSuffix(pattern, "/") {
			dir := strings.TrimSuffix(pattern, "/")
			parts := strings.Split(strings.TrimSuffix(relPath, "/"), "/")
			if !strings.HasSuffix(relPath, "/") {
				parts = parts[:len(parts)-1]
			}
			for _, part := range parts {
				if part == dir {
					return true
				}
			}
			continue
		}

		if matched, err := path.Match(pattern, path.Base(relPath)); err == nil && matched && !strings.HasSuffix(relPath, "/") {
			return true
		}
	}
	return false
}

// dockerfileContext wraps a Dockerfile into the tar build context the engine expects.
func dockerfileContext(dockerfile []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)

	header := &tar.Header{
		Name: "Dockerfile",
		Mode: FilePermission,
		Size: int64(len(dockerfile)),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("failed to write dockerfile header: %w", err)
	}
	if _, err := tarWriter.Write(dockerfile); err != nil {
		return nil, fmt.Errorf("failed to write dockerfile: %w", err)
	}
	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close build context: %w", err)
	}
	return &buf, nil
}
