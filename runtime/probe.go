package runtime

import (
	"os"
	"strings"
)

// ContainerProbe reports whether the current process runs inside a container
type ContainerProbe func() bool

// container markers written by docker and podman
var containerMarkers = []string{"/.dockerenv", "/run/.containerenv"}

// DetectContainer inspects marker files and the cgroup of PID 1
func DetectContainer() bool {
	return detectContainerFrom(os.ReadFile, fileExists)
}

func detectContainerFrom(readFile func(string) ([]byte, error), exists func(string) bool) bool {
	for _, marker := range containerMarkers {
		if exists(marker) {
			return true
		}
	}

	data, err := readFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	cgroup := string(data)
	return strings.Contains(cgroup, "docker") || strings.Contains(cgroup, "kubepods")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
