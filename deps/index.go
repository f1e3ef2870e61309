package deps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/mail"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/shell"
)

// sitePackagesProbe prints one site-packages directory per line
const sitePackagesProbe = "import site, sys; print('\\n'.join(site.getsitepackages() + [site.getusersitepackages()]))"

// PackageIndex maps importable module names to locally installed distributions
type PackageIndex interface {
	// ModuleMappedPackages returns module name -> {package name -> version}
	ModuleMappedPackages(ctx context.Context) (map[string]map[string]string, error)
}

// IndexOption configures a DistributionIndex
type IndexOption func(*DistributionIndex)

// WithSitePackages sets the directories scanned for installed distributions
func WithSitePackages(dirs ...string) IndexOption {
	return func(d *DistributionIndex) {
		d.sitePackages = dirs
	}
}

// WithInterpreter sets the interpreter asked for its site-packages
// directories when none are configured
func WithInterpreter(sh shell.Shell, python string) IndexOption {
	return func(d *DistributionIndex) {
		d.shell = sh
		d.python = python
	}
}

// DistributionIndex reads *.dist-info and *.egg-info metadata from
// site-packages directories
type DistributionIndex struct {
	logger       *zap.Logger
	mu           sync.Mutex
	sitePackages []string
	shell        shell.Shell
	python       string
}

// NewDistributionIndex creates a DistributionIndex
func NewDistributionIndex(logger *zap.Logger, opts ...IndexOption) *DistributionIndex {
	d := &DistributionIndex{logger: logger, python: "python3"}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ModuleMappedPackages scans every installed distribution. Distributions
// whose metadata cannot be read are skipped.
func (d *DistributionIndex) ModuleMappedPackages(ctx context.Context) (map[string]map[string]string, error) {
	mapping := make(map[string]map[string]string)

	for _, dir := range d.directories(ctx) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read site-packages %q: %w", dir, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() || !isDistributionDir(entry.Name()) {
				continue
			}

			dist, err := readDistribution(filepath.Join(dir, entry.Name()))
			if err != nil {
				d.logger.Debug("skipping distribution", zap.String("path", entry.Name()), zap.Error(err))
				continue
			}

			for _, module := range dist.modules {
				if mapping[module] == nil {
					mapping[module] = make(map[string]string)
				}
				if _, ok := mapping[module][dist.name]; !ok {
					mapping[module][dist.name] = dist.version
				}
			}
		}
	}

	return mapping, nil
}

// directories returns the configured site-packages directories or asks the
// interpreter for them. A successful discovery is kept for later calls.
func (d *DistributionIndex) directories(ctx context.Context) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.sitePackages) > 0 || d.shell == nil {
		return d.sitePackages
	}

	output, err := d.shell.Run(ctx, nil, d.python, "-c", sitePackagesProbe)
	if err != nil {
		d.logger.Warn("failed to discover site-packages", zap.String("python", d.python), zap.Error(err))
		return nil
	}

	var dirs []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); filepath.IsAbs(line) {
			dirs = append(dirs, line)
		}
	}
	if len(dirs) == 0 {
		d.logger.Warn("no site-packages directories discovered, installed packages are ignored",
			zap.String("python", d.python), zap.String("output", output))
		return nil
	}

	d.logger.Debug("discovered site-packages", zap.Strings("dirs", dirs))
	d.sitePackages = dirs
	return dirs
}

func isDistributionDir(name string) bool {
	return strings.HasSuffix(name, ".dist-info") || strings.HasSuffix(name, ".egg-info")
}

type distribution struct {
	name    string
	version string
	modules []string
}

func readDistribution(dir string) (*distribution, error) {
	metadataFile := "METADATA"
	if strings.HasSuffix(dir, ".egg-info") {
		metadataFile = "PKG-INFO"
	}

	f, err := os.Open(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// core metadata uses RFC 822 style headers
	msg, err := mail.ReadMessage(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metadataFile, err)
	}

	dist := &distribution{
		name:    strings.TrimSpace(msg.Header.Get("Name")),
		version: strings.TrimSpace(msg.Header.Get("Version")),
	}
	if dist.name == "" {
		return nil, errors.New("distribution has no name")
	}

	dist.modules, err = topLevelModules(dir)
	if err != nil {
		return nil, err
	}
	return dist, nil
}

// topLevelModules reads top_level.txt, falling back to the installed file
// list in RECORD for distributions that do not ship one.
func topLevelModules(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "top_level.txt"))
	if err == nil {
		return strings.Fields(string(data)), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	data, err = os.ReadFile(filepath.Join(dir, "RECORD"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, line := range strings.Split(string(data), "\n") {
		file, _, _ := strings.Cut(line, ",")
		if module, ok := recordModule(file); ok {
			seen[module] = struct{}{}
		}
	}

	modules := make([]string, 0, len(seen))
	for module := range seen {
		modules = append(modules, module)
	}
	sort.Strings(modules)
	return modules, nil
}

func recordModule(file string) (string, bool) {
	file = strings.TrimSpace(file)
	if file == "" || strings.HasPrefix(file, "..") || strings.HasPrefix(file, "/") {
		return "", false
	}

	root, rest, nested := strings.Cut(file, "/")
	switch {
	case isDistributionDir(root), root == "__pycache__", strings.HasSuffix(root, ".data"):
		return "", false
	case nested && rest != "":
		return root, true
	case path.Ext(root) == ".py":
		return strings.TrimSuffix(root, ".py"), true
	default:
		return "", false
	}
}
