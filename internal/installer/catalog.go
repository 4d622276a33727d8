package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/modshell/internal/plugin"
)

// Catalog indexes the packages of a directory by manifest name. When two
// packages share a name the higher version wins.
type Catalog struct {
	dir string

	mu       sync.RWMutex
	packages map[string]*Archive
}

// NewCatalog opens every package in dir. Unreadable packages are skipped
// and reported through the returned error together with the catalog.
func NewCatalog(dir string) (*Catalog, error) {
	c := &Catalog{dir: dir, packages: make(map[string]*Archive)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var bad []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), PackageExt) {
			continue
		}
		a, err := Open(filepath.Join(dir, e.Name()))
		if err != nil {
			bad = append(bad, e.Name())
			continue
		}
		name := a.manifest.Name
		if prev, ok := c.packages[name]; ok && !newer(a.manifest.Version, prev.manifest.Version) {
			continue
		}
		c.packages[name] = a
	}

	if len(bad) > 0 {
		return c, fmt.Errorf("%w: %s", ErrInvalidArchive, strings.Join(bad, ", "))
	}
	return c, nil
}

// Dir returns the catalogued directory.
func (c *Catalog) Dir() string { return c.dir }

// Lookup returns the package called name.
func (c *Catalog) Lookup(name string) (*Archive, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.packages[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
	}
	return a, nil
}

// Names returns the catalogued package names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.packages))
	for name := range c.packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InstallWithDependencies installs the package called name after its
// declared dependencies, depth first, each package once. Core packages go
// to targets.Modules, others to targets.Plugins. Dependencies already
// installed at an equal or higher version are left alone.
func (i *Installer) InstallWithDependencies(ctx context.Context, c *Catalog, name string, targets Targets) ([]*Result, error) {
	r := &resolver{
		installer: i,
		catalog:   c,
		targets:   targets,
		state:     make(map[string]visit),
	}
	if err := r.install(ctx, name, nil); err != nil {
		return r.results, err
	}
	return r.results, nil
}

type visit int

const (
	visiting visit = iota + 1
	visited
)

type resolver struct {
	installer *Installer
	catalog   *Catalog
	targets   Targets
	state     map[string]visit
	results   []*Result
}

func (r *resolver) install(ctx context.Context, name string, path []string) error {
	switch r.state[name] {
	case visited:
		return nil
	case visiting:
		return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(append(path, name), " -> "))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a, err := r.catalog.Lookup(name)
	if err != nil {
		if len(path) > 0 {
			return fmt.Errorf("%s requires %s: %w", path[len(path)-1], name, err)
		}
		return err
	}

	r.state[name] = visiting
	path = append(path, name)
	for _, dep := range a.manifest.Dependencies {
		if err := r.install(ctx, dep, path); err != nil {
			return err
		}
	}
	r.state[name] = visited

	// The requested package is always installed; dependencies only when
	// missing or older.
	return r.installArchive(ctx, a, len(path) == 1)
}

func (r *resolver) installArchive(ctx context.Context, a *Archive, force bool) error {
	m := a.manifest
	root, core := r.targets.Plugins, false
	if m.IsCore() {
		root, core = r.targets.Modules, true
	}

	if have := InstalledVersion(root, m.Name, core); !force && have != "" && !newer(m.Version, have) {
		r.installer.logger.Debug("dependency already installed",
			zap.String("package", m.Name), zap.String("version", have))
		return nil
	}

	res, err := r.installer.Install(ctx, a.Path(), root, core)
	if err != nil {
		return err
	}
	r.results = append(r.results, res)
	return nil
}

// Manifests returns copies of the catalogued manifests, sorted by name.
func (c *Catalog) Manifests() []*plugin.Manifest {
	names := c.Names()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*plugin.Manifest, 0, len(names))
	for _, name := range names {
		out = append(out, c.packages[name].Manifest())
	}
	return out
}
