package core

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/modshell/internal/bridge"
	"github.com/dshills/modshell/internal/installer"
	"github.com/dshills/modshell/sdk"
)

// PackageModuleName is the bridge name of the package installer module.
const PackageModuleName = "package_manager"

// Events emitted by the package module.
const (
	EventPackageInstalled = "packageInstalled"
	EventPackageFailed    = "packageFailed"
)

// PackageInfo describes a package available for installation.
type PackageInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Type         string   `json:"type"`
	Installed    string   `json:"installed,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// PackageModule exposes the installer over the bridge. Installed core
// modules become known to the runtime immediately.
type PackageModule struct {
	installer   *installer.Installer
	rt          *Runtime
	packagesDir string
	logger      *zap.Logger

	mu      sync.Mutex
	targets installer.Targets
	emit    sdk.Emitter
}

var (
	_ sdk.Module  = (*PackageModule)(nil)
	_ sdk.Starter = (*PackageModule)(nil)
)

// NewPackageModule creates the package_manager module. packagesDir is the
// catalog consulted by installPackage.
func NewPackageModule(inst *installer.Installer, rt *Runtime, targets installer.Targets, packagesDir string, logger *zap.Logger) *PackageModule {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PackageModule{
		installer:   inst,
		rt:          rt,
		packagesDir: packagesDir,
		targets:     targets,
		logger:      logger,
	}
}

// Start implements sdk.Starter.
func (p *PackageModule) Start(emit sdk.Emitter, _ sdk.Host) error {
	p.mu.Lock()
	p.emit = emit
	p.mu.Unlock()
	return nil
}

// Targets returns the current install roots.
func (p *PackageModule) Targets() installer.Targets {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targets
}

// Methods implements sdk.Module.
func (p *PackageModule) Methods() []sdk.Method {
	return []sdk.Method{
		{Name: "installPlugin", Params: []string{"path", "asCoreModule"}, Returns: "result"},
		{Name: "installPackage", Params: []string{"name"}, Returns: "[]result"},
		{Name: "getPackages", Returns: "[]package"},
		{Name: "setPluginsDirectory", Params: []string{"dir"}},
		{Name: "setUiPluginsDirectory", Params: []string{"dir"}},
		{Name: "getPlatform", Returns: "string"},
	}
}

// Call implements sdk.Module.
func (p *PackageModule) Call(ctx context.Context, method string, args []any) (any, error) {
	switch method {
	case "installPlugin":
		path, err := stringArg(args, 0, "path")
		if err != nil {
			return nil, err
		}
		core, err := boolArg(args, 1, "asCoreModule", false)
		if err != nil {
			return nil, err
		}
		return p.InstallPlugin(ctx, path, core)

	case "installPackage":
		name, err := stringArg(args, 0, "name")
		if err != nil {
			return nil, err
		}
		return p.InstallPackage(ctx, name)

	case "getPackages":
		return p.Packages()

	case "setPluginsDirectory":
		dir, err := stringArg(args, 0, "dir")
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.targets.Modules = dir
		p.mu.Unlock()
		return true, nil

	case "setUiPluginsDirectory":
		dir, err := stringArg(args, 0, "dir")
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.targets.Plugins = dir
		p.mu.Unlock()
		return true, nil

	case "getPlatform":
		return p.installer.Platform(), nil

	default:
		return nil, fmt.Errorf("%w: %s.%s", bridge.ErrMethodNotFound, PackageModuleName, method)
	}
}

// InstallPlugin installs a single package file. Core packages go to the
// modules root, others to the plugins root.
func (p *PackageModule) InstallPlugin(ctx context.Context, path string, asCoreModule bool) (*installer.Result, error) {
	targets := p.Targets()
	root := targets.Plugins
	if asCoreModule {
		root = targets.Modules
	}

	res, err := p.installer.Install(ctx, path, root, asCoreModule)
	if err != nil {
		p.publish(EventPackageFailed, map[string]any{"path": path, "error": err.Error()})
		return nil, err
	}
	p.installed([]*installer.Result{res})
	return res, nil
}

// InstallPackage installs the catalogued package called name with its
// dependencies.
func (p *PackageModule) InstallPackage(ctx context.Context, name string) ([]*installer.Result, error) {
	catalog, err := p.catalog()
	if err != nil {
		return nil, err
	}
	results, err := p.installer.InstallWithDependencies(ctx, catalog, name, p.Targets())
	p.installed(results)
	if err != nil {
		p.publish(EventPackageFailed, map[string]any{"name": name, "error": err.Error()})
		return results, err
	}
	return results, nil
}

// Packages lists the catalogued packages with their installed versions.
func (p *PackageModule) Packages() ([]PackageInfo, error) {
	catalog, err := p.catalog()
	if err != nil {
		return nil, err
	}
	targets := p.Targets()

	var out []PackageInfo
	for _, m := range catalog.Manifests() {
		root, core := targets.Plugins, false
		if m.IsCore() {
			root, core = targets.Modules, true
		}
		out = append(out, PackageInfo{
			Name:         m.Name,
			Version:      m.Version,
			Type:         m.Type,
			Installed:    installer.InstalledVersion(root, m.Name, core),
			Dependencies: m.Dependencies,
		})
	}
	return out, nil
}

func (p *PackageModule) catalog() (*installer.Catalog, error) {
	if p.packagesDir == "" {
		return nil, fmt.Errorf("%w: no packages directory configured", installer.ErrPackageNotFound)
	}
	catalog, err := installer.NewCatalog(p.packagesDir)
	if catalog == nil {
		return nil, err
	}
	if err != nil {
		p.logger.Warn("catalog has unreadable packages", zap.Error(err))
	}
	return catalog, nil
}

// installed refreshes the runtime when a core module arrived and announces
// each package.
func (p *PackageModule) installed(results []*installer.Result) {
	refresh := false
	for _, res := range results {
		refresh = refresh || res.Core
	}
	if refresh && p.rt != nil {
		if err := p.rt.Refresh(); err != nil {
			p.logger.Warn("module rescan failed", zap.Error(err))
		}
	}
	for _, res := range results {
		p.publish(EventPackageInstalled, map[string]any{
			"name":    res.Name,
			"version": res.Version,
			"core":    res.Core,
		})
	}
}

func (p *PackageModule) publish(event string, data any) {
	p.mu.Lock()
	emit := p.emit
	p.mu.Unlock()
	if emit != nil {
		emit.Emit(event, data)
	}
}
