package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/dshills/modshell/internal/plugin"
)

// Targets names the install roots used by Preinstall.
type Targets struct {
	Modules string // flat root for core modules
	Plugins string // root for UI plugins, one directory each
}

// Preinstall installs every package in dir that is not already present at
// an equal or higher version. Core packages go to targets.Modules, all
// others to targets.Plugins. A failing package is logged and skipped; the
// failures are returned joined. A missing dir is not an error.
func (i *Installer) Preinstall(ctx context.Context, dir string, targets Targets) ([]*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			i.logger.Debug("no preinstall directory", zap.String("dir", dir))
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), PackageExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var results []*Result
	var errs []error
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return results, errors.Join(append(errs, err)...)
		}
		res, err := i.preinstallOne(ctx, filepath.Join(dir, name), targets)
		if err != nil {
			i.logger.Warn("preinstall failed", zap.String("package", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

func (i *Installer) preinstallOne(ctx context.Context, path string, targets Targets) (*Result, error) {
	a, err := Open(path)
	if err != nil {
		return nil, err
	}
	m := a.Manifest()

	root, core := targets.Plugins, false
	if m.IsCore() {
		root, core = targets.Modules, true
	}

	if have := InstalledVersion(root, m.Name, core); have != "" && !newer(m.Version, have) {
		i.logger.Debug("preinstall skipped, already current",
			zap.String("package", m.Name),
			zap.String("installed", have),
			zap.String("packaged", m.Version))
		return nil, nil
	}
	return i.Install(ctx, path, root, core)
}

// InstalledVersion returns the version of the package called name installed
// under root, or "" when it is absent or unreadable.
func InstalledVersion(root, name string, core bool) string {
	var candidates []string
	if core {
		candidates = []string{filepath.Join(root, name+".json")}
	} else {
		candidates = []string{
			filepath.Join(root, name, plugin.MetadataFile),
			filepath.Join(root, name, plugin.ManifestFile),
		}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		m, err := plugin.ParseManifest(data, filepath.Dir(path))
		if err != nil {
			return ""
		}
		return m.Version
	}
	return ""
}

// newer reports whether version a is greater than b. Versions that are not
// valid semver never count as newer.
func newer(a, b string) bool {
	a, b = canonicalVersion(a), canonicalVersion(b)
	if !semver.IsValid(a) {
		return false
	}
	if !semver.IsValid(b) {
		return true
	}
	return semver.Compare(a, b) > 0
}

func canonicalVersion(v string) string {
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
