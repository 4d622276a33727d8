package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/charlievieth/fastwalk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/modshell/internal/plugin"
)

// Installer installs packages for one platform.
type Installer struct {
	platform string
	logger   *zap.Logger

	// rename moves prepared entries into place; tests replace it to
	// simulate a failing move.
	rename func(oldpath, newpath string) error
}

// Option configures an Installer.
type Option func(*Installer)

// WithPlatform overrides the variant key, which defaults to PlatformKey().
func WithPlatform(key string) Option {
	return func(i *Installer) {
		if key != "" {
			i.platform = CanonicalPlatform(key)
		}
	}
}

// WithLogger sets the installer logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Installer) {
		if l != nil {
			i.logger = l
		}
	}
}

// New creates an installer.
func New(opts ...Option) *Installer {
	i := &Installer{
		platform: PlatformKey(),
		logger:   zap.NewNop(),
		rename:   os.Rename,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Platform returns the variant key the installer extracts.
func (i *Installer) Platform() string { return i.platform }

// Result describes a completed installation.
type Result struct {
	Name     string
	Version  string
	Platform string
	Core     bool
	// Paths lists the installed top-level paths inside the target root.
	Paths []string
}

// Install installs the package at archivePath into targetRoot. Core modules
// are installed flat; other packages into targetRoot/<name>. Files already at
// the destination are replaced, not merged. On failure targetRoot is left as
// it was.
func (i *Installer) Install(ctx context.Context, archivePath, targetRoot string, asCoreModule bool) (*Result, error) {
	a, err := Open(archivePath)
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	m := a.Manifest()

	if !a.HasVariant(i.platform) {
		return nil, &Error{Package: m.Name, Op: "select variant",
			Err: fmt.Errorf("%w: %s", ErrVariantMissing, i.platform)}
	}

	staging, err := os.MkdirTemp("", "modshell-stage-*")
	if err != nil {
		return nil, &Error{Package: m.Name, Op: "stage", Err: fmt.Errorf("%w: %v", ErrExtractionFailed, err)}
	}
	defer os.RemoveAll(staging)

	if err := a.Extract(ctx, i.platform, staging); err != nil {
		return nil, &Error{Package: m.Name, Op: "extract", Err: err}
	}

	if err := os.MkdirAll(targetRoot, 0755); err != nil {
		return nil, &Error{Package: m.Name, Op: "copy", Err: fmt.Errorf("%w: %v", ErrCopyFailed, err)}
	}

	var sw *swap
	if asCoreModule {
		sw, err = i.prepareFlat(ctx, m, a.RawManifest(), staging, targetRoot)
	} else {
		sw, err = i.prepareDir(ctx, m, a.RawManifest(), staging, targetRoot)
	}
	if err != nil {
		return nil, &Error{Package: m.Name, Op: "copy", Err: err}
	}
	if err := sw.commit(); err != nil {
		return nil, &Error{Package: m.Name, Op: "commit", Err: err}
	}

	res := &Result{
		Name:     m.Name,
		Version:  m.Version,
		Platform: i.platform,
		Core:     asCoreModule,
		Paths:    sw.destinations(),
	}
	i.logger.Info("package installed",
		zap.String("package", m.Name),
		zap.String("version", m.Version),
		zap.String("platform", i.platform),
		zap.Bool("core", asCoreModule),
		zap.String("root", targetRoot))
	return res, nil
}

// prepareDir copies the staged variant into a hidden temporary directory
// next to targetRoot/<name>. A manifest is written when the variant ships
// none.
func (i *Installer) prepareDir(ctx context.Context, m *plugin.Manifest, raw []byte, staging, targetRoot string) (*swap, error) {
	sw := i.newSwap()
	tmp, err := os.MkdirTemp(targetRoot, "."+m.Name+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	sw.add(tmp, filepath.Join(targetRoot, m.Name))

	if err := copyTree(ctx, staging, tmp); err != nil {
		sw.discard()
		return nil, err
	}

	if !exists(filepath.Join(tmp, plugin.MetadataFile)) && !exists(filepath.Join(tmp, plugin.ManifestFile)) {
		if err := os.WriteFile(filepath.Join(tmp, plugin.MetadataFile), raw, 0644); err != nil {
			sw.discard()
			return nil, fmt.Errorf("%w: %v", ErrCopyFailed, err)
		}
	}
	return sw, nil
}

// prepareFlat copies each top-level staged entry to a hidden temporary name
// in targetRoot and adds the <name>.json sidecar manifest.
func (i *Installer) prepareFlat(ctx context.Context, m *plugin.Manifest, raw []byte, staging, targetRoot string) (*swap, error) {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}

	sw := i.newSwap()
	sidecar := m.Name + ".json"
	hasSidecar := false

	for _, entry := range entries {
		if entry.Name() == sidecar {
			hasSidecar = true
		}
		src := filepath.Join(staging, entry.Name())
		tmp := sw.tempName(targetRoot, entry.Name())
		sw.add(tmp, filepath.Join(targetRoot, entry.Name()))

		if entry.IsDir() {
			err = copyTree(ctx, src, tmp)
		} else {
			err = copyFile(src, tmp)
		}
		if err != nil {
			sw.discard()
			return nil, err
		}
	}

	if !hasSidecar {
		tmp := sw.tempName(targetRoot, sidecar)
		sw.add(tmp, filepath.Join(targetRoot, sidecar))
		if err := os.WriteFile(tmp, raw, 0644); err != nil {
			sw.discard()
			return nil, fmt.Errorf("%w: %v", ErrCopyFailed, err)
		}
	}
	return sw, nil
}

func (i *Installer) newSwap() *swap {
	return &swap{rename: i.rename, logger: i.logger}
}

// copyTree copies the regular files and directories under src into dst.
// Files are copied concurrently; anything else fails the copy.
func copyTree(ctx context.Context, src, dst string) error {
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type().IsRegular():
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			return copyFile(path, target)
		default:
			return fmt.Errorf("%s: unsupported file type %s", rel, d.Type())
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrCopyFailed, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// hiddenName returns a dot-prefixed sibling name that plugin scans skip.
func hiddenName(base, tag string) string {
	return "." + base + "." + tag + "-" + uuid.NewString()
}

func sortedCopy(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	return out
}
