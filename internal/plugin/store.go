package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Store discovers plugin manifests under a set of roots and caches them.
// It is the single source of truth for plugin kind.
type Store struct {
	mu sync.RWMutex

	// Roots scanned in order; the first root declaring a name wins.
	roots []string

	// Manifest file names checked per plugin directory.
	manifestFiles []string

	// Glob matching flat native library files in a root.
	libraryPattern string

	// Manifest types skipped during scans (e.g. "ui" for the core store).
	excludeTypes map[string]bool

	logger *zap.Logger

	manifests map[string]*Manifest
	scanned   bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRoots sets the plugin roots.
func WithRoots(roots ...string) StoreOption {
	return func(s *Store) {
		s.roots = roots
	}
}

// WithManifestFiles sets the manifest file names looked up per plugin.
func WithManifestFiles(names ...string) StoreOption {
	return func(s *Store) {
		s.manifestFiles = names
	}
}

// WithLibraryPattern sets the glob used to find flat library files.
func WithLibraryPattern(pattern string) StoreOption {
	return func(s *Store) {
		s.libraryPattern = pattern
	}
}

// WithExcludedTypes skips manifests whose "type" is one of types.
func WithExcludedTypes(types ...string) StoreOption {
	return func(s *Store) {
		for _, t := range types {
			s.excludeTypes[strings.ToLower(t)] = true
		}
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a manifest store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		manifestFiles:  []string{MetadataFile, ManifestFile},
		libraryPattern: "*" + LibraryExt(),
		excludeTypes:   make(map[string]bool),
		logger:         zap.NewNop(),
		manifests:      make(map[string]*Manifest),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Roots returns the configured roots.
func (s *Store) Roots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.roots))
	copy(out, s.roots)
	return out
}

// Scan enumerates the plugins of a single root. Names are unique in the
// result; unreadable manifests are logged and skipped. A missing root yields
// an empty list.
func (s *Store) Scan(root string) ([]*Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	seen := make(map[string]bool)
	var found []*Manifest

	add := func(m *Manifest) {
		if m == nil {
			return
		}
		if s.excludeTypes[strings.ToLower(m.Type)] {
			s.logger.Debug("skipping excluded plugin type",
				zap.String("plugin", m.Name), zap.String("type", m.Type))
			return
		}
		if seen[m.Name] {
			s.logger.Warn("duplicate plugin name, keeping first",
				zap.String("plugin", m.Name), zap.String("dir", m.Dir()))
			return
		}
		seen[m.Name] = true
		found = append(found, m)
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		if entry.IsDir() {
			add(s.inspectDir(name, filepath.Join(root, name)))
			continue
		}

		if ok, _ := doublestar.Match(s.libraryPattern, name); ok {
			add(s.inspectLibrary(root, name))
		}
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Name < found[j].Name
	})

	return found, nil
}

// inspectDir reads the manifest of a plugin directory. Directories without a
// manifest are native plugins when their library exists.
func (s *Store) inspectDir(name, dir string) *Manifest {
	for _, file := range s.manifestFiles {
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := LoadManifest(path)
		if err != nil {
			s.logManifestError(name, err)
			return nil
		}
		return m
	}

	m := NewNativeManifest(name, dir)
	if _, err := os.Stat(m.EntryPath()); err != nil {
		s.logger.Debug("directory has neither manifest nor library",
			zap.String("dir", dir))
		return nil
	}
	return m
}

// inspectLibrary handles a flat library file, reading an optional
// <name>.json sidecar manifest.
func (s *Store) inspectLibrary(root, file string) *Manifest {
	name := strings.TrimSuffix(file, filepath.Ext(file))
	sidecar := filepath.Join(root, name+".json")

	data, err := os.ReadFile(sidecar)
	if err != nil {
		m := NewNativeManifest(name, root)
		m.Main = file
		return m
	}

	m, err := parseManifest(data, root, name)
	if err != nil {
		s.logManifestError(name, fmt.Errorf("%s: %w", sidecar, err))
		return nil
	}
	if m.Kind() != KindNative {
		s.logManifestError(name, fmt.Errorf("%s: %w: flat libraries must be native", sidecar, ErrUnknownKind))
		return nil
	}
	return m
}

func (s *Store) logManifestError(name string, err error) {
	if errors.Is(err, ErrUnknownKind) {
		s.logger.Info("skipping plugin with unresolved kind",
			zap.String("plugin", name), zap.Error(err))
		return
	}
	s.logger.Warn("plugin unavailable",
		zap.String("plugin", name), zap.Error(err))
}

// Refresh rescans every root and replaces the cache.
func (s *Store) Refresh() error {
	s.mu.RLock()
	roots := make([]string, len(s.roots))
	copy(roots, s.roots)
	s.mu.RUnlock()

	manifests := make(map[string]*Manifest)
	var errs []error

	for _, root := range roots {
		found, err := s.Scan(root)
		if err != nil {
			errs = append(errs, fmt.Errorf("scan %s: %w", root, err))
			continue
		}
		for _, m := range found {
			if prev, exists := manifests[m.Name]; exists {
				s.logger.Warn("plugin shadowed by earlier root",
					zap.String("plugin", m.Name),
					zap.String("kept", prev.Dir()),
					zap.String("ignored", m.Dir()))
				continue
			}
			manifests[m.Name] = m
		}
	}

	s.mu.Lock()
	s.manifests = manifests
	s.scanned = true
	s.mu.Unlock()

	s.logger.Debug("plugin scan complete", zap.Int("plugins", len(manifests)))

	return errors.Join(errs...)
}

// Invalidate drops the cache; the next lookup rescans.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.scanned = false
	s.mu.Unlock()
}

func (s *Store) ensureScanned() {
	s.mu.RLock()
	scanned := s.scanned
	s.mu.RUnlock()
	if scanned {
		return
	}
	if err := s.Refresh(); err != nil {
		s.logger.Warn("plugin scan incomplete", zap.Error(err))
	}
}

// Get returns the manifest for name.
func (s *Store) Get(name string) (*Manifest, bool) {
	s.ensureScanned()
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.manifests[name]
	return m, ok
}

// Lookup returns the manifest for name or ErrPluginNotFound with suggestions.
func (s *Store) Lookup(name string) (*Manifest, error) {
	if m, ok := s.Get(name); ok {
		return m, nil
	}
	if near := s.Suggest(name); len(near) > 0 {
		return nil, fmt.Errorf("%w: %s (did you mean %s?)", ErrPluginNotFound, name, strings.Join(near, ", "))
	}
	return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
}

// KindOf returns the kind of a known plugin, or KindUnknown.
func (s *Store) KindOf(name string) Kind {
	m, ok := s.Get(name)
	if !ok {
		return KindUnknown
	}
	return m.Kind()
}

// List returns all known manifests sorted by name.
func (s *Store) List() []*Manifest {
	s.ensureScanned()
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Manifest, 0, len(s.manifests))
	for _, m := range s.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Names returns the names of all known plugins, sorted.
func (s *Store) Names() []string {
	list := s.List()
	names := make([]string, len(list))
	for i, m := range list {
		names[i] = m.Name
	}
	return names
}

// Suggest returns known names close to name, nearest first.
func (s *Store) Suggest(name string) []string {
	type candidate struct {
		name string
		dist int
	}

	limit := len(name) / 3
	if limit < 2 {
		limit = 2
	}

	var candidates []candidate
	for _, known := range s.Names() {
		d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(known))
		if d <= limit {
			candidates = append(candidates, candidate{known, d})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].dist < candidates[j].dist
	})

	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.name)
	}
	return out
}
