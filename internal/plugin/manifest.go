package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Manifest file names checked in a plugin directory, in order.
const (
	MetadataFile = "metadata.json"
	ManifestFile = "manifest.json"
)

// DefaultScriptMain is the entry file of a script plugin without "main".
const DefaultScriptMain = "Main.lua"

// ResourceScheme prefixes icon and resource references served from the
// framework's embedded resources.
const ResourceScheme = "res:"

// Manifest describes a plugin's metadata. It is immutable once loaded.
type Manifest struct {
	// Identity
	Name        string `json:"name"`        // Unique identifier (e.g., "counter")
	Version     string `json:"version"`     // Semver (e.g., "1.2.0")
	Description string `json:"description"` // Short description

	// Routing
	PluginType string `json:"pluginType"` // "qml"/"script" for script plugins, empty for native
	Type       string `json:"type"`       // "ui" or "core"

	// Entry point
	Main   string `json:"main"`   // Entry file relative to the plugin directory
	Symbol string `json:"symbol"` // Exported symbol for native plugins

	// Requirements
	Dependencies []string `json:"dependencies"` // Modules loaded before this plugin

	// Presentation
	Icon     string `json:"icon"`
	Category string `json:"category"`

	kind Kind
	dir  string
}

// Validation errors.
var (
	ErrMissingName    = errors.New("manifest: name is required")
	ErrInvalidName    = errors.New("manifest: name must be alphanumeric with '-', '_' or '.'")
	ErrInvalidVersion = errors.New("manifest: version must be valid semver")
	ErrInvalidMain    = errors.New("manifest: main must stay inside the plugin directory")
	ErrInvalidEntry   = errors.New("manifest: script main must be a .lua or .js file")
)

// namePattern validates plugin names.
var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// LibraryExt returns the shared library suffix of the running platform.
func LibraryExt() string {
	switch runtime.GOOS {
	case "darwin":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// LoadManifest loads and validates a plugin manifest from a file. The plugin
// directory is the file's directory, whose base name is the fallback name.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrManifestUnreadable, path, err)
	}
	m, err := ParseManifest(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifest parses manifest JSON for a plugin living in dir.
func ParseManifest(data []byte, dir string) (*Manifest, error) {
	fallback := ""
	if dir != "" {
		fallback = filepath.Base(dir)
	}
	return parseManifest(data, dir, fallback)
}

func parseManifest(data []byte, dir, fallbackName string) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
	}
	m.dir = dir
	if m.Name == "" {
		m.Name = fallbackName
	}

	m.kind = ParseKind(m.PluginType)
	if m.kind == KindUnknown {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.PluginType)
	}

	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewNativeManifest creates the manifest of a legacy native plugin that ships
// without metadata.
func NewNativeManifest(name, dir string) *Manifest {
	m := &Manifest{
		Name: name,
		kind: KindNative,
		dir:  dir,
	}
	m.applyDefaults()
	return m
}

// applyDefaults sets default values for optional fields.
func (m *Manifest) applyDefaults() {
	if m.Main == "" {
		switch m.kind {
		case KindScript:
			m.Main = DefaultScriptMain
		case KindNative:
			m.Main = m.Name + LibraryExt()
		}
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
}

// Validate checks that the manifest is valid.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidName, m.Name)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}

	// Main is resolved against the plugin directory and must not climb out of it.
	clean := filepath.Clean(filepath.FromSlash(m.Main))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrInvalidMain, m.Main)
	}

	if m.kind == KindScript {
		switch strings.ToLower(filepath.Ext(m.Main)) {
		case ".lua", ".js":
		default:
			return fmt.Errorf("%w: %s", ErrInvalidEntry, m.Main)
		}
	}

	for _, dep := range m.Dependencies {
		if dep == m.Name {
			return fmt.Errorf("manifest: %s depends on itself", m.Name)
		}
	}

	return nil
}

// Kind returns the plugin kind resolved at load time.
func (m *Manifest) Kind() Kind {
	return m.kind
}

// Dir returns the path to the plugin directory.
func (m *Manifest) Dir() string {
	return m.dir
}

// EntryPath returns the full path to the entry file or library.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.dir, filepath.FromSlash(m.Main))
}

// IsCore returns true for manifests describing core modules.
func (m *Manifest) IsCore() bool {
	return strings.EqualFold(m.Type, "core")
}

// IconPath resolves the icon reference. Resource-scheme icons are returned
// unchanged, relative icons are joined to the plugin directory.
func (m *Manifest) IconPath() string {
	switch {
	case m.Icon == "":
		return ""
	case strings.HasPrefix(m.Icon, ResourceScheme), filepath.IsAbs(m.Icon):
		return m.Icon
	default:
		return filepath.Join(m.dir, filepath.FromSlash(m.Icon))
	}
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s (%s)", m.Name, m.Version, m.kind)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m
	if m.Dependencies != nil {
		clone.Dependencies = make([]string, len(m.Dependencies))
		copy(clone.Dependencies, m.Dependencies)
	}
	return &clone
}
