package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "counter")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	manifestPath := filepath.Join(dir, MetadataFile)

	content := `{
		"name": "counter",
		"version": "1.0.0",
		"pluginType": "QML",
		"dependencies": ["core_manager"],
		"icon": "icons/counter.png",
		"category": "tools"
	}`

	if err := os.WriteFile(manifestPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test manifest: %v", err)
	}

	m, err := LoadManifest(manifestPath)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}

	if m.Name != "counter" {
		t.Errorf("Name = %q, want %q", m.Name, "counter")
	}
	if m.Kind() != KindScript {
		t.Errorf("Kind() = %v, want %v", m.Kind(), KindScript)
	}
	if m.Main != DefaultScriptMain {
		t.Errorf("Main = %q, want %q", m.Main, DefaultScriptMain)
	}
	if m.Dir() != dir {
		t.Errorf("Dir() = %q, want %q", m.Dir(), dir)
	}
	if len(m.Dependencies) != 1 || m.Dependencies[0] != "core_manager" {
		t.Errorf("Dependencies = %v, want [core_manager]", m.Dependencies)
	}
	if got, want := m.IconPath(), filepath.Join(dir, "icons", "counter.png"); got != want {
		t.Errorf("IconPath() = %q, want %q", got, want)
	}
	if m.Category != "tools" {
		t.Errorf("Category = %q, want %q", m.Category, "tools")
	}
}

func TestLoadManifestInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, MetadataFile)

	if err := os.WriteFile(manifestPath, []byte("{not json"), 0644); err != nil {
		t.Fatalf("Failed to write test manifest: %v", err)
	}

	_, err := LoadManifest(manifestPath)
	if !errors.Is(err, ErrManifestUnreadable) {
		t.Errorf("LoadManifest() error = %v, want ErrManifestUnreadable", err)
	}
}

func TestLoadManifestNotFound(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, ErrManifestUnreadable) {
		t.Errorf("LoadManifest() error = %v, want ErrManifestUnreadable", err)
	}
}

func TestParseManifestDefaults(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantKind Kind
		wantMain string
		wantName string
	}{
		{"native legacy", `{}`, KindNative, "calc" + LibraryExt(), "calc"},
		{"explicit native", `{"pluginType": "native"}`, KindNative, "calc" + LibraryExt(), "calc"},
		{"script", `{"pluginType": "script"}`, KindScript, DefaultScriptMain, "calc"},
		{"script js", `{"pluginType": "qml", "main": "app/main.js"}`, KindScript, "app/main.js", "calc"},
		{"named", `{"name": "other"}`, KindNative, "other" + LibraryExt(), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.json), filepath.Join("plugins", "calc"))
			if err != nil {
				t.Fatalf("ParseManifest() error = %v", err)
			}
			if m.Kind() != tt.wantKind {
				t.Errorf("Kind() = %v, want %v", m.Kind(), tt.wantKind)
			}
			if m.Main != tt.wantMain {
				t.Errorf("Main = %q, want %q", m.Main, tt.wantMain)
			}
			if m.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", m.Name, tt.wantName)
			}
			if m.Version != "0.0.0" {
				t.Errorf("Version = %q, want 0.0.0", m.Version)
			}
		})
	}
}

func TestParseManifestUnknownKind(t *testing.T) {
	_, err := ParseManifest([]byte(`{"pluginType": "flash"}`), "plugins/x")
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParseManifest() error = %v, want ErrUnknownKind", err)
	}
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr error
	}{
		{"valid", `{"name": "core_manager", "version": "1.2.3"}`, nil},
		{"v prefix", `{"name": "a", "version": "v0.1.0"}`, nil},
		{"bad name", `{"name": "9lives"}`, ErrInvalidName},
		{"bad version", `{"name": "a", "version": "one"}`, ErrInvalidVersion},
		{"escaping main", `{"name": "a", "main": "../evil.so"}`, ErrInvalidMain},
		{"absolute main", `{"name": "a", "main": "/tmp/evil.so"}`, ErrInvalidMain},
		{"script wrong entry", `{"name": "a", "pluginType": "qml", "main": "Main.qml"}`, ErrInvalidEntry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.json), "plugins/a")
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ParseManifest() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseManifest() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestManifestSelfDependency(t *testing.T) {
	_, err := ParseManifest([]byte(`{"name": "a", "dependencies": ["a"]}`), "plugins/a")
	if err == nil {
		t.Error("ParseManifest() should reject a self dependency")
	}
}

func TestManifestIconPath(t *testing.T) {
	dir := filepath.Join("plugins", "clock")
	tests := []struct {
		icon string
		want string
	}{
		{"", ""},
		{"res:/icons/clock.png", "res:/icons/clock.png"},
		{"clock.png", filepath.Join(dir, "clock.png")},
	}

	for _, tt := range tests {
		m := &Manifest{Icon: tt.icon, dir: dir}
		if got := m.IconPath(); got != tt.want {
			t.Errorf("IconPath(%q) = %q, want %q", tt.icon, got, tt.want)
		}
	}
}

func TestManifestClone(t *testing.T) {
	m := &Manifest{Name: "a", Dependencies: []string{"b"}, kind: KindScript, dir: "d"}
	clone := m.Clone()
	clone.Dependencies[0] = "changed"

	if m.Dependencies[0] != "b" {
		t.Error("Clone() shares the dependency slice")
	}
	if clone.Kind() != KindScript || clone.Dir() != "d" {
		t.Error("Clone() lost private fields")
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindNative, "native"},
		{KindScript, "script"},
		{KindUnknown, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUnknown, "unknown"},
		{StateLoading, "loading"},
		{StateActive, "active"},
		{StateUnloading, "unloading"},
		{State(42), "invalid"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
	if !StateLoading.InTransition() || StateActive.InTransition() {
		t.Error("InTransition() mismatch")
	}
}
