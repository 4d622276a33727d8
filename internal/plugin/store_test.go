package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeFile creates path with content, making parent directories.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

// createScriptPlugin creates a script plugin directory under root.
func createScriptPlugin(t *testing.T, root, name string, deps ...string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	manifest := `{"name": "` + name + `", "pluginType": "qml"`
	if len(deps) > 0 {
		manifest += `, "dependencies": ["` + strings.Join(deps, `", "`) + `"]`
	}
	manifest += `}`
	writeFile(t, filepath.Join(dir, MetadataFile), manifest)
	writeFile(t, filepath.Join(dir, DefaultScriptMain), `view = { type = "Text", text = "hi" }`)
	return dir
}

func TestStoreScanEmpty(t *testing.T) {
	s := NewStore()
	found, err := s.Scan(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Scan() = %d manifests, want 0", len(found))
	}
}

func TestStoreScanKinds(t *testing.T) {
	root := t.TempDir()
	createScriptPlugin(t, root, "clock")

	// Legacy native plugin: library but no manifest.
	writeFile(t, filepath.Join(root, "calc", "calc"+LibraryExt()), "binary")

	// Flat library with a sidecar manifest.
	writeFile(t, filepath.Join(root, "chat"+LibraryExt()), "binary")
	writeFile(t, filepath.Join(root, "chat.json"), `{"version": "2.0.0", "dependencies": ["net"]}`)

	// Directory with nothing loadable.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	// Hidden staging directory.
	createScriptPlugin(t, root, ".staging")

	s := NewStore()
	found, err := s.Scan(root)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	got := make(map[string]*Manifest)
	for _, m := range found {
		got[m.Name] = m
	}
	if len(got) != 3 {
		t.Fatalf("Scan() names = %v, want calc, chat, clock", got)
	}

	if got["clock"].Kind() != KindScript {
		t.Errorf("clock kind = %v, want script", got["clock"].Kind())
	}
	if got["calc"].Kind() != KindNative {
		t.Errorf("calc kind = %v, want native", got["calc"].Kind())
	}
	if got["chat"].Version != "2.0.0" {
		t.Errorf("chat version = %q, want 2.0.0", got["chat"].Version)
	}
	if want := filepath.Join(root, "chat"+LibraryExt()); got["chat"].EntryPath() != want {
		t.Errorf("chat EntryPath() = %q, want %q", got["chat"].EntryPath(), want)
	}
}

func TestStoreScanMalformedManifestSkipped(t *testing.T) {
	root := t.TempDir()
	createScriptPlugin(t, root, "good")
	writeFile(t, filepath.Join(root, "bad", MetadataFile), `{"name": `)
	writeFile(t, filepath.Join(root, "odd", MetadataFile), `{"pluginType": "flash"}`)

	s := NewStore()
	found, err := s.Scan(root)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 1 || found[0].Name != "good" {
		t.Errorf("Scan() = %v, want only good", found)
	}
}

func TestStoreScanUniqueNames(t *testing.T) {
	root := t.TempDir()
	// Two directories declaring the same plugin name.
	writeFile(t, filepath.Join(root, "a", MetadataFile), `{"name": "dup", "pluginType": "qml"}`)
	writeFile(t, filepath.Join(root, "b", MetadataFile), `{"name": "dup", "pluginType": "qml"}`)

	s := NewStore()
	found, err := s.Scan(root)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	seen := make(map[string]int)
	for _, m := range found {
		seen[m.Name]++
	}
	for name, n := range seen {
		if n > 1 {
			t.Errorf("name %q appears %d times", name, n)
		}
	}
	if seen["dup"] != 1 {
		t.Errorf("dup appears %d times, want 1", seen["dup"])
	}
}

func TestStoreExcludedTypes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ui", ManifestFile), `{"name": "ui", "type": "ui", "pluginType": "qml"}`)
	writeFile(t, filepath.Join(root, "net", ManifestFile), `{"name": "net", "type": "core"}`)

	s := NewStore(WithRoots(root), WithManifestFiles(ManifestFile), WithExcludedTypes("UI"))
	names := s.Names()
	if len(names) != 1 || names[0] != "net" {
		t.Errorf("Names() = %v, want [net]", names)
	}
}

func TestStoreFirstRootWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	createScriptPlugin(t, first, "shared")
	writeFile(t, filepath.Join(second, "shared", "shared"+LibraryExt()), "binary")
	createScriptPlugin(t, second, "extra")

	s := NewStore(WithRoots(first, second))
	m, ok := s.Get("shared")
	if !ok {
		t.Fatal("Get(shared) not found")
	}
	if m.Dir() != filepath.Join(first, "shared") {
		t.Errorf("shared dir = %q, want first root", m.Dir())
	}
	if s.KindOf("shared") != KindScript {
		t.Errorf("KindOf(shared) = %v, want script", s.KindOf("shared"))
	}
	if _, ok := s.Get("extra"); !ok {
		t.Error("Get(extra) not found")
	}
}

func TestStoreKindOfIdempotent(t *testing.T) {
	root := t.TempDir()
	createScriptPlugin(t, root, "clock")
	s := NewStore(WithRoots(root))

	for i := 0; i < 3; i++ {
		if got := s.KindOf("clock"); got != KindScript {
			t.Fatalf("KindOf() call %d = %v, want script", i, got)
		}
	}
	if got := s.KindOf("nope"); got != KindUnknown {
		t.Errorf("KindOf(nope) = %v, want unknown", got)
	}
}

func TestStoreInvalidateRescans(t *testing.T) {
	root := t.TempDir()
	s := NewStore(WithRoots(root))
	if len(s.Names()) != 0 {
		t.Fatal("expected empty store")
	}

	createScriptPlugin(t, root, "late")
	if _, ok := s.Get("late"); ok {
		t.Fatal("cache should not see new plugin before Invalidate")
	}

	s.Invalidate()
	if _, ok := s.Get("late"); !ok {
		t.Error("Get(late) not found after Invalidate")
	}
}

func TestStoreLookupSuggests(t *testing.T) {
	root := t.TempDir()
	createScriptPlugin(t, root, "calendar")
	s := NewStore(WithRoots(root))

	_, err := s.Lookup("calender")
	if !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("Lookup() error = %v, want ErrPluginNotFound", err)
	}
	if !strings.Contains(err.Error(), "calendar") {
		t.Errorf("Lookup() error = %q, want suggestion", err)
	}

	if got := s.Suggest("zzzzzzzz"); len(got) != 0 {
		t.Errorf("Suggest() = %v, want none", got)
	}
}
