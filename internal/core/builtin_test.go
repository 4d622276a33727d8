package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dshills/modshell/internal/bridge"
	"github.com/dshills/modshell/internal/installer"
	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/sdk"
)

func TestManagerModuleOverBridge(t *testing.T) {
	f := newRuntimeFixture(t)
	f.addModule(t, "wallet", "store")
	f.addModule(t, "store")

	api := bridge.New(f.transport)
	t.Cleanup(api.Close)
	if err := f.rt.Register(ManagerModuleName, NewManagerModule(f.rt)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	got, err := api.Call(ctx, ManagerModuleName, "loadPlugin", "wallet")
	if err != nil || got != true {
		t.Fatalf("loadPlugin = %v, %v; want true", got, err)
	}

	loaded, err := api.Call(ctx, ManagerModuleName, "getLoadedPlugins")
	if err != nil {
		t.Fatal(err)
	}
	if names := loaded.([]string); len(names) != 3 {
		t.Errorf("getLoadedPlugins = %v, want core_manager, store and wallet", names)
	}

	// The loaded module is now reachable by name.
	pong, err := api.Call(ctx, "wallet", "ping")
	if err != nil || pong != "pong:wallet" {
		t.Errorf("wallet.ping = %v, %v", pong, err)
	}

	methods, err := api.Call(ctx, ManagerModuleName, "getPluginMethods", "wallet")
	if err != nil {
		t.Fatal(err)
	}
	if ms := methods.([]sdk.Method); len(ms) != 1 || ms[0].Name != "ping" {
		t.Errorf("getPluginMethods = %v", ms)
	}

	info, err := api.Call(ctx, ManagerModuleName, "getPluginInfo", "wallet")
	if err != nil {
		t.Fatal(err)
	}
	if mi := info.(ModuleInfo); mi.Status != "active" || mi.Version != "1.0.0" {
		t.Errorf("getPluginInfo = %+v", mi)
	}

	if _, err := api.Call(ctx, ManagerModuleName, "unloadPlugin", "wallet"); err != nil {
		t.Fatalf("unloadPlugin error = %v", err)
	}
	if f.rt.State("wallet") != plugin.StateUnknown {
		t.Errorf("wallet state = %s after unload", f.rt.State("wallet"))
	}

	if _, err := api.Call(ctx, ManagerModuleName, "loadPlugin"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("loadPlugin() without name error = %v, want ErrInvalidArgument", err)
	}
	if _, err := api.Call(ctx, ManagerModuleName, "loadPlugin", 42); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("loadPlugin(42) error = %v, want ErrInvalidArgument", err)
	}
	if _, err := api.Call(ctx, ManagerModuleName, "frobnicate"); !errors.Is(err, bridge.ErrMethodNotFound) {
		t.Errorf("unknown method error = %v, want ErrMethodNotFound", err)
	}
}

func TestManagerModuleLoadFailureReturnsFalse(t *testing.T) {
	f := newRuntimeFixture(t)
	f.addModule(t, "wallet", "ghost")

	got, err := NewManagerModule(f.rt).Call(context.Background(), "loadPlugin", []any{"wallet"})
	if !errors.Is(err, plugin.ErrDependencyFailed) {
		t.Errorf("loadPlugin error = %v, want ErrDependencyFailed", err)
	}
	if got != false {
		t.Errorf("loadPlugin = %v, want false", got)
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEmitter) Emit(event string, data any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name, _ := data.(map[string]any)["name"].(string)
	e.events = append(e.events, event+":"+name)
}

func TestPackageModuleInstallsCoreModule(t *testing.T) {
	f := newRuntimeFixture(t)
	platform := installer.PlatformKey()

	variant := t.TempDir()
	writeFile(t, filepath.Join(variant, "chat"+plugin.LibraryExt()), "binary")
	pkgDir := t.TempDir()
	pkg := filepath.Join(pkgDir, "chat"+installer.PackageExt)
	if err := installer.PackFile(context.Background(), pkg,
		[]byte(`{"name": "chat", "version": "1.2.0", "type": "core"}`),
		map[string]string{platform: variant}, installer.CompressionGzip); err != nil {
		t.Fatal(err)
	}

	uiRoot := t.TempDir()
	pm := NewPackageModule(installer.New(), f.rt,
		installer.Targets{Modules: f.root, Plugins: uiRoot}, pkgDir, nil)
	emitter := &recordingEmitter{}
	if err := pm.Start(emitter, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := pm.Call(context.Background(), "installPlugin", []any{pkg, true}); err != nil {
		t.Fatalf("installPlugin error = %v", err)
	}

	known := f.rt.GetKnownPlugins()
	found := false
	for _, name := range known {
		found = found || name == "chat"
	}
	if !found {
		t.Errorf("GetKnownPlugins() = %v, want the installed module", known)
	}
	if len(emitter.events) != 1 || emitter.events[0] != EventPackageInstalled+":chat" {
		t.Errorf("events = %v", emitter.events)
	}

	packages, err := pm.Packages()
	if err != nil {
		t.Fatal(err)
	}
	if len(packages) != 1 || packages[0].Installed != "1.2.0" {
		t.Errorf("Packages() = %+v", packages)
	}

	platformName, err := pm.Call(context.Background(), "getPlatform", nil)
	if err != nil || platformName != platform {
		t.Errorf("getPlatform = %v, %v", platformName, err)
	}
}

func TestPackageModuleInstallFailureEmits(t *testing.T) {
	f := newRuntimeFixture(t)
	pm := NewPackageModule(installer.New(), f.rt,
		installer.Targets{Modules: f.root, Plugins: t.TempDir()}, "", nil)
	emitter := &recordingEmitter{}
	_ = pm.Start(emitter, nil)

	_, err := pm.Call(context.Background(), "installPlugin", []any{filepath.Join(t.TempDir(), "missing.lgx"), "false"})
	if !errors.Is(err, installer.ErrInvalidArchive) {
		t.Errorf("installPlugin error = %v, want ErrInvalidArchive", err)
	}
	if len(emitter.events) != 1 || emitter.events[0] != EventPackageFailed+":" {
		t.Errorf("events = %v", emitter.events)
	}

	if _, err := pm.Call(context.Background(), "installPackage", []any{"chat"}); !errors.Is(err, installer.ErrPackageNotFound) {
		t.Errorf("installPackage without catalog error = %v, want ErrPackageNotFound", err)
	}
}

func TestBoolArg(t *testing.T) {
	tests := []struct {
		arg     any
		want    bool
		wantErr bool
	}{
		{true, true, false},
		{"false", false, false},
		{"yes", false, true},
		{int64(1), true, false},
		{float64(0), false, false},
		{nil, true, false},
		{[]int{1}, false, true},
	}
	for _, tt := range tests {
		got, err := boolArg([]any{tt.arg}, 0, "flag", true)
		if (err != nil) != tt.wantErr || (!tt.wantErr && got != tt.want) {
			t.Errorf("boolArg(%v) = %v, %v", tt.arg, got, err)
		}
	}
}
