package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/modshell/internal/bridge"
	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/sdk"
)

// testModule records its lifecycle calls.
type testModule struct {
	name      string
	transport *bridge.LocalTransport

	mu              sync.Mutex
	started         bool
	stopped         bool
	reachableOnStop bool
	startErr        error
	stats           *sdk.Stats
	panicStats      bool

	// statsGate, when set, holds Stats until it is closed.
	statsGate chan struct{}

	// When release is set, Start signals entered and waits for it.
	entered chan struct{}
	release chan struct{}
}

func (m *testModule) Methods() []sdk.Method {
	return []sdk.Method{{Name: "ping", Returns: "string"}}
}

func (m *testModule) Call(_ context.Context, method string, args []any) (any, error) {
	if method == "ping" {
		return "pong:" + m.name, nil
	}
	return nil, fmt.Errorf("%w: %s", bridge.ErrMethodNotFound, method)
}

func (m *testModule) Start(sdk.Emitter, sdk.Host) error {
	if m.release != nil {
		m.entered <- struct{}{}
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return m.startErr
}

func (m *testModule) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.transport != nil {
		_, m.reachableOnStop = m.transport.Lookup(m.name)
	}
	return nil
}

func (m *testModule) Stats() sdk.Stats {
	if m.statsGate != nil {
		<-m.statsGate
	}
	if m.panicStats {
		panic("stats unavailable")
	}
	if m.stats == nil {
		return sdk.Stats{}
	}
	return *m.stats
}

// fakeLoader hands out testModules and records load order.
type fakeLoader struct {
	mu      sync.Mutex
	modules map[string]*testModule
	fail    map[string]error
	loads   []string
}

func (l *fakeLoader) LoadModule(m *plugin.Manifest) (sdk.Module, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads = append(l.loads, m.Name)
	if err := l.fail[m.Name]; err != nil {
		return nil, err
	}
	mod, ok := l.modules[m.Name]
	if !ok {
		return nil, fmt.Errorf("no test module %s", m.Name)
	}
	return mod, nil
}

func (l *fakeLoader) loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loads...)
}

type runtimeFixture struct {
	rt        *Runtime
	root      string
	loader    *fakeLoader
	transport *bridge.LocalTransport
}

// addModule declares a flat core module with a sidecar manifest.
func (f *runtimeFixture) addModule(t *testing.T, name string, deps ...string) *testModule {
	t.Helper()
	depJSON := ""
	if len(deps) > 0 {
		depJSON = `, "dependencies": ["` + strings.Join(deps, `", "`) + `"]`
	}
	writeFile(t, filepath.Join(f.root, name+plugin.LibraryExt()), "binary")
	writeFile(t, filepath.Join(f.root, name+".json"),
		`{"name": "`+name+`", "version": "1.0.0", "type": "core"`+depJSON+`}`)

	mod := &testModule{name: name, transport: f.transport}
	f.loader.modules[name] = mod
	f.rt.Store().Invalidate()
	return mod
}

func newRuntimeFixture(t *testing.T, opts ...Option) *runtimeFixture {
	t.Helper()
	root := t.TempDir()
	transport := bridge.NewLocalTransport()
	loader := &fakeLoader{modules: make(map[string]*testModule), fail: make(map[string]error)}
	store := plugin.NewStore(plugin.WithRoots(root), plugin.WithExcludedTypes("ui"))
	rt := New(store, transport, append([]Option{WithModuleLoader(loader)}, opts...)...)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return &runtimeFixture{rt: rt, root: root, loader: loader, transport: transport}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestLoadPluginLoadsDependenciesFirst(t *testing.T) {
	f := newRuntimeFixture(t)
	wallet := f.addModule(t, "wallet", "store")
	store := f.addModule(t, "store")

	if err := f.rt.LoadPlugin(context.Background(), "wallet"); err != nil {
		t.Fatalf("LoadPlugin() error = %v", err)
	}

	if got := f.loader.loaded(); len(got) != 2 || got[0] != "store" || got[1] != "wallet" {
		t.Errorf("load order = %v, want [store wallet]", got)
	}
	if !wallet.started || !store.started {
		t.Error("Start was not called on loaded modules")
	}
	if got := f.rt.GetLoadedPlugins(); len(got) != 2 {
		t.Errorf("GetLoadedPlugins() = %v", got)
	}
	if f.rt.State("wallet") != plugin.StateActive {
		t.Errorf("State() = %s, want active", f.rt.State("wallet"))
	}
	if _, ok := f.transport.Lookup("wallet"); !ok {
		t.Error("wallet endpoint not registered")
	}
}

func TestLoadPluginIsIdempotent(t *testing.T) {
	f := newRuntimeFixture(t)
	f.addModule(t, "store")

	for i := 0; i < 3; i++ {
		if err := f.rt.LoadPlugin(context.Background(), "store"); err != nil {
			t.Fatalf("LoadPlugin() #%d error = %v", i, err)
		}
	}
	if got := f.loader.loaded(); len(got) != 1 {
		t.Errorf("loader called %d times, want 1", len(got))
	}
}

func TestLoadPluginConcurrent(t *testing.T) {
	f := newRuntimeFixture(t)
	f.addModule(t, "store")

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.rt.LoadPlugin(context.Background(), "store")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("LoadPlugin() error = %v", err)
		}
	}
	if got := f.loader.loaded(); len(got) != 1 {
		t.Errorf("loader called %d times, want 1", len(got))
	}
}

func TestLoadPluginDependencyFailure(t *testing.T) {
	f := newRuntimeFixture(t)
	f.addModule(t, "wallet", "store")
	f.addModule(t, "store")
	loadErr := errors.New("library missing")
	f.loader.fail["store"] = loadErr

	err := f.rt.LoadPlugin(context.Background(), "wallet")
	if !errors.Is(err, plugin.ErrDependencyFailed) {
		t.Fatalf("LoadPlugin() error = %v, want ErrDependencyFailed", err)
	}
	if !errors.Is(err, loadErr) {
		t.Errorf("LoadPlugin() error = %v, want the dependency's cause", err)
	}

	for _, name := range []string{"wallet", "store"} {
		if s := f.rt.State(name); s != plugin.StateUnknown {
			t.Errorf("State(%s) = %s, want unknown", name, s)
		}
	}
	if got := f.loader.loaded(); len(got) != 1 || got[0] != "store" {
		t.Errorf("loads = %v, want only the failed dependency", got)
	}
	if _, ok := f.transport.Lookup("wallet"); ok {
		t.Error("failed module registered an endpoint")
	}
}

func TestLoadPluginCycle(t *testing.T) {
	f := newRuntimeFixture(t)
	f.addModule(t, "alpha", "beta")
	f.addModule(t, "beta", "alpha")

	err := f.rt.LoadPlugin(context.Background(), "alpha")
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("LoadPlugin() error = %v, want ErrDependencyCycle", err)
	}
	if got := f.rt.GetLoadedPlugins(); len(got) != 0 {
		t.Errorf("GetLoadedPlugins() = %v, want none", got)
	}
}

func TestLoadPluginUnknown(t *testing.T) {
	f := newRuntimeFixture(t)
	f.addModule(t, "store")

	err := f.rt.LoadPlugin(context.Background(), "stor")
	if !errors.Is(err, plugin.ErrPluginNotFound) {
		t.Fatalf("LoadPlugin() error = %v, want ErrPluginNotFound", err)
	}
	if !strings.Contains(err.Error(), "store") {
		t.Errorf("error %q does not suggest the near name", err)
	}
}

func TestLoadPluginStartFailure(t *testing.T) {
	f := newRuntimeFixture(t)
	mod := f.addModule(t, "store")
	mod.startErr = errors.New("port busy")

	if err := f.rt.LoadPlugin(context.Background(), "store"); !errors.Is(err, mod.startErr) {
		t.Fatalf("LoadPlugin() error = %v, want start error", err)
	}
	if _, ok := f.transport.Lookup("store"); ok {
		t.Error("endpoint left registered after failed start")
	}
	if f.rt.State("store") != plugin.StateUnknown {
		t.Errorf("State() = %s, want unknown", f.rt.State("store"))
	}
}

func TestUnloadPluginWithdrawsEndpointFirst(t *testing.T) {
	f := newRuntimeFixture(t)
	mod := f.addModule(t, "store")
	if err := f.rt.LoadPlugin(context.Background(), "store"); err != nil {
		t.Fatal(err)
	}

	if err := f.rt.UnloadPlugin(context.Background(), "store"); err != nil {
		t.Fatalf("UnloadPlugin() error = %v", err)
	}
	if !mod.stopped {
		t.Error("Stop was not called")
	}
	if mod.reachableOnStop {
		t.Error("endpoint still registered while the module was stopping")
	}
	if f.rt.State("store") != plugin.StateUnknown {
		t.Errorf("State() = %s, want unknown", f.rt.State("store"))
	}

	if err := f.rt.UnloadPlugin(context.Background(), "store"); !errors.Is(err, plugin.ErrNotLoaded) {
		t.Errorf("UnloadPlugin() again error = %v, want ErrNotLoaded", err)
	}

	// Unknown -> Loading -> Active again.
	if err := f.rt.LoadPlugin(context.Background(), "store"); err != nil {
		t.Fatalf("reload error = %v", err)
	}
}

func TestRegisterBuiltin(t *testing.T) {
	f := newRuntimeFixture(t)
	f.addModule(t, "store")

	if err := f.rt.Register(ManagerModuleName, NewManagerModule(f.rt)); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := f.rt.Register(ManagerModuleName, NewManagerModule(f.rt)); !errors.Is(err, bridge.ErrAlreadyRegistered) {
		t.Errorf("Register() twice error = %v, want ErrAlreadyRegistered", err)
	}
	if err := f.rt.UnloadPlugin(context.Background(), ManagerModuleName); !errors.Is(err, ErrBuiltin) {
		t.Errorf("UnloadPlugin(builtin) error = %v, want ErrBuiltin", err)
	}

	known := f.rt.GetKnownPlugins()
	if len(known) != 2 || known[0] != ManagerModuleName || known[1] != "store" {
		t.Errorf("GetKnownPlugins() = %v", known)
	}
	info, ok := f.rt.Info(ManagerModuleName)
	if !ok || !info.Builtin || info.Status != "active" {
		t.Errorf("Info() = %+v, %v", info, ok)
	}
}

func TestCloseUnloadsEverything(t *testing.T) {
	f := newRuntimeFixture(t)
	wallet := f.addModule(t, "wallet", "store")
	store := f.addModule(t, "store")
	if err := f.rt.Register(ManagerModuleName, NewManagerModule(f.rt)); err != nil {
		t.Fatal(err)
	}
	if err := f.rt.LoadPlugin(context.Background(), "wallet"); err != nil {
		t.Fatal(err)
	}

	if err := f.rt.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !wallet.stopped || !store.stopped {
		t.Error("modules not stopped on Close")
	}
	if names := f.transport.Names(); len(names) != 0 {
		t.Errorf("endpoints left after Close: %v", names)
	}
	if err := f.rt.LoadPlugin(context.Background(), "store"); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadPlugin() after Close error = %v, want ErrClosed", err)
	}
}

func TestLoadPluginRejectsScriptModules(t *testing.T) {
	f := newRuntimeFixture(t)
	writeFile(t, filepath.Join(f.root, "clock", plugin.ManifestFile),
		`{"name": "clock", "pluginType": "script", "type": "core"}`)
	writeFile(t, filepath.Join(f.root, "clock", "Main.lua"), "")
	f.rt.Store().Invalidate()

	if err := f.rt.LoadPlugin(context.Background(), "clock"); !errors.Is(err, ErrNotNative) {
		t.Errorf("LoadPlugin() error = %v, want ErrNotNative", err)
	}
}

func TestCloseDuringLoadTearsDownLateModule(t *testing.T) {
	f := newRuntimeFixture(t)
	vault := f.addModule(t, "vault")
	vault.entered = make(chan struct{}, 1)
	vault.release = make(chan struct{})

	errCh := make(chan error, 1)
	go func() { errCh <- f.rt.LoadPlugin(context.Background(), "vault") }()

	select {
	case <-vault.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("load never reached Start")
	}
	if err := f.rt.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(vault.release)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("LoadPlugin() error = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("LoadPlugin() did not return")
	}

	vault.mu.Lock()
	stopped := vault.stopped
	vault.mu.Unlock()
	if !stopped {
		t.Error("module finishing after Close was not stopped")
	}
	if names := f.transport.Names(); len(names) != 0 {
		t.Errorf("endpoints left after Close: %v", names)
	}
	if got := f.rt.State("vault"); got != plugin.StateUnknown {
		t.Errorf("State() = %v, want unknown", got)
	}
	if got := f.rt.GetLoadedPlugins(); len(got) != 0 {
		t.Errorf("GetLoadedPlugins() = %v, want none", got)
	}
}
