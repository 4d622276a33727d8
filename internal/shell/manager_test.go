package shell

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

	"github.com/dshills/modshell/internal/core"
	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/internal/plugin/native"
	"github.com/dshills/modshell/internal/plugin/script"
	"github.com/dshills/modshell/sdk"
)

// fakeHost answers core_manager.loadPlugin. Modules named in fail report
// failure. When release is set, calls signal entered and wait for it.
type fakeHost struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool

	entered chan struct{}
	release chan struct{}
}

func (h *fakeHost) Call(_ context.Context, module, method string, args ...any) (any, error) {
	if h.release != nil {
		h.entered <- struct{}{}
		<-h.release
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, fmt.Sprintf("%s.%s%v", module, method, args))
	if module == core.ManagerModuleName && method == "loadPlugin" {
		name, _ := args[0].(string)
		if h.fail[name] {
			return false, errors.New("module not found")
		}
		return true, nil
	}
	return nil, nil
}

func (h *fakeHost) Subscribe(string, string, func(any)) (sdk.Subscription, error) {
	return nil, errors.New("not supported")
}

type library map[string]any

func (l library) Lookup(symbol string) (any, error) {
	v, ok := l[symbol]
	if !ok {
		return nil, errors.New("symbol " + symbol + " not found")
	}
	return v, nil
}

type component struct {
	mu        sync.Mutex
	created   int
	destroyed int
	log       *[]string
}

func (c *component) CreateWidget(sdk.Host) (sdk.Widget, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	return "widget", nil
}

func (c *component) DestroyWidget(sdk.Widget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed++
	if c.log != nil {
		*c.log = append(*c.log, "destroy")
	}
}

type fixture struct {
	root       string
	host       *fakeHost
	components map[string]*component
	manager    *Manager
	store      *plugin.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		root:       t.TempDir(),
		host:       &fakeHost{fail: make(map[string]bool)},
		components: make(map[string]*component),
	}
	opener := native.OpenerFunc(func(path string) (native.Library, error) {
		name := strings.TrimSuffix(filepath.Base(path), plugin.LibraryExt())
		c, ok := f.components[name]
		if !ok {
			return nil, os.ErrNotExist
		}
		return library{sdk.ComponentSymbol: sdk.Component(c)}, nil
	})
	f.store = plugin.NewStore(plugin.WithRoots(f.root), plugin.WithExcludedTypes("core"))
	f.manager = NewManager(f.store, f.host,
		WithNativeLoader(native.NewLoader(native.WithOpener(opener))),
		WithSandbox(script.NewSandbox()))
	t.Cleanup(func() { _ = f.manager.Close(context.Background()) })
	return f
}

func (f *fixture) addNative(t *testing.T, name string, deps ...string) *component {
	t.Helper()
	depJSON := ""
	if len(deps) > 0 {
		depJSON = `, "dependencies": ["` + strings.Join(deps, `", "`) + `"]`
	}
	writeFile(t, filepath.Join(f.root, name+plugin.LibraryExt()), "binary")
	writeFile(t, filepath.Join(f.root, name+".json"),
		`{"name": "`+name+`", "version": "1.0.0", "type": "ui", "icon": "`+name+`.png"`+depJSON+`}`)
	c := &component{}
	f.components[name] = c
	f.store.Invalidate()
	return c
}

func (f *fixture) addScript(t *testing.T, name, source string) {
	t.Helper()
	dir := filepath.Join(f.root, name)
	writeFile(t, filepath.Join(dir, "Main.lua"), source)
	writeFile(t, filepath.Join(dir, "icons", "app.svg"), "<svg/>")
	writeFile(t, filepath.Join(dir, plugin.ManifestFile),
		`{"name": "`+name+`", "version": "0.2.0", "pluginType": "qml", "main": "Main.lua", "icon": "icons/app.svg"}`)
	f.store.Invalidate()
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

func recordEvents(m *Manager) *[]string {
	var mu sync.Mutex
	events := &[]string{}
	m.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		*events = append(*events, ev.Type.String()+":"+ev.Name)
	})
	return events
}

func TestLoadNativePlugin(t *testing.T) {
	f := newFixture(t)
	comp := f.addNative(t, "calc", "store")
	events := recordEvents(f.manager)

	p, err := f.manager.Load(context.Background(), "calc")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if p.Kind != plugin.KindNative || p.Widget != "widget" || p.State != plugin.StateActive {
		t.Errorf("Load() = %+v", p)
	}
	if comp.created != 1 {
		t.Errorf("CreateWidget called %d times, want 1", comp.created)
	}
	if len(f.host.calls) != 1 || f.host.calls[0] != "core_manager.loadPlugin[store]" {
		t.Errorf("host calls = %v, want the dependency loaded through core_manager", f.host.calls)
	}

	again, err := f.manager.Load(context.Background(), "calc")
	if err != nil || again != p {
		t.Fatalf("second Load() = %v, %v; want the same plugin", again, err)
	}
	if comp.created != 1 {
		t.Error("second Load() created another widget")
	}

	want := []string{"loaded:calc", "activate:calc"}
	if strings.Join(*events, " ") != strings.Join(want, " ") {
		t.Errorf("events = %v, want %v", *events, want)
	}

	icon, err := f.manager.Icon("calc")
	if err != nil || icon != filepath.Join(f.root, "calc.png") {
		t.Errorf("Icon() = %q, %v", icon, err)
	}
}

func TestLoadDependencyFailureCreatesNothing(t *testing.T) {
	f := newFixture(t)
	comp := f.addNative(t, "wallet_ui", "wallet")
	f.host.fail["wallet"] = true
	events := recordEvents(f.manager)

	_, err := f.manager.Load(context.Background(), "wallet_ui")
	if !errors.Is(err, plugin.ErrDependencyFailed) {
		t.Fatalf("Load() error = %v, want ErrDependencyFailed", err)
	}
	if comp.created != 0 {
		t.Error("widget created despite failed dependency")
	}
	if _, ok := f.manager.Get("wallet_ui"); ok {
		t.Error("Get() found a plugin whose load failed")
	}
	if len(*events) != 1 || (*events)[0] != "failed:wallet_ui" {
		t.Errorf("events = %v", *events)
	}

	// The failure is not sticky.
	f.host.fail["wallet"] = false
	if _, err := f.manager.Load(context.Background(), "wallet_ui"); err != nil {
		t.Errorf("Load() after dependency fixed error = %v", err)
	}
}

func TestUnloadDetachesBeforeDestroy(t *testing.T) {
	f := newFixture(t)
	var order []string
	comp := f.addNative(t, "calc")
	comp.log = &order

	if _, err := f.manager.Load(context.Background(), "calc"); err != nil {
		t.Fatal(err)
	}
	f.manager.Subscribe(func(ev Event) {
		switch ev.Type {
		case EventDetach:
			if ev.Plugin.Widget == nil {
				t.Error("widget already gone at detach")
			}
			order = append(order, "detach")
		case EventUnloaded:
			order = append(order, "unloaded")
		}
	})

	if err := f.manager.Unload(context.Background(), "calc"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	if strings.Join(order, " ") != "detach destroy unloaded" {
		t.Errorf("order = %v, want detach before destroy", order)
	}
	if len(f.manager.Loaded()) != 0 {
		t.Errorf("Loaded() = %v after unload", f.manager.Loaded())
	}
	if err := f.manager.Unload(context.Background(), "calc"); !errors.Is(err, plugin.ErrNotLoaded) {
		t.Errorf("second Unload() error = %v, want ErrNotLoaded", err)
	}
}

func TestLoadScriptPlugin(t *testing.T) {
	f := newFixture(t)
	f.addScript(t, "notes", `view = { type = "Column", children = { "hello" } }`)

	p, err := f.manager.Load(context.Background(), "notes")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if p.Kind != plugin.KindScript || p.Script() == nil {
		t.Fatalf("Load() = %+v, want a script plugin", p)
	}
	view, ok := p.Widget.(*script.View)
	if !ok || view.Type != "Column" {
		t.Errorf("Widget = %#v, want the script view", p.Widget)
	}

	icon, err := f.manager.Icon("notes")
	if err != nil {
		t.Fatalf("Icon() error = %v", err)
	}
	if filepath.Base(icon) != "app.svg" {
		t.Errorf("Icon() = %q", icon)
	}

	sc := p.Script()
	if err := f.manager.Unload(context.Background(), "notes"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}
	select {
	case <-sc.Done():
	default:
		t.Error("script context not disposed on unload")
	}
}

func TestLoadScriptWithoutSandbox(t *testing.T) {
	f := newFixture(t)
	f.addScript(t, "notes", `view = "hi"`)
	m := NewManager(f.store, f.host)

	if _, err := m.Load(context.Background(), "notes"); !errors.Is(err, ErrNoSandbox) {
		t.Errorf("Load() error = %v, want ErrNoSandbox", err)
	}
}

func TestLoadUnknownPlugin(t *testing.T) {
	f := newFixture(t)
	f.addNative(t, "calculator")

	_, err := f.manager.Load(context.Background(), "calculatr")
	if !errors.Is(err, plugin.ErrPluginNotFound) {
		t.Fatalf("Load() error = %v, want ErrPluginNotFound", err)
	}
	if !strings.Contains(err.Error(), "calculator") {
		t.Errorf("error %q lacks a suggestion", err)
	}
}

func TestConcurrentLoadCreatesOneWidget(t *testing.T) {
	f := newFixture(t)
	comp := f.addNative(t, "calc")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.Load(context.Background(), "calc"); err != nil {
				t.Errorf("Load() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if comp.created != 1 {
		t.Errorf("CreateWidget called %d times, want 1", comp.created)
	}
}

func TestCloseUnloadsNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.addNative(t, "a")
	f.addNative(t, "b")
	for _, name := range []string{"a", "b"} {
		if _, err := f.manager.Load(context.Background(), name); err != nil {
			t.Fatal(err)
		}
	}
	var detached []string
	f.manager.Subscribe(func(ev Event) {
		if ev.Type == EventDetach {
			detached = append(detached, ev.Name)
		}
	})

	if err := f.manager.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if strings.Join(detached, " ") != "b a" {
		t.Errorf("detach order = %v, want [b a]", detached)
	}
	if _, err := f.manager.Load(context.Background(), "a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Load() after Close error = %v, want ErrClosed", err)
	}
}

func TestSubscribeCancel(t *testing.T) {
	f := newFixture(t)
	f.addNative(t, "calc")
	calls := 0
	cancel := f.manager.Subscribe(func(Event) { calls++ })
	cancel()

	if _, err := f.manager.Load(context.Background(), "calc"); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("cancelled handler called %d times", calls)
	}
}

func TestCloseDuringLoadDestroysLateWidget(t *testing.T) {
	f := newFixture(t)
	chart := f.addNative(t, "chart", "storage")
	f.host.entered = make(chan struct{}, 1)
	f.host.release = make(chan struct{})
	events := recordEvents(f.manager)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.manager.Load(context.Background(), "chart")
		errCh <- err
	}()

	select {
	case <-f.host.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("load never reached the dependency call")
	}
	if err := f.manager.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(f.host.release)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Load() error = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Load() did not return")
	}

	if chart.created != 1 || chart.destroyed != 1 {
		t.Errorf("created = %d, destroyed = %d, want 1 and 1", chart.created, chart.destroyed)
	}
	if got := f.manager.Loaded(); len(got) != 0 {
		t.Errorf("Loaded() = %d plugins after Close, want 0", len(got))
	}
	if _, ok := f.manager.Get("chart"); ok {
		t.Error("Get(chart) found a plugin after Close")
	}
	if got := strings.Join(*events, ","); got != "failed:chart" {
		t.Errorf("events = %s, want failed:chart", got)
	}
}
