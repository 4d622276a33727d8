package shell

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/modshell/internal/core"
	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/internal/plugin/native"
	"github.com/dshills/modshell/internal/plugin/script"
	"github.com/dshills/modshell/sdk"
)

// LoadedPlugin is a UI plugin with a live widget.
type LoadedPlugin struct {
	Name     string
	Kind     plugin.Kind
	Manifest *plugin.Manifest
	Widget   sdk.Widget
	State    plugin.State
	LoadedAt time.Time

	script *script.Context
}

// Script returns the sandbox context of a script plugin, or nil.
func (p *LoadedPlugin) Script() *script.Context { return p.script }

type entry struct {
	plugin *LoadedPlugin
	done   chan struct{} // closed when the current transition ends
}

// Manager loads and unloads UI plugins.
type Manager struct {
	store   *plugin.Store
	host    sdk.Host
	native  *native.Loader
	sandbox *script.Sandbox
	logger  *zap.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	handlers map[int]EventHandler
	nextID   int
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithNativeLoader sets the loader for native plugins.
func WithNativeLoader(l *native.Loader) Option {
	return func(m *Manager) {
		if l != nil {
			m.native = l
		}
	}
}

// WithSandbox sets the sandbox for script plugins.
func WithSandbox(s *script.Sandbox) Option {
	return func(m *Manager) {
		m.sandbox = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager over the UI plugins in store. host is handed
// to every plugin and is used to load dependencies.
func NewManager(store *plugin.Store, host sdk.Host, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		host:     host,
		native:   native.NewLoader(),
		logger:   zap.NewNop(),
		entries:  make(map[string]*entry),
		handlers: make(map[int]EventHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load creates the widget of the plugin called name. A plugin that is
// already loaded is returned as is and receives EventActivate.
func (m *Manager) Load(ctx context.Context, name string) (*LoadedPlugin, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		e, ok := m.entries[name]
		if !ok {
			e = &entry{done: make(chan struct{})}
			m.entries[name] = e
			m.mu.Unlock()
			return m.load(ctx, name, e)
		}
		if e.plugin != nil && e.plugin.State == plugin.StateActive {
			p := e.plugin
			m.mu.Unlock()
			m.emit(Event{Type: EventActivate, Name: name, Plugin: p})
			return p, nil
		}
		done := e.done
		m.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) load(ctx context.Context, name string, e *entry) (p *LoadedPlugin, err error) {
	defer func() {
		m.mu.Lock()
		var orphan *LoadedPlugin
		if err == nil && m.closed {
			// Close already ran and will not see this plugin.
			orphan, p, err = p, nil, ErrClosed
		}
		if err != nil {
			delete(m.entries, name)
		} else {
			e.plugin = p
			m.order = append(m.order, name)
		}
		close(e.done)
		m.mu.Unlock()

		if orphan != nil {
			m.destroy(orphan)
		}

		if err != nil {
			m.logger.Warn("plugin load failed", zap.String("plugin", name), zap.Error(err))
			m.emit(Event{Type: EventFailed, Name: name, Err: err})
			return
		}
		m.logger.Info("plugin loaded", zap.String("plugin", name), zap.String("kind", p.Kind.String()))
		m.emit(Event{Type: EventLoaded, Name: name, Plugin: p})
	}()

	manifest, err := m.store.Lookup(name)
	if err != nil {
		return nil, err
	}
	kind := manifest.Kind()
	if kind == plugin.KindUnknown {
		return nil, fmt.Errorf("%w: %s", plugin.ErrUnknownKind, name)
	}

	for _, dep := range manifest.Dependencies {
		if err := m.loadDependency(ctx, dep); err != nil {
			return nil, fmt.Errorf("%w: %s requires %s: %w", plugin.ErrDependencyFailed, name, dep, err)
		}
	}

	p = &LoadedPlugin{
		Name:     name,
		Kind:     kind,
		Manifest: manifest.Clone(),
		State:    plugin.StateActive,
		LoadedAt: time.Now(),
	}

	switch kind {
	case plugin.KindNative:
		inst, err := m.native.Load(manifest, m.host)
		if err != nil {
			return nil, err
		}
		p.Widget = inst.Widget()

	case plugin.KindScript:
		if m.sandbox == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoSandbox, name)
		}
		sc, err := m.sandbox.CreateContext(ctx, manifest)
		if err != nil {
			return nil, err
		}
		w, err := sc.CreateWidget(m.host)
		if err != nil {
			sc.Dispose()
			return nil, err
		}
		p.Widget = w
		p.script = sc
	}
	return p, nil
}

// loadDependency asks core_manager to load the core module dep.
func (m *Manager) loadDependency(ctx context.Context, dep string) error {
	if m.host == nil {
		return plugin.ErrNoLoader
	}
	res, err := m.host.Call(ctx, core.ManagerModuleName, "loadPlugin", dep)
	if err != nil {
		return err
	}
	if ok, _ := res.(bool); !ok {
		return fmt.Errorf("%s reported failure", core.ManagerModuleName)
	}
	return nil
}

// Unload destroys the plugin's widget. Subscribers receive EventDetach
// before anything is torn down.
func (m *Manager) Unload(_ context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", plugin.ErrNotLoaded, name)
	}
	if e.plugin == nil || e.plugin.State != plugin.StateActive {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", plugin.ErrBusy, name)
	}
	p := e.plugin
	p.State = plugin.StateUnloading
	e.done = make(chan struct{})
	m.mu.Unlock()

	m.emit(Event{Type: EventDetach, Name: name, Plugin: p})
	m.destroy(p)

	m.mu.Lock()
	delete(m.entries, name)
	m.order = removeName(m.order, name)
	close(e.done)
	m.mu.Unlock()

	m.logger.Info("plugin unloaded", zap.String("plugin", name))
	m.emit(Event{Type: EventUnloaded, Name: name, Plugin: p})
	return nil
}

func (m *Manager) destroy(p *LoadedPlugin) {
	switch p.Kind {
	case plugin.KindNative:
		m.native.Unload(p.Name)
	case plugin.KindScript:
		p.script.DestroyWidget(p.Widget)
	}
	p.Widget = nil
}

// Subscribe registers fn for lifecycle events and returns its
// cancellation.
func (m *Manager) Subscribe(fn EventHandler) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]EventHandler, len(ids))
	for i, id := range ids {
		handlers[i] = m.handlers[id]
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Get returns the loaded plugin called name.
func (m *Manager) Get(name string) (*LoadedPlugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok || e.plugin == nil {
		return nil, false
	}
	return e.plugin, true
}

// Loaded returns the loaded plugins in load order.
func (m *Manager) Loaded() []*LoadedPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*LoadedPlugin, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.entries[name].plugin)
	}
	return out
}

// Available returns the manifests of every UI plugin in the store.
func (m *Manager) Available() []*plugin.Manifest {
	return m.store.List()
}

// Refresh rescans the store.
func (m *Manager) Refresh() error {
	return m.store.Refresh()
}

// Icon returns the readable icon path of the plugin called name. Icons of
// loaded script plugins go through the sandbox policy.
func (m *Manager) Icon(name string) (string, error) {
	if p, ok := m.Get(name); ok && p.script != nil {
		if p.Manifest.Icon == "" {
			return "", nil
		}
		return p.script.Resolve(p.Manifest.IconPath())
	}
	manifest, err := m.store.Lookup(name)
	if err != nil {
		return "", err
	}
	return manifest.IconPath(), nil
}

// Close unloads every plugin, newest first. Later loads fail with
// ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if err := m.Unload(ctx, order[i]); err != nil {
			m.logger.Warn("unload on close failed", zap.String("plugin", order[i]), zap.Error(err))
		}
	}
	return nil
}

func removeName(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i], names[i+1:]...)
		}
	}
	return names
}
