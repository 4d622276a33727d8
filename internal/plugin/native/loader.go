package native

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/sdk"
)

// Instance is a loaded native UI plugin.
type Instance struct {
	name      string
	path      string
	component sdk.Component
	widget    sdk.Widget
	lib       Library
}

// Name returns the plugin name.
func (i *Instance) Name() string { return i.name }

// Path returns the library path.
func (i *Instance) Path() string { return i.path }

// Widget returns the produced component handle.
func (i *Instance) Widget() sdk.Widget { return i.widget }

// Loader opens native plugins and tracks their instances.
type Loader struct {
	mu        sync.Mutex
	opener    Opener
	instances map[string]*Instance
	logger    *zap.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithOpener replaces the library opener.
func WithOpener(o Opener) Option {
	return func(l *Loader) {
		if o != nil {
			l.opener = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader creates a native plugin loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		opener:    GoPluginOpener{},
		instances: make(map[string]*Instance),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load opens the plugin library, resolves its component factory and creates
// its widget with host. Loading a loaded plugin returns the existing instance.
func (l *Loader) Load(m *plugin.Manifest, host sdk.Host) (*Instance, error) {
	if m == nil {
		return nil, plugin.ErrNilManifest
	}

	l.mu.Lock()
	if inst, ok := l.instances[m.Name]; ok {
		l.mu.Unlock()
		return inst, nil
	}
	l.mu.Unlock()

	path := m.EntryPath()
	symbol := m.Symbol
	if symbol == "" {
		symbol = sdk.ComponentSymbol
	}

	lib, err := l.opener.Open(path)
	if err != nil {
		return nil, &Error{Plugin: m.Name, Path: path, Kind: ErrLoad, Err: err}
	}

	component, err := lookupComponent(lib, symbol)
	if err != nil {
		return nil, &Error{Plugin: m.Name, Path: path, Kind: ErrInterface, Err: err}
	}

	widget, err := createWidget(component, host)
	if err != nil {
		return nil, &Error{Plugin: m.Name, Path: path, Kind: ErrInstantiation, Err: err}
	}
	if widget == nil {
		return nil, &Error{Plugin: m.Name, Path: path, Kind: ErrInstantiation}
	}

	inst := &Instance{
		name:      m.Name,
		path:      path,
		component: component,
		widget:    widget,
		lib:       lib,
	}

	l.mu.Lock()
	if existing, ok := l.instances[m.Name]; ok {
		l.mu.Unlock()
		// Lost a race with a concurrent load; keep the first widget.
		destroyWidget(component, widget, l.logger, m.Name)
		return existing, nil
	}
	l.instances[m.Name] = inst
	l.mu.Unlock()

	l.logger.Info("native plugin loaded", zap.String("plugin", m.Name), zap.String("path", path))
	return inst, nil
}

// Unload destroys the plugin's widget and releases the library. Unloading a
// plugin that is not loaded is a no-op.
func (l *Loader) Unload(name string) {
	l.mu.Lock()
	inst, ok := l.instances[name]
	delete(l.instances, name)
	l.mu.Unlock()

	if !ok {
		return
	}

	destroyWidget(inst.component, inst.widget, l.logger, name)
	inst.widget = nil
	inst.component = nil
	inst.lib = nil

	l.logger.Info("native plugin unloaded", zap.String("plugin", name))
}

// Instance returns the loaded instance for name.
func (l *Loader) Instance(name string) (*Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instances[name]
	return inst, ok
}

// Loaded returns the names of loaded plugins, sorted.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.instances))
	for name := range l.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadModule opens a core module library and resolves its Module symbol.
func (l *Loader) LoadModule(m *plugin.Manifest) (sdk.Module, error) {
	if m == nil {
		return nil, plugin.ErrNilManifest
	}

	path := m.EntryPath()
	symbol := m.Symbol
	if symbol == "" {
		symbol = sdk.ModuleSymbol
	}

	lib, err := l.opener.Open(path)
	if err != nil {
		return nil, &Error{Plugin: m.Name, Path: path, Kind: ErrLoad, Err: err}
	}

	sym, err := lib.Lookup(symbol)
	if err != nil {
		return nil, &Error{Plugin: m.Name, Path: path, Kind: ErrInterface, Err: err}
	}

	var mod sdk.Module
	switch v := sym.(type) {
	case sdk.Module:
		mod = v
	case *sdk.Module:
		if v != nil {
			mod = *v
		}
	default:
		return nil, &Error{Plugin: m.Name, Path: path, Kind: ErrInterface,
			Err: fmt.Errorf("symbol %s has type %T", symbol, sym)}
	}
	if mod == nil {
		return nil, &Error{Plugin: m.Name, Path: path, Kind: ErrInstantiation}
	}
	return mod, nil
}

func lookupComponent(lib Library, symbol string) (sdk.Component, error) {
	sym, err := lib.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	switch v := sym.(type) {
	case sdk.Component:
		return v, nil
	case *sdk.Component:
		if v == nil || *v == nil {
			return nil, fmt.Errorf("symbol %s is nil", symbol)
		}
		return *v, nil
	default:
		return nil, fmt.Errorf("symbol %s has type %T", symbol, sym)
	}
}

// createWidget calls the factory, turning a panic into an error.
func createWidget(c sdk.Component, host sdk.Host) (w sdk.Widget, err error) {
	defer func() {
		if r := recover(); r != nil {
			w = nil
			err = fmt.Errorf("CreateWidget panicked: %v", r)
		}
	}()
	return c.CreateWidget(host)
}

func destroyWidget(c sdk.Component, w sdk.Widget, logger *zap.Logger, name string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("DestroyWidget panicked", zap.String("plugin", name), zap.Any("panic", r))
		}
	}()
	c.DestroyWidget(w)
}
