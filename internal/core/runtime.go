package core

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/modshell/internal/bridge"
	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/sdk"
)

// ModuleLoader produces the module implementation of a manifest.
// native.Loader is the production implementation.
type ModuleLoader interface {
	LoadModule(m *plugin.Manifest) (sdk.Module, error)
}

// module is the runtime record of one module name.
type module struct {
	name     string
	state    plugin.State
	builtin  bool
	manifest *plugin.Manifest
	impl     sdk.Module
	endpoint *bridge.LocalEndpoint
	since    time.Time

	// done is closed when the current transition ends.
	done chan struct{}
}

// ModuleInfo is a snapshot of a module record.
type ModuleInfo struct {
	Name    string       `json:"name"`
	State   plugin.State `json:"-"`
	Status  string       `json:"state"`
	Builtin bool         `json:"builtin"`
	Version string       `json:"version,omitempty"`
	Since   time.Time    `json:"since,omitempty"`
}

// Runtime owns the loaded core modules.
type Runtime struct {
	store     *plugin.Store
	transport *bridge.LocalTransport
	loader    ModuleLoader
	host      sdk.Host
	logger    *zap.Logger
	metrics   *Metrics

	mu      sync.Mutex
	modules map[string]*module
	order   []string
	closed  bool

	statsTimeout time.Duration
	sampling     map[string]bool // modules with a stats sample still running
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithModuleLoader sets the loader used for module libraries.
func WithModuleLoader(l ModuleLoader) Option {
	return func(r *Runtime) {
		r.loader = l
	}
}

// WithHost sets the bridge handed to modules that implement sdk.Starter.
func WithHost(h sdk.Host) Option {
	return func(r *Runtime) {
		r.host = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(r *Runtime) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithStatsTimeout bounds how long GetModuleStats waits for module
// reporters.
func WithStatsTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.statsTimeout = d
		}
	}
}

// New creates a runtime over the modules known to store. Loaded modules are
// registered on transport.
func New(store *plugin.Store, transport *bridge.LocalTransport, opts ...Option) *Runtime {
	r := &Runtime{
		store:     store,
		transport: transport,
		logger:    zap.NewNop(),
		modules:   make(map[string]*module),

		statsTimeout: DefaultStatsTimeout,
		sampling:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r
}

// Store returns the manifest store of the modules directories.
func (r *Runtime) Store() *plugin.Store { return r.store }

// Transport returns the transport modules are registered on.
func (r *Runtime) Transport() *bridge.LocalTransport { return r.transport }

// Metrics returns the runtime collectors.
func (r *Runtime) Metrics() *Metrics { return r.metrics }

type chainKey struct{}

// withChain records name as being loaded by the calling goroutine so that
// dependency cycles are caught instead of waiting on themselves.
func withChain(ctx context.Context, name string) context.Context {
	chain := loadChain(ctx)
	return context.WithValue(ctx, chainKey{}, append(chain[:len(chain):len(chain)], name))
}

func loadChain(ctx context.Context) []string {
	chain, _ := ctx.Value(chainKey{}).([]string)
	return chain
}

// LoadPlugin loads the core module called name after its dependencies.
// Loading an active module is a no-op; a load already in progress is
// awaited. On failure the module returns to the unknown state.
func (r *Runtime) LoadPlugin(ctx context.Context, name string) error {
	if chain := loadChain(ctx); slices.Contains(chain, name) {
		return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(append(chain, name), " -> "))
	}

	for {
		m, wait, err := r.claim(name)
		if err != nil {
			return err
		}
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if m == nil {
			return nil
		}

		start := time.Now()
		err = r.finishLoad(m, r.load(ctx, m))

		if err != nil {
			r.metrics.loads.WithLabelValues("error").Inc()
			r.logger.Warn("module load failed", zap.String("module", name), zap.Error(err))
			return err
		}
		r.metrics.loads.WithLabelValues("ok").Inc()
		r.logger.Info("module loaded",
			zap.String("module", name),
			zap.Duration("took", time.Since(start)))
		return nil
	}
}

// claim moves name into the loading state. It returns the claimed record,
// or a channel to wait on when another transition is in progress, or
// neither when the module is already active.
func (r *Runtime) claim(name string) (*module, <-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, ErrClosed
	}
	if cur, ok := r.modules[name]; ok {
		if cur.state == plugin.StateActive {
			return nil, nil, nil
		}
		return nil, cur.done, nil
	}

	m := &module{name: name, state: plugin.StateLoading, done: make(chan struct{})}
	r.modules[name] = m
	return m, nil, nil
}

func (r *Runtime) load(ctx context.Context, m *module) error {
	manifest, err := r.store.Lookup(m.name)
	if err != nil {
		return err
	}
	if manifest.Kind() != plugin.KindNative {
		return fmt.Errorf("%w: %s is %s", ErrNotNative, m.name, manifest.Kind())
	}

	depCtx := withChain(ctx, m.name)
	for _, dep := range manifest.Dependencies {
		if err := r.LoadPlugin(depCtx, dep); err != nil {
			return fmt.Errorf("%w: %s requires %s: %w", plugin.ErrDependencyFailed, m.name, dep, err)
		}
	}

	if r.loader == nil {
		return fmt.Errorf("%w: %s", plugin.ErrNoLoader, manifest.Kind())
	}
	impl, err := r.loader.LoadModule(manifest)
	if err != nil {
		return err
	}

	ep, err := r.start(m.name, impl)
	if err != nil {
		return err
	}

	m.manifest = manifest
	m.impl = impl
	m.endpoint = ep
	return nil
}

// start exposes impl on the transport and runs its Start hook.
func (r *Runtime) start(name string, impl sdk.Module) (*bridge.LocalEndpoint, error) {
	ep, err := r.transport.Register(name, impl)
	if err != nil {
		return nil, err
	}
	if starter, ok := impl.(sdk.Starter); ok {
		if err := callStart(starter, ep, r.host); err != nil {
			ep.Close()
			return nil, fmt.Errorf("start %s: %w", name, err)
		}
	}
	return ep, nil
}

// finishLoad records the outcome of a load. A module that finished after
// Close is torn down again and reported as ErrClosed.
func (r *Runtime) finishLoad(m *module, err error) error {
	r.mu.Lock()
	orphan := err == nil && r.closed
	if orphan {
		err = fmt.Errorf("%w: %s finished loading after close", ErrClosed, m.name)
	}
	if err != nil {
		delete(r.modules, m.name)
	} else {
		m.state = plugin.StateActive
		m.since = time.Now()
		r.order = append(r.order, m.name)
	}
	close(m.done)
	r.metrics.active.Set(float64(len(r.order)))
	r.mu.Unlock()

	if orphan {
		r.teardown(m)
	}
	return err
}

// UnloadPlugin withdraws the module's bridge endpoint, then stops it.
func (r *Runtime) UnloadPlugin(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	m, ok := r.modules[name]
	switch {
	case !ok:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", plugin.ErrNotLoaded, name)
	case m.builtin:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBuiltin, name)
	case m.state != plugin.StateActive:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", plugin.ErrBusy, name, m.state)
	}
	m.state = plugin.StateUnloading
	m.done = make(chan struct{})
	r.mu.Unlock()

	r.teardown(m)

	r.mu.Lock()
	delete(r.modules, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	close(m.done)
	r.metrics.active.Set(float64(len(r.order)))
	r.mu.Unlock()

	r.metrics.unloads.Inc()
	r.metrics.forget(name)
	r.logger.Info("module unloaded", zap.String("module", name))
	return nil
}

func (r *Runtime) teardown(m *module) {
	if m.endpoint != nil {
		m.endpoint.Close()
	}
	if stopper, ok := m.impl.(sdk.Stopper); ok {
		if err := callStop(stopper); err != nil {
			r.logger.Warn("module stop failed", zap.String("module", m.name), zap.Error(err))
		}
	}
}

// Register exposes a built-in module. Built-in modules are always active
// and cannot be unloaded.
func (r *Runtime) Register(name string, impl sdk.Module) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, exists := r.modules[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", bridge.ErrAlreadyRegistered, name)
	}
	m := &module{name: name, state: plugin.StateLoading, builtin: true, done: make(chan struct{})}
	r.modules[name] = m
	r.mu.Unlock()

	ep, err := r.start(name, impl)
	if err == nil {
		m.impl = impl
		m.endpoint = ep
		m.manifest = &plugin.Manifest{Name: name, Type: "core"}
	}
	if err := r.finishLoad(m, err); err != nil {
		return err
	}
	r.logger.Debug("built-in module registered", zap.String("module", name))
	return nil
}

// State returns the state of name.
func (r *Runtime) State(name string) plugin.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.modules[name]; ok {
		return m.state
	}
	return plugin.StateUnknown
}

// Info returns a snapshot of the record of name.
func (r *Runtime) Info(name string) (ModuleInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	if !ok {
		return ModuleInfo{}, false
	}
	return m.info(), true
}

func (m *module) info() ModuleInfo {
	info := ModuleInfo{
		Name:    m.name,
		State:   m.state,
		Status:  m.state.String(),
		Builtin: m.builtin,
		Since:   m.since,
	}
	if m.manifest != nil {
		info.Version = m.manifest.Version
	}
	return info
}

// GetKnownPlugins returns every module name declared in the modules
// directories plus the built-in modules, regardless of state.
func (r *Runtime) GetKnownPlugins() []string {
	seen := make(map[string]bool)
	for _, name := range r.store.Names() {
		seen[name] = true
	}
	r.mu.Lock()
	for name, m := range r.modules {
		if m.builtin {
			seen[name] = true
		}
	}
	r.mu.Unlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetLoadedPlugins returns the active module names, sorted.
func (r *Runtime) GetLoadedPlugins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, m := range r.modules {
		if m.state == plugin.StateActive {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Methods lists the methods of an active module.
func (r *Runtime) Methods(ctx context.Context, name string) ([]sdk.Method, error) {
	r.mu.Lock()
	m, ok := r.modules[name]
	active := ok && m.state == plugin.StateActive
	r.mu.Unlock()
	if !active {
		return nil, fmt.Errorf("%w: %s", plugin.ErrNotLoaded, name)
	}
	return m.endpoint.Methods(ctx)
}

// Refresh rescans the modules directories.
func (r *Runtime) Refresh() error {
	return r.store.Refresh()
}

// Close unloads every module in reverse load order, built-in modules last.
// Later loads fail with ErrClosed.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	order := slices.Clone(r.order)
	r.mu.Unlock()

	var builtins []*module
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		r.mu.Lock()
		m, ok := r.modules[name]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if m.builtin {
			builtins = append(builtins, m)
			continue
		}
		if err := r.UnloadPlugin(context.WithoutCancel(ctx), name); err != nil {
			r.logger.Warn("unload on close failed", zap.String("module", name), zap.Error(err))
		}
	}

	for _, m := range builtins {
		r.teardown(m)
		r.mu.Lock()
		delete(r.modules, m.name)
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.order = nil
	r.metrics.active.Set(0)
	r.mu.Unlock()
	return nil
}

func callStart(s sdk.Starter, emit sdk.Emitter, host sdk.Host) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("start panicked: %v", rec)
		}
	}()
	return s.Start(emit, host)
}

func callStop(s sdk.Stopper) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stop panicked: %v", rec)
		}
	}()
	return s.Stop()
}
