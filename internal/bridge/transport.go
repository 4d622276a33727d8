package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/modshell/sdk"
)

// Transport resolves module names to endpoints.
type Transport interface {
	Connect(ctx context.Context, module string) (Endpoint, error)
}

// Endpoint is a reachable module.
type Endpoint interface {
	// Call invokes method. It must honour ctx cancellation.
	Call(ctx context.Context, method string, args []any) (any, error)

	// Methods lists the module's callable methods.
	Methods(ctx context.Context) ([]sdk.Method, error)

	// Subscribe registers fn for event. fn must not block.
	Subscribe(event string, fn func(data any)) (cancel func(), err error)

	// Done is closed when the module goes away.
	Done() <-chan struct{}
}

// LocalTransport serves modules living in this process.
type LocalTransport struct {
	mu        sync.RWMutex
	endpoints map[string]*LocalEndpoint
}

// NewLocalTransport creates an empty local transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		endpoints: make(map[string]*LocalEndpoint),
	}
}

// Register exposes m under name. The returned endpoint doubles as the
// module's event emitter; Close withdraws it.
func (t *LocalTransport) Register(name string, m sdk.Module) (*LocalEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.endpoints[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	ep := &LocalEndpoint{
		name:      name,
		module:    m,
		listeners: make(map[string][]listener),
		done:      make(chan struct{}),
	}
	ep.onClose = func() {
		t.mu.Lock()
		if t.endpoints[name] == ep {
			delete(t.endpoints, name)
		}
		t.mu.Unlock()
	}
	t.endpoints[name] = ep
	return ep, nil
}

// Connect implements Transport.
func (t *LocalTransport) Connect(_ context.Context, module string) (Endpoint, error) {
	t.mu.RLock()
	ep, ok := t.endpoints[module]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}
	return ep, nil
}

// Lookup returns the endpoint registered under module.
func (t *LocalTransport) Lookup(module string) (*LocalEndpoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ep, ok := t.endpoints[module]
	return ep, ok
}

// Names returns the registered module names, sorted.
func (t *LocalTransport) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.endpoints))
	for name := range t.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type listener struct {
	id uint64
	fn func(any)
}

// LocalEndpoint is an in-process module endpoint.
type LocalEndpoint struct {
	name   string
	module sdk.Module

	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    uint64
	closed    bool

	done    chan struct{}
	onClose func()
}

// Name returns the module name.
func (e *LocalEndpoint) Name() string {
	return e.name
}

// Call implements Endpoint. A panicking module is reported as an error.
func (e *LocalEndpoint) Call(ctx context.Context, method string, args []any) (result any, err error) {
	if e.isClosed() {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotConnected, e.name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("module %s panicked in %s: %v", e.name, method, r)
		}
	}()

	return e.module.Call(ctx, method, args)
}

// Methods implements Endpoint.
func (e *LocalEndpoint) Methods(context.Context) ([]sdk.Method, error) {
	if e.isClosed() {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotConnected, e.name)
	}
	return e.module.Methods(), nil
}

// Subscribe implements Endpoint.
func (e *LocalEndpoint) Subscribe(event string, fn func(any)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotConnected, e.name)
	}

	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], listener{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		ls := e.listeners[event]
		for i, l := range ls {
			if l.id == id {
				e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
	}, nil
}

// Emit implements sdk.Emitter. Listeners are called synchronously and are
// expected to hand the event off without blocking.
func (e *LocalEndpoint) Emit(event string, data any) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	ls := append([]listener(nil), e.listeners[event]...)
	e.mu.RUnlock()

	for _, l := range ls {
		l.fn(data)
	}
}

// Done implements Endpoint.
func (e *LocalEndpoint) Done() <-chan struct{} {
	return e.done
}

// Close withdraws the endpoint. Connected clients become disconnected.
func (e *LocalEndpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.listeners = make(map[string][]listener)
	close(e.done)
	e.mu.Unlock()

	if e.onClose != nil {
		e.onClose()
	}
}

func (e *LocalEndpoint) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}
