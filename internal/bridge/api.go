package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/dshills/modshell/sdk"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Defaults.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultEventBuffer    = 1024
)

// API owns the per-module clients and the event registry. One API exists per
// process and is handed to every plugin; it implements sdk.Host.
type API struct {
	mu      sync.Mutex
	clients map[string]*Client
	closed  bool

	transport      Transport
	hub            *hub
	timeout        time.Duration
	connectTimeout time.Duration
	eventBuffer    int
	logger         *zap.Logger
	metrics        *Metrics
}

// Option configures an API.
type Option func(*API)

// WithTimeout sets the bound on a single Invoke.
func WithTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithConnectTimeout sets the bound on a connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.connectTimeout = d
		}
	}
}

// WithEventBuffer sets the dispatch queue size.
func WithEventBuffer(n int) Option {
	return func(a *API) {
		if n > 0 {
			a.eventBuffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(a *API) {
		if m != nil {
			a.metrics = m
		}
	}
}

// New creates an API over transport.
func New(transport Transport, opts ...Option) *API {
	a := &API{
		clients:        make(map[string]*Client),
		transport:      transport,
		timeout:        DefaultTimeout,
		connectTimeout: DefaultConnectTimeout,
		eventBuffer:    DefaultEventBuffer,
		logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = NewMetrics(nil)
	}

	a.hub = newHub(a.eventBuffer, a.logger, a.metrics)
	return a
}

// Timeout returns the call timeout.
func (a *API) Timeout() time.Duration {
	return a.timeout
}

// Client returns the client for module, creating it and making one
// connection attempt on first use. The client may be disconnected.
func (a *API) Client(module string) *Client {
	a.mu.Lock()
	if c, ok := a.clients[module]; ok {
		a.mu.Unlock()
		return c
	}
	c := &Client{api: a, name: module}
	a.clients[module] = c
	closed := a.closed
	a.mu.Unlock()

	if !closed {
		ctx, cancel := context.WithTimeout(context.Background(), a.connectTimeout)
		_ = c.Connect(ctx)
		cancel()
	}
	return c
}

// Clients returns the names of modules referenced so far, sorted.
func (a *API) Clients() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.clients))
	for name := range a.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// connected returns a connected client for module, retrying the connection
// once when the cached client is down.
func (a *API) connected(ctx context.Context, module string) (*Client, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	c := a.Client(module)
	if c.IsConnected() {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Call implements sdk.Host.
func (a *API) Call(ctx context.Context, module, method string, args ...any) (any, error) {
	c, err := a.connected(ctx, module)
	if err != nil {
		return nil, err
	}
	return c.Invoke(ctx, method, args...)
}

// CallJSON calls method and returns the result wrapped as {"result": ...}.
func (a *API) CallJSON(ctx context.Context, module, method string, args ...any) (string, error) {
	result, err := a.Call(ctx, module, method, args...)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(map[string]any{"result": result})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Methods lists the methods of module.
func (a *API) Methods(ctx context.Context, module string) ([]sdk.Method, error) {
	c, err := a.connected(ctx, module)
	if err != nil {
		return nil, err
	}
	return c.Methods(ctx)
}

// Subscribe implements sdk.Host.
func (a *API) Subscribe(module, event string, fn func(data any)) (sdk.Subscription, error) {
	c, err := a.connected(context.Background(), module)
	if err != nil {
		return nil, err
	}
	sub, err := c.Subscribe(event, fn)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Listeners returns the number of listeners on (module, event).
func (a *API) Listeners(module, event string) int {
	return a.hub.count(topic{module: module, event: event})
}

// Close stops event delivery. Clients stay usable for calls.
func (a *API) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	clients := make([]*Client, 0, len(a.clients))
	for _, c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.Unlock()

	a.hub.close()
	for _, c := range clients {
		c.close()
	}
}

var _ sdk.Host = (*API)(nil)
