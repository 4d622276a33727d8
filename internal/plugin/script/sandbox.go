package script

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dshills/modshell/internal/plugin"
)

// Default sandbox limits.
const (
	DefaultExecutionTimeout = 5 * time.Second
	DefaultCallRate         = rate.Limit(50)
	DefaultCallBurst        = 20
)

// Sandbox creates isolated script contexts.
type Sandbox struct {
	frameworkRoots []string
	timeout        time.Duration
	callRate       rate.Limit
	callBurst      int
	queueSize      int
	logger         *zap.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithFrameworkRoots adds resource roots every context may read and import
// from, and that res: URLs resolve against.
func WithFrameworkRoots(roots ...string) Option {
	return func(s *Sandbox) {
		s.frameworkRoots = append(s.frameworkRoots, roots...)
	}
}

// WithExecutionTimeout bounds each entry run and event callback. Zero
// disables the bound.
func WithExecutionTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		s.timeout = d
	}
}

// WithCallRate limits bridge calls per context.
func WithCallRate(r rate.Limit, burst int) Option {
	return func(s *Sandbox) {
		s.callRate = r
		s.callBurst = burst
	}
}

// WithQueueSize sets the executor queue length per context.
func WithQueueSize(n int) Option {
	return func(s *Sandbox) {
		s.queueSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sandbox) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSandbox creates a sandbox.
func NewSandbox(opts ...Option) *Sandbox {
	s := &Sandbox{
		timeout:   DefaultExecutionTimeout,
		callRate:  DefaultCallRate,
		callBurst: DefaultCallBurst,
		queueSize: DefaultQueueSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateContext prepares an isolated context for the script plugin m,
// rooted at its directory. The entry runs on the first CreateWidget. The
// context outlives ctx's cancellation; only Dispose ends it.
func (s *Sandbox) CreateContext(ctx context.Context, m *plugin.Manifest) (*Context, error) {
	if m == nil {
		return nil, plugin.ErrNilManifest
	}
	if m.Kind() != plugin.KindScript {
		return nil, fmt.Errorf("%w: %s is not a script plugin", plugin.ErrUnknownKind, m.Name)
	}

	policy, err := NewPolicy(m.Dir(), s.frameworkRoots...)
	if err != nil {
		return nil, &Error{Plugin: m.Name, Err: err}
	}
	entry, err := policy.Resolve(m.EntryPath())
	if err != nil {
		return nil, &Error{Plugin: m.Name, Err: err}
	}

	limit := s.callRate
	if limit <= 0 {
		limit = rate.Inf
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Context{
		name:     m.Name,
		manifest: m.Clone(),
		policy:   policy,
		entry:    entry,
		timeout:  s.timeout,
		ctx:      cctx,
		cancel:   cancel,
		exec:     NewExecutor(s.queueSize),
		runDone:  make(chan struct{}),
		limiter:  rate.NewLimiter(limit, max(s.callBurst, 1)),
		client:   newHTTPClient(),
		subs:     make(map[int]subscription),
		logger:   s.logger.With(zap.String("plugin", m.Name)),
	}

	switch ext := strings.ToLower(filepath.Ext(entry)); ext {
	case ".lua":
		c.engine = newLuaEngine(c)
	case ".js":
		c.engine = newJSEngine(c)
	default:
		cancel()
		return nil, &Error{Plugin: m.Name, Err: fmt.Errorf("%w: %q", ErrUnsupportedEntry, ext)}
	}

	go func() {
		defer close(c.runDone)
		c.exec.Run(cctx)
	}()

	s.logger.Debug("script context created",
		zap.String("plugin", m.Name), zap.Strings("roots", policy.Roots()))
	return c, nil
}

// HTTPClient returns a client that refuses every request, for host code
// that hands clients to scripts.
func (s *Sandbox) HTTPClient() *http.Client {
	return newHTTPClient()
}
