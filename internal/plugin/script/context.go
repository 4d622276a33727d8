package script

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dshills/modshell/internal/plugin"
	"github.com/dshills/modshell/sdk"
)

// engine is a script runtime owned by a context's executor goroutine.
type engine interface {
	run(ctx context.Context, path string) (any, error)
	view() any
	close()
}

// callback is an engine function bound to a bridge event.
type callback func(ctx context.Context, data any) error

type subscription struct {
	module, event string
	sub           sdk.Subscription
}

// Context is one running script plugin. It implements sdk.Component so the
// shell treats it like a native plugin.
type Context struct {
	name     string
	manifest *plugin.Manifest
	policy   *Policy
	entry    string
	timeout  time.Duration
	engine   engine
	exec     *Executor
	limiter  *rate.Limiter
	client   *http.Client
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	mu      sync.Mutex
	host    sdk.Host
	widget  *View
	subs    map[int]subscription
	nextSub int

	disposeOnce sync.Once
}

var _ sdk.Component = (*Context)(nil)

// Name returns the plugin name.
func (c *Context) Name() string { return c.name }

// Manifest returns a copy of the plugin manifest.
func (c *Context) Manifest() *plugin.Manifest { return c.manifest.Clone() }

// Policy returns the context's resource policy.
func (c *Context) Policy() *Policy { return c.policy }

// Done is closed once the context is disposed.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Resolve intercepts a resource URL, such as an icon, on behalf of the
// shell and returns the readable path.
func (c *Context) Resolve(rawURL string) (string, error) {
	return c.policy.Resolve(rawURL)
}

// CreateWidget runs the entry script with host as its bridge and returns
// the produced *View. Later calls return the same view.
func (c *Context) CreateWidget(host sdk.Host) (sdk.Widget, error) {
	if c.ctx.Err() != nil {
		return nil, &Error{Plugin: c.name, Err: ErrDisposed}
	}

	c.mu.Lock()
	if c.widget != nil {
		w := c.widget
		c.mu.Unlock()
		return w, nil
	}
	c.host = host
	c.mu.Unlock()

	var view *View
	err := c.exec.Execute(c.ctx, func() error {
		rctx, cancel := c.runContext()
		defer cancel()
		v, err := c.engine.run(rctx, c.entry)
		if err != nil {
			return err
		}
		view, err = toView(v)
		return err
	})
	if err != nil {
		return nil, &Error{Plugin: c.name, Err: err}
	}

	c.mu.Lock()
	c.widget = view
	c.mu.Unlock()

	c.logger.Info("script plugin started", zap.String("entry", c.entry))
	return view, nil
}

// DestroyWidget disposes the context.
func (c *Context) DestroyWidget(sdk.Widget) {
	c.Dispose()
}

// View returns the view produced by CreateWidget, or nil.
func (c *Context) View() *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.widget
}

// Refresh re-reads the script's global view, which event callbacks may have
// changed, and returns the new tree.
func (c *Context) Refresh(ctx context.Context) (*View, error) {
	var view *View
	err := c.exec.Execute(ctx, func() error {
		var err error
		view, err = toView(c.engine.view())
		return err
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.widget = view
	c.mu.Unlock()
	return view, nil
}

// Dispose cancels pending bridge calls and queued jobs, drops every event
// subscription and closes the engine. It is safe to call more than once.
func (c *Context) Dispose() {
	c.disposeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.host = nil
		c.mu.Unlock()
		for _, s := range subs {
			s.sub.Unsubscribe()
		}

		c.exec.Close()
		<-c.runDone
		c.engine.close()

		c.logger.Info("script plugin disposed", zap.Int("subscriptions", len(subs)))
	})
}

// Subscriptions returns the number of live event subscriptions.
func (c *Context) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Context) runContext() (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(c.ctx, c.timeout)
	}
	return context.WithCancel(c.ctx)
}

func (c *Context) currentHost() (sdk.Host, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return nil, ErrDisposed
	}
	if c.host == nil {
		return nil, ErrNoHost
	}
	return c.host, nil
}

// callModule invokes a module method for the script. It runs on the
// executor goroutine and returns once the call completes or the context is
// disposed.
func (c *Context) callModule(module, method string, args []any) (any, error) {
	host, err := c.currentHost()
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(c.ctx); err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", module, method, err)
	}
	return host.Call(c.ctx, module, method, args...)
}

// on subscribes fn to a module event. Deliveries are queued on the executor.
func (c *Context) on(module, event string, fn callback) (int, error) {
	host, err := c.currentHost()
	if err != nil {
		return 0, err
	}

	sub, err := host.Subscribe(module, event, func(data any) {
		err := c.exec.ExecuteAsync(func() error {
			rctx, cancel := c.runContext()
			defer cancel()
			if err := fn(rctx, data); err != nil {
				c.logger.Warn("event handler failed",
					zap.String("module", module), zap.String("event", event), zap.Error(err))
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrExecutorClosed) {
			c.logger.Warn("event dropped",
				zap.String("module", module), zap.String("event", event), zap.Error(err))
		}
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		// Disposed while subscribing.
		sub.Unsubscribe()
		return 0, ErrDisposed
	}
	c.nextSub++
	c.subs[c.nextSub] = subscription{module: module, event: event, sub: sub}
	return c.nextSub, nil
}

// off cancels a subscription made by on.
func (c *Context) off(id int) bool {
	c.mu.Lock()
	s, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		s.sub.Unsubscribe()
	}
	return ok
}

// Topics returns the "module/event" pairs the script listens to, sorted.
func (c *Context) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.subs))
	for _, s := range c.subs {
		topics = append(topics, s.module+"/"+s.event)
	}
	sort.Strings(topics)
	return topics
}

// resolveImport maps a require name to a file inside the allowed roots.
// Dotted names ("lib.util") become paths; names ending in ext are taken as
// paths relative to each root. The first existing candidate decides: if the
// policy denies it the import fails without trying other roots.
func (c *Context) resolveImport(name, ext string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty module name", ErrImportNotFound)
	}
	if filepath.IsAbs(name) || strings.Contains(name, "://") || strings.HasPrefix(name, plugin.ResourceScheme) {
		return c.policy.Resolve(name)
	}

	rel := name
	if filepath.Ext(name) != ext {
		rel = strings.ReplaceAll(name, ".", "/") + ext
	}
	rel = filepath.FromSlash(rel)

	for _, root := range c.policy.Roots() {
		candidate := filepath.Join(root, rel)
		if _, err := os.Lstat(candidate); err != nil {
			continue
		}
		return c.policy.Resolve(candidate)
	}
	return "", fmt.Errorf("%w: %s", ErrImportNotFound, name)
}

func (c *Context) readResource(rawURL string) ([]byte, error) {
	path, err := c.policy.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// fetch attempts a network request through the deny-all client. It always
// fails.
func (c *Context) fetch(rawURL string) error {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, rawURL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = c.client.Do(req)
		if resp != nil {
			_ = resp.Body.Close()
		}
	}
	if err == nil || !errors.Is(err, ErrNetworkDisabled) {
		err = fmt.Errorf("%w: %s", ErrNetworkDisabled, rawURL)
	}
	c.logger.Warn("network request blocked", zap.String("url", rawURL))
	return err
}

// causedError keeps an engine's error text while exposing the Go error
// that triggered it.
type causedError struct {
	msg   string
	cause error
}

func (e *causedError) Error() string { return e.msg }
func (e *causedError) Unwrap() error { return e.cause }

// interrupted maps failures caused by ctx ending to the sandbox errors.
func interrupted(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrDisposed, err)
	}
	return err
}
