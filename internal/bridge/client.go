package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dshills/modshell/sdk"
	"go.uber.org/zap"
)

// MaxArgs is the largest number of positional arguments Invoke forwards.
const MaxArgs = 3

// Client is the connection handle for one module.
type Client struct {
	api  *API
	name string

	mu        sync.RWMutex
	endpoint  Endpoint
	connected bool
}

// Name returns the module name.
func (c *Client) Name() string {
	return c.name
}

// Connect makes a fresh connection attempt. On failure the client stays
// disconnected. A replaced endpoint is released.
func (c *Client) Connect(ctx context.Context) error {
	ep, err := c.api.transport.Connect(ctx, c.name)

	c.mu.Lock()
	old := c.endpoint
	if err != nil {
		c.endpoint = nil
		c.connected = false
		c.mu.Unlock()
		release(old)
		c.api.logger.Debug("module connection failed",
			zap.String("module", c.name), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrModuleNotConnected, c.name, err)
	}
	c.endpoint = ep
	c.connected = true
	c.mu.Unlock()

	if old != ep {
		release(old)
	}
	c.resubscribe(ep)
	return nil
}

// close drops the client's endpoint.
func (c *Client) close() {
	c.mu.Lock()
	ep := c.endpoint
	c.endpoint = nil
	c.connected = false
	c.mu.Unlock()
	release(ep)
}

// release closes endpoints the client owns. Shared endpoints, such as
// local ones, do not implement io.Closer and are left alone.
func release(ep Endpoint) {
	if closer, ok := ep.(io.Closer); ok {
		_ = closer.Close()
	}
}

// resubscribe attaches topics that already have listeners to a new endpoint.
func (c *Client) resubscribe(ep Endpoint) {
	h := c.api.hub
	for _, event := range h.topicsFor(c.name) {
		t := topic{module: c.name, event: event}
		cancel, err := ep.Subscribe(event, func(data any) { h.publish(t, data) })
		if err != nil {
			c.api.logger.Warn("cannot restore subscription",
				zap.String("module", c.name), zap.String("event", event), zap.Error(err))
			continue
		}
		h.setRemote(t, cancel)
	}
}

// IsConnected reports whether the module is reachable. Callers check it
// before invoking.
func (c *Client) IsConnected() bool {
	_, ok := c.current()
	return ok
}

// current returns the live endpoint, noticing endpoints that went away.
func (c *Client) current() (Endpoint, bool) {
	c.mu.RLock()
	ep, connected := c.endpoint, c.connected
	c.mu.RUnlock()

	if !connected || ep == nil {
		return nil, false
	}

	select {
	case <-ep.Done():
		c.mu.Lock()
		if c.endpoint == ep {
			c.connected = false
			c.endpoint = nil
		}
		c.mu.Unlock()
		return nil, false
	default:
		return ep, true
	}
}

// Invoke calls method with up to MaxArgs arguments and waits for the answer
// or the API's call timeout, whichever comes first.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) (any, error) {
	start := time.Now()
	result, err := c.invoke(ctx, method, args)

	c.api.metrics.calls.WithLabelValues(c.name, callResult(err)).Inc()
	c.api.metrics.callDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

	return result, err
}

func (c *Client) invoke(ctx context.Context, method string, args []any) (any, error) {
	if len(args) > MaxArgs {
		return nil, fmt.Errorf("%w: %s.%s called with %d, limit is %d",
			ErrTooManyArguments, c.name, method, len(args), MaxArgs)
	}

	ep, ok := c.current()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotConnected, c.name)
	}

	ctx, cancel := context.WithTimeout(ctx, c.api.timeout)
	defer cancel()

	type reply struct {
		value any
		err   error
	}
	ch := make(chan reply, 1)

	go func() {
		v, err := ep.Call(ctx, method, args)
		ch <- reply{v, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, c.wrapError(method, r.err)
		}
		return r.value, nil

	case <-ep.Done():
		return nil, fmt.Errorf("%w: %s went away during %s", ErrModuleNotConnected, c.name, method)

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s.%s", ErrTimeout, c.name, method)
		}
		return nil, ctx.Err()
	}
}

func (c *Client) wrapError(method string, err error) error {
	switch {
	case errors.Is(err, ErrModuleNotConnected), errors.Is(err, ErrTimeout):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s.%s", ErrTimeout, c.name, method)
	default:
		return &RemoteError{Module: c.name, Method: method, Err: err}
	}
}

// Methods returns the module's callable methods.
func (c *Client) Methods(ctx context.Context) ([]sdk.Method, error) {
	ep, ok := c.current()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotConnected, c.name)
	}

	ctx, cancel := context.WithTimeout(ctx, c.api.timeout)
	defer cancel()
	return ep.Methods(ctx)
}

// Subscribe registers fn for event. fn runs asynchronously on the API's
// dispatcher; it must be cancelled with Unsubscribe.
func (c *Client) Subscribe(event string, fn func(data any)) (*Subscription, error) {
	if fn == nil {
		return nil, errors.New("bridge: nil event listener")
	}

	ep, ok := c.current()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotConnected, c.name)
	}

	h := c.api.hub
	t := topic{module: c.name, event: event}
	sub, first := h.add(t, fn)
	if !first {
		return sub, nil
	}

	cancel, err := ep.Subscribe(event, func(data any) { h.publish(t, data) })
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s.%s: %w", c.name, event, err)
	}
	h.setRemote(t, cancel)

	return sub, nil
}
