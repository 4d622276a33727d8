package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dshills/modshell/sdk"
)

// Frame types exchanged over a module websocket.
const (
	frameCall        = "call"
	frameMethods     = "methods"
	frameResult      = "result"
	frameError       = "error"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameEvent       = "event"
)

// Error codes carried by error frames.
const (
	codeNotConnected   = "not_connected"
	codeMethodNotFound = "method_not_found"
)

type frame struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	Method string `json:"method,omitempty"`
	Event  string `json:"event,omitempty"`
	Args   []any  `json:"args,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// Server exposes the modules of a Transport over websockets, one connection
// per module at /{module}.
type Server struct {
	transport Transport
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// NewServer creates a websocket server for transport.
func NewServer(transport Transport, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		transport: transport,
		upgrader: websocket.Upgrader{
			// Module hosts run on the same machine; there is no browser origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Routes returns the router serving module connections.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/{module}", s.handleModule)
	return r
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")

	ep, err := s.transport.Connect(r.Context(), module)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("module", module), zap.Error(err))
		return
	}

	sess := &serverSession{
		module: module,
		ep:     ep,
		conn:   conn,
		subs:   make(map[string]func()),
		events: make(chan frame, DefaultEventBuffer),
		logger: s.logger,
	}
	sess.serve()
}

// serverSession relays one websocket to one endpoint.
type serverSession struct {
	module string
	ep     Endpoint
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]func()

	// events keeps emitted events in order without blocking the emitter.
	events chan frame
}

func (s *serverSession) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	defer func() {
		cancel()
		wg.Wait()
		s.mu.Lock()
		for _, unsub := range s.subs {
			unsub()
		}
		s.subs = nil
		s.mu.Unlock()
		_ = s.conn.Close()
	}()

	// Drop the socket when the module goes away so the peer notices.
	go func() {
		select {
		case <-s.ep.Done():
			_ = s.conn.Close()
		case <-ctx.Done():
		}
	}()

	go func() {
		for {
			select {
			case f := <-s.events:
				s.write(f)
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Type {
		case frameCall:
			wg.Add(1)
			go func(f frame) {
				defer wg.Done()
				result, err := s.ep.Call(ctx, f.Method, f.Args)
				s.reply(f.ID, result, err)
			}(f)

		case frameMethods:
			methods, err := s.ep.Methods(ctx)
			s.reply(f.ID, methods, err)

		case frameSubscribe:
			s.subscribe(f.Event)

		case frameUnsubscribe:
			s.mu.Lock()
			unsub := s.subs[f.Event]
			delete(s.subs, f.Event)
			s.mu.Unlock()
			if unsub != nil {
				unsub()
			}

		default:
			s.write(frame{ID: f.ID, Type: frameError, Error: "unknown frame type " + f.Type})
		}
	}
}

func (s *serverSession) subscribe(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		return
	}
	if _, ok := s.subs[event]; ok {
		return
	}
	unsub, err := s.ep.Subscribe(event, func(data any) {
		select {
		case s.events <- frame{Type: frameEvent, Event: event, Result: data}:
		default:
			s.logger.Warn("websocket event queue full, dropping event",
				zap.String("module", s.module), zap.String("event", event))
		}
	})
	if err != nil {
		s.logger.Warn("remote subscribe failed",
			zap.String("module", s.module), zap.String("event", event), zap.Error(err))
		return
	}
	s.subs[event] = unsub
}

func (s *serverSession) reply(id string, result any, err error) {
	if err != nil {
		f := frame{ID: id, Type: frameError, Error: err.Error()}
		switch {
		case errors.Is(err, ErrModuleNotConnected):
			f.Code = codeNotConnected
		case errors.Is(err, ErrMethodNotFound):
			f.Code = codeMethodNotFound
		}
		s.write(f)
		return
	}
	s.write(frame{ID: id, Type: frameResult, Result: result})
}

func (s *serverSession) write(f frame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(f); err != nil {
		s.logger.Debug("websocket write failed", zap.String("module", s.module), zap.Error(err))
	}
}

// WSTransport connects to modules served by a Server in another process.
type WSTransport struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

// NewWSTransport creates a transport for the server at baseURL
// (e.g. "ws://127.0.0.1:7420/bridge").
func NewWSTransport(baseURL string, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dialer:  websocket.DefaultDialer,
		logger:  logger,
	}
}

// Connect implements Transport.
func (t *WSTransport) Connect(ctx context.Context, module string) (Endpoint, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.baseURL+"/"+module, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
		}
		return nil, err
	}

	ep := &wsEndpoint{
		module:    module,
		conn:      conn,
		pending:   make(map[string]chan frame),
		listeners: make(map[string][]listener),
		done:      make(chan struct{}),
		logger:    t.logger,
	}
	go ep.readLoop()
	return ep, nil
}

// wsEndpoint is the client side of a module websocket.
type wsEndpoint struct {
	module string
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan frame
	listeners map[string][]listener
	nextID    uint64

	done     chan struct{}
	doneOnce sync.Once
}

func (e *wsEndpoint) readLoop() {
	defer e.shutdown()
	for {
		var f frame
		if err := e.conn.ReadJSON(&f); err != nil {
			return
		}

		switch f.Type {
		case frameEvent:
			e.mu.Lock()
			ls := append([]listener(nil), e.listeners[f.Event]...)
			e.mu.Unlock()
			for _, l := range ls {
				l.fn(f.Result)
			}

		case frameResult, frameError:
			e.mu.Lock()
			ch, ok := e.pending[f.ID]
			delete(e.pending, f.ID)
			e.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (e *wsEndpoint) shutdown() {
	e.doneOnce.Do(func() {
		close(e.done)
		_ = e.conn.Close()
	})
}

func (e *wsEndpoint) write(f frame) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.conn.WriteJSON(f)
}

// request sends f and waits for its reply.
func (e *wsEndpoint) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	e.mu.Lock()
	e.pending[f.ID] = ch
	e.mu.Unlock()

	forget := func() {
		e.mu.Lock()
		delete(e.pending, f.ID)
		e.mu.Unlock()
	}

	if err := e.write(f); err != nil {
		forget()
		return frame{}, fmt.Errorf("%w: %s: %v", ErrModuleNotConnected, e.module, err)
	}

	select {
	case reply := <-ch:
		if reply.Type == frameError {
			return frame{}, remoteFrameError(reply)
		}
		return reply, nil
	case <-e.done:
		forget()
		return frame{}, fmt.Errorf("%w: %s", ErrModuleNotConnected, e.module)
	case <-ctx.Done():
		forget()
		return frame{}, ctx.Err()
	}
}

func remoteFrameError(f frame) error {
	switch f.Code {
	case codeNotConnected:
		return fmt.Errorf("%w: %s", ErrModuleNotConnected, f.Error)
	case codeMethodNotFound:
		return fmt.Errorf("%w: %s", ErrMethodNotFound, f.Error)
	default:
		return errors.New(f.Error)
	}
}

// Call implements Endpoint.
func (e *wsEndpoint) Call(ctx context.Context, method string, args []any) (any, error) {
	reply, err := e.request(ctx, frame{Type: frameCall, Method: method, Args: args})
	if err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// Methods implements Endpoint.
func (e *wsEndpoint) Methods(ctx context.Context) ([]sdk.Method, error) {
	reply, err := e.request(ctx, frame{Type: frameMethods})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(reply.Result)
	if err != nil {
		return nil, err
	}
	var methods []sdk.Method
	if err := json.Unmarshal(data, &methods); err != nil {
		return nil, fmt.Errorf("decode methods of %s: %w", e.module, err)
	}
	return methods, nil
}

// Subscribe implements Endpoint.
func (e *wsEndpoint) Subscribe(event string, fn func(any)) (func(), error) {
	select {
	case <-e.done:
		return nil, fmt.Errorf("%w: %s", ErrModuleNotConnected, e.module)
	default:
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	first := len(e.listeners[event]) == 0
	e.listeners[event] = append(e.listeners[event], listener{id: id, fn: fn})
	e.mu.Unlock()

	if first {
		if err := e.write(frame{Type: frameSubscribe, Event: event}); err != nil {
			e.removeListener(event, id)
			return nil, fmt.Errorf("%w: %s: %v", ErrModuleNotConnected, e.module, err)
		}
	}

	return func() {
		if e.removeListener(event, id) {
			_ = e.write(frame{Type: frameUnsubscribe, Event: event})
		}
	}, nil
}

// removeListener drops listener id and reports whether it was the last
// listener of event.
func (e *wsEndpoint) removeListener(event string, id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[event]
	found := false
	for i, l := range ls {
		if l.id == id {
			ls = append(ls[:i:i], ls[i+1:]...)
			found = true
			break
		}
	}
	if len(ls) == 0 {
		delete(e.listeners, event)
	} else {
		e.listeners[event] = ls
	}
	return found && len(ls) == 0
}

// Close drops the connection. Pending requests fail with
// ErrModuleNotConnected.
func (e *wsEndpoint) Close() error {
	e.shutdown()
	return nil
}

// Done implements Endpoint.
func (e *wsEndpoint) Done() <-chan struct{} {
	return e.done
}
