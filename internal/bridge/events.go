package bridge

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// topic identifies an event stream.
type topic struct {
	module string
	event  string
}

type delivery struct {
	topic topic
	data  any
}

// Subscription is a registered event listener. It implements
// sdk.Subscription.
type Subscription struct {
	id    string
	topic topic
	fn    func(any)
	hub   *hub
	once  sync.Once
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string {
	return s.id
}

// Module returns the module the subscription listens to.
func (s *Subscription) Module() string {
	return s.topic.module
}

// Event returns the event name.
func (s *Subscription) Event() string {
	return s.topic.event
}

// Unsubscribe removes the listener. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// hub is the publish/subscribe registry keyed by (module, event).
type hub struct {
	mu     sync.RWMutex
	subs   map[topic][]*Subscription
	remote map[topic]func()

	queue  chan delivery
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool

	logger  *zap.Logger
	metrics *Metrics
}

func newHub(buffer int, logger *zap.Logger, metrics *Metrics) *hub {
	h := &hub{
		subs:    make(map[topic][]*Subscription),
		remote:  make(map[topic]func()),
		queue:   make(chan delivery, buffer),
		done:    make(chan struct{}),
		logger:  logger,
		metrics: metrics,
	}
	h.wg.Add(1)
	go h.dispatch()
	return h
}

// add registers fn and reports whether it is the first listener of t.
func (h *hub) add(t topic, fn func(any)) (*Subscription, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscription{
		id:    uuid.NewString(),
		topic: t,
		fn:    fn,
		hub:   h,
	}
	first := len(h.subs[t]) == 0
	h.subs[t] = append(h.subs[t], sub)
	return sub, first
}

// remove drops sub and cancels the remote subscription when it was the
// last listener of its topic.
func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	subs := h.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}

	var cancel func()
	if len(subs) == 0 {
		delete(h.subs, sub.topic)
		cancel = h.remote[sub.topic]
		delete(h.remote, sub.topic)
	} else {
		h.subs[sub.topic] = subs
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// setRemote records the endpoint cancel func for t, replacing any previous.
func (h *hub) setRemote(t topic, cancel func()) {
	h.mu.Lock()
	prev := h.remote[t]
	if len(h.subs[t]) == 0 {
		// Every listener left while the remote subscribe was in flight.
		h.mu.Unlock()
		cancel()
		return
	}
	h.remote[t] = cancel
	h.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// topicsFor returns the event names with listeners on module.
func (h *hub) topicsFor(module string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var events []string
	for t := range h.subs {
		if t.module == module {
			events = append(events, t.event)
		}
	}
	return events
}

// count returns the number of listeners on t.
func (h *hub) count(t topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[t])
}

// publish queues an event for delivery. It never blocks; a full queue
// drops the event.
func (h *hub) publish(t topic, data any) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return
	}

	select {
	case h.queue <- delivery{topic: t, data: data}:
	default:
		h.metrics.eventsDropped.Inc()
		h.logger.Warn("event queue full, dropping event",
			zap.String("module", t.module), zap.String("event", t.event))
	}
}

func (h *hub) dispatch() {
	defer h.wg.Done()
	for {
		select {
		case d := <-h.queue:
			h.fanOut(d)
		case <-h.done:
			for {
				select {
				case d := <-h.queue:
					h.fanOut(d)
				default:
					return
				}
			}
		}
	}
}

// fanOut delivers d to the topic's listeners in subscription order.
func (h *hub) fanOut(d delivery) {
	h.mu.RLock()
	subs := append([]*Subscription(nil), h.subs[d.topic]...)
	h.mu.RUnlock()

	for _, sub := range subs {
		h.deliver(sub, d)
	}
	h.metrics.eventsDelivered.WithLabelValues(d.topic.module).Add(float64(len(subs)))
}

func (h *hub) deliver(sub *Subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event listener panicked",
				zap.String("module", d.topic.module),
				zap.String("event", d.topic.event),
				zap.Any("panic", r))
		}
	}()
	sub.fn(d.data)
}

func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	remote := h.remote
	h.remote = make(map[topic]func())
	h.mu.Unlock()

	for _, cancel := range remote {
		cancel()
	}
	close(h.done)
	h.wg.Wait()
}
