package shell

// EventType identifies a lifecycle notification.
type EventType int

const (
	// EventLoaded follows the creation of a plugin widget.
	EventLoaded EventType = iota
	// EventActivate is sent when a loaded plugin is requested again.
	EventActivate
	// EventDetach precedes the destruction of a widget.
	EventDetach
	// EventUnloaded follows the teardown of a plugin.
	EventUnloaded
	// EventFailed reports a failed load.
	EventFailed
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventActivate:
		return "activate"
	case EventDetach:
		return "detach"
	case EventUnloaded:
		return "unloaded"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers.
type Event struct {
	Type   EventType
	Name   string
	Plugin *LoadedPlugin // nil for EventFailed
	Err    error         // set for EventFailed
}

// EventHandler receives lifecycle events. Handlers run on the goroutine
// that caused the event and must not call back into the manager for the
// same plugin.
type EventHandler func(Event)
