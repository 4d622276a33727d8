package sdk

import "context"

// Well-known symbols resolved from native libraries.
const (
	ComponentSymbol = "Component"
	ModuleSymbol    = "Module"
)

// Host is the bridge a plugin uses to reach loaded modules.
// Each plugin instance receives exactly one Host at construction.
type Host interface {
	// Call invokes method on module and blocks until it answers or the
	// host's call timeout elapses.
	Call(ctx context.Context, module, method string, args ...any) (any, error)

	// Subscribe registers fn for event emitted by module. Delivery is
	// asynchronous.
	Subscribe(module, event string, fn func(data any)) (Subscription, error)
}

// Subscription is a cancellation token returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Widget is an opaque handle to a plugin's visual component.
type Widget any

// Component is the extension point every UI plugin exposes.
type Component interface {
	CreateWidget(host Host) (Widget, error)
	DestroyWidget(w Widget)
}

// Method describes one callable method of a module.
type Method struct {
	Name    string   `json:"name"`
	Params  []string `json:"params,omitempty"`
	Returns string   `json:"returns,omitempty"`
}

// Module is the extension point every core module exposes.
type Module interface {
	Methods() []Method
	Call(ctx context.Context, method string, args []any) (any, error)
}

// Emitter publishes named events on behalf of a module.
type Emitter interface {
	Emit(event string, data any)
}

// Starter is implemented by modules that need setup once they are loaded.
type Starter interface {
	Start(emit Emitter, host Host) error
}

// Stopper is implemented by modules that release resources on unload.
type Stopper interface {
	Stop() error
}

// Stats is a point-in-time resource usage sample. Zero means unknown.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// StatsReporter is implemented by modules that can report their usage.
type StatsReporter interface {
	Stats() Stats
}
