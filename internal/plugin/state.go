package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateUnknown - Plugin is not loaded.
	StateUnknown State = iota

	// StateLoading - Dependencies and plugin body are being loaded.
	StateLoading

	// StateActive - Plugin produced its widget and is usable.
	StateActive

	// StateUnloading - Widget is being detached and destroyed.
	StateUnloading
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateUnloading:
		return "unloading"
	default:
		return "invalid"
	}
}

// InTransition returns true while the plugin is loading or unloading.
func (s State) InTransition() bool {
	return s == StateLoading || s == StateUnloading
}
