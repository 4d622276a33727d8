package core

import "errors"

// Runtime errors.
var (
	// ErrDependencyCycle is returned when module dependencies form a cycle.
	ErrDependencyCycle = errors.New("module dependency cycle")

	// ErrBuiltin is returned when unloading a built-in module.
	ErrBuiltin = errors.New("built-in module cannot be unloaded")

	// ErrNotNative is returned for core modules that are not native
	// libraries.
	ErrNotNative = errors.New("core module must be a native library")

	// ErrInvalidArgument is returned by built-in modules for bad call
	// arguments.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed is returned after the runtime has been closed.
	ErrClosed = errors.New("runtime closed")
)
