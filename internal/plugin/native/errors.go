package native

import (
	"errors"
	"fmt"
)

// Load failures.
var (
	// ErrLoad is returned when the shared library cannot be opened.
	ErrLoad = errors.New("cannot open library")

	// ErrInterface is returned when the library does not export the
	// extension point.
	ErrInterface = errors.New("library does not implement the extension point")

	// ErrInstantiation is returned when the factory produces no component.
	ErrInstantiation = errors.New("plugin produced no component")
)

// Error describes a failed load of one plugin.
type Error struct {
	Plugin string
	Path   string
	Kind   error // ErrLoad, ErrInterface or ErrInstantiation
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("plugin %q (%s): %v", e.Plugin, e.Path, e.Kind)
	}
	return fmt.Sprintf("plugin %q (%s): %v: %v", e.Plugin, e.Path, e.Kind, e.Err)
}

// Unwrap returns the failure kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
