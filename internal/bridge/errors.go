package bridge

import (
	"errors"
	"fmt"
)

// Bridge errors.
var (
	// ErrModuleNotConnected is returned when invoking on a client whose
	// module is not reachable.
	ErrModuleNotConnected = errors.New("module not connected")

	// ErrTimeout is returned when a call does not complete in time.
	ErrTimeout = errors.New("remote call timed out")

	// ErrTooManyArguments is returned when a call has more than MaxArgs
	// arguments.
	ErrTooManyArguments = errors.New("too many arguments")

	// ErrModuleNotFound is returned by transports that know no such module.
	ErrModuleNotFound = errors.New("module not found")

	// ErrAlreadyRegistered is returned when a module name is taken.
	ErrAlreadyRegistered = errors.New("module already registered")

	// ErrMethodNotFound is returned by modules for unknown methods.
	ErrMethodNotFound = errors.New("method not found")

	// ErrClosed is returned after the API has been closed.
	ErrClosed = errors.New("bridge closed")
)

// RemoteError wraps a failure reported by the called module.
type RemoteError struct {
	Module string
	Method string
	Err    error
}

// Error implements error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Module, e.Method, e.Err)
}

// Unwrap returns the underlying error.
func (e *RemoteError) Unwrap() error {
	return e.Err
}
