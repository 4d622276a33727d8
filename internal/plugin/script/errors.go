package script

import "errors"

// Errors returned by the sandbox.
var (
	// ErrNetworkDisabled is returned for every network request.
	ErrNetworkDisabled = errors.New("network access disabled")

	// ErrResourceDenied is returned when a URL falls outside the allowed roots.
	ErrResourceDenied = errors.New("resource access denied")

	// ErrImportNotFound is returned when require finds no matching file.
	ErrImportNotFound = errors.New("import not found")

	// ErrUnsupportedEntry is returned for entry files no engine can run.
	ErrUnsupportedEntry = errors.New("unsupported script entry")

	// ErrNoView is returned when the entry produces nothing to display.
	ErrNoView = errors.New("script produced no view")

	// ErrDisposed is returned when using a disposed context.
	ErrDisposed = errors.New("script context disposed")

	// ErrExecutorClosed is returned when queueing work on a closed executor.
	ErrExecutorClosed = errors.New("script executor is closed")

	// ErrQueueFull is returned when an asynchronous job cannot be queued.
	ErrQueueFull = errors.New("script executor queue full")

	// ErrExecutionTimeout is returned when a script runs past its deadline.
	ErrExecutionTimeout = errors.New("script execution timeout")

	// ErrNoHost is returned when a script calls a module before it has a host.
	ErrNoHost = errors.New("script context has no bridge host")
)

// Error wraps a script failure with the plugin that caused it.
type Error struct {
	Plugin string
	Err    error
}

func (e *Error) Error() string {
	return "script plugin " + e.Plugin + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
