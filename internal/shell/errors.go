package shell

import "errors"

var (
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("shell manager is closed")

	// ErrNoSandbox is returned when a script plugin is loaded by a manager
	// without a sandbox.
	ErrNoSandbox = errors.New("no script sandbox configured")
)
