package plugin

import "errors"

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when no scanned root declares the plugin.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrManifestUnreadable is reported when a manifest exists but cannot be
	// read or parsed. The plugin is skipped.
	ErrManifestUnreadable = errors.New("manifest unreadable")

	// ErrUnknownKind is reported when a manifest names a plugin type the
	// runtime cannot route. The plugin is skipped.
	ErrUnknownKind = errors.New("unknown plugin kind")

	// ErrNilManifest is returned when a nil manifest is provided.
	ErrNilManifest = errors.New("manifest is nil")

	// ErrNotLoaded is returned when attempting to use an unloaded plugin.
	ErrNotLoaded = errors.New("plugin is not loaded")

	// ErrBusy is returned when a plugin is in the middle of a transition.
	ErrBusy = errors.New("plugin is loading or unloading")

	// ErrDependencyFailed is returned when a declared dependency could not
	// be loaded.
	ErrDependencyFailed = errors.New("plugin dependency failed to load")

	// ErrNoLoader is returned when no loader is configured for a plugin kind.
	ErrNoLoader = errors.New("no loader for plugin kind")
)
