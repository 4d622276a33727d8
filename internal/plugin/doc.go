// Package plugin discovers plugins and modules on disk and describes them.
//
// A Store scans one or more roots and caches a Manifest per name. The first
// root that declares a name wins, so bundled roots listed before the user
// root cannot be shadowed by a later install.
//
// # Layout
//
// Directory plugins carry a manifest next to their entry point:
//
//	plugins/notes/
//	├── manifest.json    # or metadata.json
//	├── Main.lua         # script entry (pluginType "qml" or "script")
//	└── icons/notes.svg
//
// Native plugins may also be a bare shared library in the root, optionally
// with a sidecar manifest named after the library:
//
//	modules/wallet.so
//	modules/wallet.json
//
// # Manifest
//
//	{
//	  "name": "notes",
//	  "version": "1.0.0",
//	  "type": "ui",
//	  "pluginType": "qml",
//	  "main": "Main.lua",
//	  "dependencies": ["storage"],
//	  "icon": "icons/notes.svg"
//	}
//
// pluginType selects the loader (see Kind). type "core" marks a module that
// the module runtime hosts instead of the UI shell; stores can exclude
// either side with WithExcludedTypes.
//
// # Watching
//
// A Watcher observes the store roots with fsnotify and refreshes the store
// after a debounce, so freshly installed packages become visible without a
// restart.
package plugin
