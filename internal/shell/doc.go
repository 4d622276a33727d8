// Package shell manages the UI plugins shown by the desktop shell.
//
// A Manager routes each plugin by the kind its manifest declares: native
// plugins are opened by native.Loader, script plugins run in a
// script.Sandbox context. Either way the plugin receives the process bridge
// as its sdk.Host and yields an opaque widget.
//
// Dependencies a UI plugin declares are core modules. They are loaded
// through the core_manager module over the bridge before the plugin is
// created, and a failed dependency leaves nothing behind.
//
// Subscribers observe the plugin lifecycle. EventDetach is delivered
// synchronously before a widget is destroyed so the shell can take the
// widget out of its layout first.
package shell
