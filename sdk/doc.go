// Package sdk defines the contracts shared between the modshell runtime and
// the plugins and modules it loads.
//
// A UI plugin built as a Go plugin exports a variable named Component that
// implements Component:
//
//	var Component sdk.Component = &myComponent{}
//
// A core module exports a variable named Module that implements Module. Both
// may also be exported as values of the interface type directly; the loader
// accepts either form.
//
// Plugins never import the runtime. Everything they need from the host is
// reachable through the Host handed to CreateWidget or to Starter.Start.
package sdk
