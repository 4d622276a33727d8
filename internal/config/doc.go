// Package config loads the modshell configuration.
//
// Values are layered, later layers overriding earlier ones:
//
//  1. Built-in defaults (Default)
//  2. A TOML or YAML file, chosen by extension
//  3. Environment variables prefixed with MODSHELL_
//
// Environment keys follow the section, for example
// MODSHELL_PATHS_PLUGINS or MODSHELL_BRIDGE_CALL_TIMEOUT. List values are
// comma separated.
//
// Directories left empty are derived from the data directory by Resolve:
//
//	<data>/modules    core modules
//	<data>/plugins    UI plugins
//	<data>/packages   package catalog
//
// The preinstall directory defaults to ../preinstall relative to the
// executable.
//
// # Example
//
//	[paths]
//	portable = true
//	framework = ["/usr/share/modshell/qml"]
//
//	[bridge]
//	call_timeout = "20s"
//
//	[server]
//	addr = "127.0.0.1:7373"
package config
