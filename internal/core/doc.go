// Package core is the module runtime: it owns the set of loaded core
// modules, exposes them to the rest of the process through the local bridge
// transport and reports their resource usage.
//
// Each module name moves through the states
//
//	unknown -> loading -> active -> unloading -> unknown
//
// LoadPlugin loads declared dependencies first and fails without side
// effects when any of them fails. Loading an active module is a no-op.
// UnloadPlugin withdraws the module's bridge endpoint before stopping it, so
// no new call can reach a module that is shutting down.
//
// Two built-in modules are registered by the application: core_manager,
// which exposes the runtime itself over the bridge, and package_manager,
// which installs packages.
//
// Usage statistics are best effort. Modules that implement
// sdk.StatsReporter report CPU and memory; the rest read as zero, which
// callers treat as unknown.
package core
