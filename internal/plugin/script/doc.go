// Package script runs script plugins inside a sandbox.
//
// Each plugin gets its own Context: one engine (Lua through gopher-lua for
// ".lua" entries, JavaScript through goja for ".js" entries), one executor
// goroutine that owns the engine, and one immutable Policy.
//
// For the whole lifetime of a Context:
//
//   - require and resource.read resolve only inside the plugin directory and
//     the framework resource roots; anything else fails with
//     ErrResourceDenied, there is no fallback search.
//   - network access is denied; fetch, http.get and the context's HTTP client
//     fail with ErrNetworkDisabled.
//   - every resource URL passes Policy.Intercept, which canonicalizes local
//     paths with filepath.EvalSymlinks before the containment check.
//
// Scripts reach other modules through the logos global:
//
//	local stats = logos.callModule("core_manager", "getModuleStats")
//	local id = logos.on("clock", "tick", function(t) view.props.text = t end)
//	logos.off(id)
//
// The produced widget is the value of the global "view", or the value
// returned by the entry chunk when no such global exists, converted to a
// View tree.
package script
