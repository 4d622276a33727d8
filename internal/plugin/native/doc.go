// Package native loads UI plugins and core modules built as Go plugins.
//
// A native library exports a well-known symbol: sdk.ComponentSymbol for UI
// plugins and sdk.ModuleSymbol for core modules. The symbol may be the
// interface value itself or a pointer to a variable holding it.
//
// Go plugins cannot be closed once opened. Unloading drops every reference
// the loader holds so a reinstalled library is opened afresh only after a
// restart; the produced component is always destroyed before the reference
// is released.
package native
