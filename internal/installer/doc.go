// Package installer installs versioned plugin packages.
//
// A package is a tar stream, compressed with gzip or zstd, holding the
// package manifest and one directory of files per supported platform:
//
//	manifest.json
//	variants/linux-x86_64/calc.so
//	variants/darwin-arm64/calc.dylib
//
// Install extracts the running platform's variant into a temporary staging
// directory and only then moves it into the target root. Core modules are
// installed flat into the modules root with a <name>.json sidecar; UI
// plugins get their own <name>/ directory. Replaced files are restored if
// any step of the final move fails.
//
// Install never follows dependencies. Callers that want them use a Catalog
// with InstallWithDependencies.
package installer
