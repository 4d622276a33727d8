package installer

import (
	"errors"
	"fmt"
)

// Errors returned by the installer.
var (
	// ErrInvalidArchive is returned for unreadable or malformed packages.
	ErrInvalidArchive = errors.New("invalid package archive")

	// ErrVariantMissing is returned when the package has no files for the
	// running platform.
	ErrVariantMissing = errors.New("no package variant for this platform")

	// ErrExtractionFailed is returned when the variant cannot be staged.
	ErrExtractionFailed = errors.New("package extraction failed")

	// ErrCopyFailed is returned when staged files cannot be moved into place.
	ErrCopyFailed = errors.New("package copy failed")

	// ErrPackageNotFound is returned when a catalog has no package by a name.
	ErrPackageNotFound = errors.New("package not found")

	// ErrDependencyCycle is returned when package dependencies form a cycle.
	ErrDependencyCycle = errors.New("package dependency cycle")
)

// Error describes a failed installation step.
type Error struct {
	Package string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Package == "" {
		return fmt.Sprintf("install: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("install %s: %s: %v", e.Package, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
