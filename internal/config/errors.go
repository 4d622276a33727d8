package config

import (
	"errors"
	"fmt"
)

var (
	// ErrFileNotFound indicates the configuration file doesn't exist.
	ErrFileNotFound = errors.New("config file not found")

	// ErrUnsupportedFormat is returned for files that are neither TOML nor
	// YAML.
	ErrUnsupportedFormat = errors.New("unsupported config format")

	// ErrInvalid wraps every validation and environment error.
	ErrInvalid = errors.New("invalid configuration")
)

// ParseError represents an error while parsing a configuration file.
type ParseError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}
