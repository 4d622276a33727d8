package native

import "plugin"

// Library is an opened shared library.
type Library interface {
	Lookup(symbol string) (any, error)
}

// Opener opens shared libraries.
type Opener interface {
	Open(path string) (Library, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Library, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Library, error) {
	return f(path)
}

// GoPluginOpener opens libraries with the standard plugin package. It only
// works where the Go toolchain supports plugins (linux, darwin, freebsd with
// cgo); elsewhere every Open fails.
type GoPluginOpener struct{}

// Open implements Opener.
func (GoPluginOpener) Open(path string) (Library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return goLibrary{p}, nil
}

type goLibrary struct {
	p *plugin.Plugin
}

func (l goLibrary) Lookup(symbol string) (any, error) {
	return l.p.Lookup(symbol)
}
