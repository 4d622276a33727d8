package script

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/dshills/modshell/internal/plugin"
)

// Policy is the resource policy of one script context. It is computed once
// and never changes afterward.
type Policy struct {
	base      string
	roots     []string
	resources []string
}

// NewPolicy creates a policy rooted at pluginDir that also allows the given
// framework resource roots. Roots are canonicalized; roots that do not exist
// or canonicalize to an empty path are dropped.
func NewPolicy(pluginDir string, frameworkRoots ...string) (*Policy, error) {
	base, err := canonical(pluginDir)
	if err != nil {
		return nil, fmt.Errorf("plugin directory %s: %w", pluginDir, err)
	}

	p := &Policy{base: base, roots: []string{base}}
	seen := map[string]bool{base: true}
	for _, root := range frameworkRoots {
		c, err := canonical(root)
		if err != nil {
			continue
		}
		p.resources = append(p.resources, c)
		if !seen[c] {
			seen[c] = true
			p.roots = append(p.roots, c)
		}
	}
	return p, nil
}

// Base returns the canonical plugin directory.
func (p *Policy) Base() string { return p.base }

// Roots returns a copy of the allowed roots, plugin directory first.
func (p *Policy) Roots() []string {
	return append([]string(nil), p.roots...)
}

// Intercept decides whether a resource request may proceed. The private
// res: scheme is allowed; any other non-local scheme is rejected. Local
// paths, relative ones resolved against the plugin directory, are allowed
// only when their canonical form equals or is nested under an allowed root.
func (p *Policy) Intercept(rawURL string) error {
	if isResourceURL(rawURL) {
		return nil
	}
	_, err := p.local(rawURL)
	return err
}

// Resolve intercepts rawURL and maps it to a readable canonical path.
// res: URLs are looked up in the framework roots in order.
func (p *Policy) Resolve(rawURL string) (string, error) {
	if isResourceURL(rawURL) {
		return p.resource(rawURL)
	}
	return p.local(rawURL)
}

func (p *Policy) local(rawURL string) (string, error) {
	path, err := localPath(rawURL)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.base, path)
	}
	c, err := canonical(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrResourceDenied, rawURL, err)
	}
	for _, root := range p.roots {
		if within(root, c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %s is outside the allowed roots", ErrResourceDenied, rawURL)
}

func (p *Policy) resource(rawURL string) (string, error) {
	rel := strings.TrimLeft(strings.TrimPrefix(rawURL, plugin.ResourceScheme), "/")
	if rel == "" {
		return "", fmt.Errorf("%w: %s", ErrResourceDenied, rawURL)
	}
	for _, root := range p.resources {
		c, err := canonical(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		if within(root, c) {
			return c, nil
		}
		return "", fmt.Errorf("%w: %s escapes its resource root", ErrResourceDenied, rawURL)
	}
	return "", fmt.Errorf("%w: %s", ErrImportNotFound, rawURL)
}

func isResourceURL(rawURL string) bool {
	return strings.HasPrefix(rawURL, plugin.ResourceScheme)
}

// localPath extracts the filesystem path from a plain path or file: URL.
func localPath(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("%w: empty url", ErrResourceDenied)
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || isDriveLetter(u.Scheme) {
		return rawURL, nil
	}
	if !strings.EqualFold(u.Scheme, "file") {
		return "", fmt.Errorf("%w: scheme %q", ErrResourceDenied, u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("%w: remote file host %q", ErrResourceDenied, u.Host)
	}
	if u.Path == "" {
		return "", fmt.Errorf("%w: empty path in %s", ErrResourceDenied, rawURL)
	}
	return filepath.FromSlash(u.Path), nil
}

func isDriveLetter(scheme string) bool {
	return len(scheme) == 1 && filepath.VolumeName(scheme+":") != ""
}

// canonical resolves symlinks and returns an absolute clean path. An empty
// result counts as a failure.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	c, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	if c == "" {
		return "", fmt.Errorf("empty canonical path for %s", path)
	}
	return c, nil
}

// within reports whether path equals root or is nested under it.
func within(root, path string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
