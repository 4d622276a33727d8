package installer

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/dshills/modshell/internal/plugin"
)

// Layout names inside a package.
const (
	PackageExt      = ".lgx"
	ManifestEntry   = "manifest.json"
	VariantsDir     = "variants"
	maxManifestSize = 1 << 20
)

// Compression identifies the compression of a package stream.
type Compression string

// Supported compressions.
const (
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionNone Compression = "none"
)

// Archive is an opened package. It holds the parsed manifest and the list of
// platform variants; file contents are read again on Extract.
type Archive struct {
	path        string
	compression Compression
	rawManifest []byte
	manifest    *plugin.Manifest
	platforms   []string
}

// Open reads the package at path and indexes its manifest and variants.
func Open(path string) (*Archive, error) {
	a := &Archive{path: path}
	variants := make(map[string]bool)

	err := a.walk(func(name string, hdr *tar.Header, r io.Reader) error {
		switch {
		case name == ManifestEntry:
			data, err := io.ReadAll(io.LimitReader(r, maxManifestSize+1))
			if err != nil {
				return err
			}
			if len(data) > maxManifestSize {
				return fmt.Errorf("manifest larger than %d bytes", maxManifestSize)
			}
			a.rawManifest = data
		case strings.HasPrefix(name, VariantsDir+"/"):
			key, _, _ := strings.Cut(strings.TrimPrefix(name, VariantsDir+"/"), "/")
			if key != "" {
				variants[key] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if a.rawManifest == nil {
		return nil, fmt.Errorf("%w: %s has no %s", ErrInvalidArchive, path, ManifestEntry)
	}
	m, err := plugin.ParseManifest(a.rawManifest, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArchive, path, err)
	}
	a.manifest = m

	for key := range variants {
		a.platforms = append(a.platforms, key)
	}
	sort.Strings(a.platforms)
	return a, nil
}

// Path returns the package file path.
func (a *Archive) Path() string { return a.path }

// Compression returns the detected stream compression.
func (a *Archive) Compression() Compression { return a.compression }

// Manifest returns a copy of the package manifest.
func (a *Archive) Manifest() *plugin.Manifest { return a.manifest.Clone() }

// RawManifest returns the manifest bytes as stored in the package.
func (a *Archive) RawManifest() []byte { return append([]byte(nil), a.rawManifest...) }

// Platforms returns the variant keys present in the package, sorted.
func (a *Archive) Platforms() []string { return append([]string(nil), a.platforms...) }

// HasVariant reports whether the package carries files for key. Architecture
// aliases such as amd64 and x86_64 match each other.
func (a *Archive) HasVariant(key string) bool {
	_, ok := a.variant(key)
	return ok
}

func (a *Archive) variant(key string) (string, bool) {
	for _, p := range a.platforms {
		if samePlatform(p, key) {
			return p, true
		}
	}
	return "", false
}

// Extract writes the files of the variant for key into dest. Entries that
// would land outside dest, links and special files fail the extraction.
func (a *Archive) Extract(ctx context.Context, key, dest string) error {
	variant, ok := a.variant(key)
	if !ok {
		return fmt.Errorf("%w: %s (have %s)", ErrVariantMissing, key, strings.Join(a.platforms, ", "))
	}
	prefix := VariantsDir + "/" + variant + "/"

	root, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	files := 0
	err = a.walk(func(name string, hdr *tar.Header, r io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		rel := strings.TrimPrefix(name, prefix)
		if rel == "" {
			return nil
		}

		target := filepath.Join(root, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("%w: entry %q escapes the staging directory", ErrExtractionFailed, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			return os.MkdirAll(target, 0755)
		case tar.TypeReg:
			files++
			return writeEntry(target, r, hdr.FileInfo().Mode().Perm())
		default:
			return fmt.Errorf("%w: entry %q has unsupported type %q", ErrExtractionFailed, hdr.Name, hdr.Typeflag)
		}
	})
	if err != nil {
		if errors.Is(err, ErrExtractionFailed) || errors.Is(err, ErrInvalidArchive) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if files == 0 {
		return fmt.Errorf("%w: variant %s is empty", ErrVariantMissing, variant)
	}
	return nil
}

func writeEntry(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// walk streams every tar entry through fn with a cleaned slash name.
// Names that climb above the archive root fail the walk.
func (a *Archive) walk(fn func(name string, hdr *tar.Header, r io.Reader) error) error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer f.Close()

	stream, compression, err := decompress(f)
	if err != nil {
		return err
	}
	defer stream.Close()
	a.compression = compression

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		// Insecure names are reported with their header; escapes decides.
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %s: %v", ErrInvalidArchive, a.path, err)
		}

		if escapes(hdr.Name) {
			return fmt.Errorf("%w: entry %q escapes the package root", ErrExtractionFailed, hdr.Name)
		}
		name := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(hdr.Name)), "/")
		if name == "" {
			continue
		}
		if err := fn(name, hdr, tr); err != nil {
			return err
		}
	}
}

// escapes reports whether a tar entry name is absolute or climbs out with
// "..".
func escapes(name string) bool {
	name = filepath.ToSlash(name)
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return true
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

type readCloser struct {
	io.Reader
	close func()
}

func (r readCloser) Close() error {
	r.close()
	return nil
}

// decompress sniffs the stream content and wraps f in the matching decoder.
func decompress(f *os.File) (io.ReadCloser, Compression, error) {
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	switch {
	case mt.Is("application/gzip"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		return gz, CompressionGzip, nil
	case mt.Is("application/zstd"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		return readCloser{Reader: zr, close: zr.Close}, CompressionZstd, nil
	case mt.Is("application/x-tar"):
		return io.NopCloser(f), CompressionNone, nil
	default:
		return nil, "", fmt.Errorf("%w: unsupported content type %s", ErrInvalidArchive, mt.String())
	}
}
