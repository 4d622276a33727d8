package installer

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/dshills/modshell/internal/plugin"
)

// Pack writes a package to w. manifest is stored as manifest.json after
// validation; variants maps platform keys to the directories holding each
// variant's files. Entries are written in sorted order.
func Pack(ctx context.Context, w io.Writer, manifest []byte, variants map[string]string, compression Compression) error {
	if _, err := plugin.ParseManifest(manifest, ""); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if len(variants) == 0 {
		return fmt.Errorf("%w: no variants", ErrInvalidArchive)
	}

	out, finish, err := compressor(w, compression)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(out)
	now := time.Now()
	if err := tw.WriteHeader(&tar.Header{
		Name:     ManifestEntry,
		Mode:     0644,
		Size:     int64(len(manifest)),
		ModTime:  now,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	if _, err := tw.Write(manifest); err != nil {
		return err
	}

	keys := make([]string, 0, len(variants))
	for key := range variants {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		prefix := path.Join(VariantsDir, CanonicalPlatform(key))
		if err := packDir(ctx, tw, variants[key], prefix); err != nil {
			return fmt.Errorf("variant %s: %w", key, err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return finish()
}

// PackFile writes a package to the file at dest.
func PackFile(ctx context.Context, dest string, manifest []byte, variants map[string]string, compression Compression) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if err := Pack(ctx, f, manifest, variants, compression); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return err
	}
	return f.Close()
}

func compressor(w io.Writer, c Compression) (io.Writer, func() error, error) {
	switch c {
	case CompressionGzip, "":
		gz := gzip.NewWriter(w)
		return gz, gz.Close, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, err
		}
		return zw, zw.Close, nil
	case CompressionNone:
		return w, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown compression %q", c)
	}
}

// packDir adds the regular files under dir beneath prefix.
func packDir(ctx context.Context, tw *tar.Writer, dir, prefix string) error {
	var mu sync.Mutex
	var files []string

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type().IsRegular() {
			mu.Lock()
			files = append(files, p)
			mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%s has no files", dir)
	}
	sort.Strings(files)

	for _, p := range files {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if err := addFile(tw, p, path.Join(prefix, filepath.ToSlash(rel))); err != nil {
			return err
		}
	}
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
