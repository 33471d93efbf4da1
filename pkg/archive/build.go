// Package archive builds the release zip, checks its structure and computes
// the checksum written into the package index.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// epoch is the modification time stamped on every entry so that identical
// trees produce identical archives.
var epoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Build zips srcRoot into dest with every entry under rootName/. Entries
// are sorted, directories included and timestamps fixed. The archive is
// written to a temporary sibling and renamed into place.
//
// Only directories and regular files are archived. Symlinks and other
// special files are left out and returned, relative to srcRoot, so the
// caller can report them.
func Build(srcRoot, rootName, dest string) (skipped []string, err error) {
	if rootName == "" || strings.ContainsAny(rootName, `/\`) {
		return nil, fmt.Errorf("invalid archive root name %q", rootName)
	}

	var paths []string
	err = filepath.WalkDir(srcRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == srcRoot {
			return nil
		}
		if d.IsDir() || d.Type().IsRegular() {
			paths = append(paths, p)
			return nil
		}
		rel, err := filepath.Rel(srcRoot, p)
		if err != nil {
			return err
		}
		skipped = append(skipped, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", srcRoot, err)
	}
	sort.Strings(paths)
	sort.Strings(skipped)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	zw := zip.NewWriter(tmp)
	if err := writeEntry(zw, rootName+"/", nil, 0o755|fs.ModeDir); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	for _, p := range paths {
		rel, err := filepath.Rel(srcRoot, p)
		if err != nil {
			_ = tmp.Close()
			return nil, err
		}
		name := path.Join(rootName, filepath.ToSlash(rel))
		if err := addPath(zw, p, name); err != nil {
			_ = tmp.Close()
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return nil, fmt.Errorf("failed to move archive into place: %w", err)
	}
	return skipped, nil
}

func addPath(zw *zip.Writer, p, name string) error {
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return writeEntry(zw, name+"/", nil, info.Mode())
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeEntry(zw, name, f, info.Mode())
}

func writeEntry(zw *zip.Writer, name string, r io.Reader, mode fs.FileMode) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Modified: epoch,
	}
	hdr.SetMode(mode)
	if r != nil {
		hdr.Method = zip.Deflate
	}

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if r == nil {
		return nil
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// Entries lists the entry names of the zip at path in archive order.
func Entries(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names, nil
}
