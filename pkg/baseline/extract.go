package baseline

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for archive entries that would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes extraction directory")

// extractZip unpacks src into dest and returns the directory holding the
// tree: the single top-level directory when the archive has exactly one,
// otherwise dest itself.
func extractZip(src, dest string) (string, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	roots := make(map[string]struct{})
	for _, f := range r.File {
		name := filepath.FromSlash(f.Name)
		target := filepath.Join(dest, name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return "", fmt.Errorf("%w: %s", ErrUnsafePath, f.Name)
		}

		first := strings.SplitN(strings.TrimPrefix(f.Name, "/"), "/", 2)
		if first[0] != "" {
			if len(first) == 2 || f.FileInfo().IsDir() {
				roots[first[0]] = struct{}{}
			} else {
				roots[""] = struct{}{}
			}
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
			continue
		}

		if err := extractFile(f, target); err != nil {
			return "", err
		}
	}

	if len(roots) == 1 {
		for root := range roots {
			if root != "" {
				return filepath.Join(dest, root), nil
			}
		}
	}
	return dest, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}
