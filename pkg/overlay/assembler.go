// Package overlay assembles the output tree from a patched baseline and
// project-owned files and directories.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hubpack/hubpack/pkg/fsutil"
)

const (
	stagedSuffix = ".hubpack-new"
	asideSuffix  = ".hubpack-old"
)

var (
	// ErrOutputExists is returned when the output root is already present.
	ErrOutputExists = errors.New("output root already exists")

	// ErrInvalidOverlay is returned for overlay paths that are absolute,
	// escape the project root, or have the wrong kind.
	ErrInvalidOverlay = errors.New("invalid overlay path")
)

// Spec lists what is layered over the patched baseline. Files are applied
// before Dirs, then Mounts, each in declared order.
type Spec struct {
	Files   []string
	Dirs    []string
	Exclude []string

	// Mounts place directories from outside the project root.
	Mounts []Mount
}

// Mount replaces Target in the output tree with the directory at Source.
type Mount struct {
	Source string
	Target string
}

// Result describes an assembled output tree.
type Result struct {
	Root     string
	Overlaid []string
	Excluded int
}

// Assembler builds output trees from a patched baseline and project overlays.
type Assembler struct {
	logger zerolog.Logger
}

// NewAssembler creates an assembler.
func NewAssembler(logger zerolog.Logger) *Assembler {
	return &Assembler{logger: logger.With().Str("component", "overlay").Logger()}
}

// Assemble copies patchedRoot into outRoot, which must not exist, leaving
// out excluded entries, then replaces each overlay entry wholesale with
// the version found under projectRoot. On error outRoot is removed.
func (a *Assembler) Assemble(ctx context.Context, patchedRoot, projectRoot, outRoot string, spec Spec) (res *Result, err error) {
	matcher, err := NewMatcher(spec.Exclude)
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Lstat(outRoot); statErr == nil {
		return nil, fmt.Errorf("%w: %s", ErrOutputExists, outRoot)
	}
	if err := os.MkdirAll(filepath.Dir(outRoot), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output parent: %w", err)
	}

	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(outRoot); rmErr != nil {
				a.logger.Error().Err(rmErr).Str("root", outRoot).Msg("Failed to remove partial output")
			}
		}
	}()

	res = &Result{Root: outRoot}
	err = fsutil.CopyDir(patchedRoot, outRoot, func(rel string, _ os.DirEntry) bool {
		if matcher.Match(rel) {
			res.Excluded++
			return true
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to copy patched baseline: %w", err)
	}

	entries := make([]entry, 0, len(spec.Files)+len(spec.Dirs)+len(spec.Mounts))
	for _, f := range spec.Files {
		entries = append(entries, entry{rel: f})
	}
	for _, d := range spec.Dirs {
		entries = append(entries, entry{rel: d, dir: true})
	}
	for _, m := range spec.Mounts {
		if m.Source == "" {
			return nil, fmt.Errorf("%w: mount for %q has no source", ErrInvalidOverlay, m.Target)
		}
		entries = append(entries, entry{rel: m.Target, dir: true, src: m.Source})
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := cleanRel(e.rel)
		if err != nil {
			return nil, err
		}
		src := e.src
		if src == "" {
			src = filepath.Join(projectRoot, filepath.FromSlash(rel))
		}
		if err := a.replace(src, outRoot, rel, e.dir, matcher); err != nil {
			return nil, err
		}
		res.Overlaid = append(res.Overlaid, rel)
		a.logger.Debug().Str("path", rel).Bool("dir", e.dir).Msg("Overlay applied")
	}

	a.logger.Info().
		Str("root", outRoot).
		Int("overlays", len(res.Overlaid)).
		Int("excluded", res.Excluded).
		Msg("Output tree assembled")
	return res, nil
}

type entry struct {
	rel string
	dir bool
	src string
}

// cleanRel normalizes an overlay path and rejects anything outside the root.
func cleanRel(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) || path.IsAbs(filepath.ToSlash(p)) {
		return "", fmt.Errorf("%w: %q must be relative", ErrInvalidOverlay, p)
	}
	rel := path.Clean(filepath.ToSlash(p))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %q leaves the project root", ErrInvalidOverlay, p)
	}
	return rel, nil
}

// replace swaps the entry at rel in outRoot for the one at src. The new
// content is staged next to the target first; the old entry is moved aside
// and only removed once the staged entry is in place.
func (a *Assembler) replace(src, outRoot, rel string, dir bool, matcher *Matcher) error {
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("overlay source %s does not exist", rel)
	}
	if err != nil {
		return fmt.Errorf("failed to stat overlay %s: %w", rel, err)
	}
	if info.IsDir() != dir {
		kind := "file"
		if dir {
			kind = "directory"
		}
		return fmt.Errorf("%w: %s is not a %s", ErrInvalidOverlay, rel, kind)
	}

	target := filepath.Join(outRoot, filepath.FromSlash(rel))
	staged := target + stagedSuffix
	aside := target + asideSuffix

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", rel, err)
	}
	if err := os.RemoveAll(staged); err != nil {
		return err
	}

	err = fsutil.Copy(src, staged, func(sub string, _ os.DirEntry) bool {
		return matcher.Match(rel + "/" + sub)
	})
	if err != nil {
		_ = os.RemoveAll(staged)
		return fmt.Errorf("failed to stage overlay %s: %w", rel, err)
	}

	hadOld := false
	if _, err := os.Lstat(target); err == nil {
		if err := os.Rename(target, aside); err != nil {
			_ = os.RemoveAll(staged)
			return fmt.Errorf("failed to move %s aside: %w", rel, err)
		}
		hadOld = true
	}

	if err := os.Rename(staged, target); err != nil {
		_ = os.RemoveAll(staged)
		if hadOld {
			if rerr := os.Rename(aside, target); rerr != nil {
				a.logger.Error().Err(rerr).Str("path", rel).Msg("Failed to restore original entry")
			}
		}
		return fmt.Errorf("failed to install overlay %s: %w", rel, err)
	}

	if hadOld {
		if err := os.RemoveAll(aside); err != nil {
			return fmt.Errorf("failed to remove replaced %s: %w", rel, err)
		}
	}
	return nil
}
