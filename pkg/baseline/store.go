package baseline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hubpack/hubpack/pkg/fsutil"
	"github.com/rs/zerolog"
)

// MarkerFile records the version a persistent snapshot was extracted from.
const MarkerFile = ".hubpack-baseline"

// ErrVersionMismatch is returned when a snapshot on disk was extracted from
// a different baseline version.
var ErrVersionMismatch = errors.New("baseline version mismatch")

// Store fetches and extracts pinned upstream snapshots.
type Store struct {
	fetcher Fetcher
	logger  zerolog.Logger
}

// NewStore creates a store. A nil fetcher selects one per location.
func NewStore(fetcher Fetcher, logger zerolog.Logger) *Store {
	return &Store{
		fetcher: fetcher,
		logger:  logger.With().Str("component", "baseline-store").Logger(),
	}
}

func (s *Store) fetch(ctx context.Context, location string) (*Archive, error) {
	f := s.fetcher
	if f == nil {
		f = FetcherFor(location)
	}
	s.logger.Info().Str("location", location).Msg("Fetching baseline archive")
	return f.Fetch(ctx, location)
}

// Extract fetches the archive at location and unpacks it into a fresh
// temporary directory. The caller must Close the returned tree; on error
// nothing is left behind.
func (s *Store) Extract(ctx context.Context, version Version, location string) (*Tree, error) {
	archive, err := s.fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := archive.Release(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to remove downloaded archive")
		}
	}()

	tmp, err := os.MkdirTemp("", "hubpack-baseline-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	root, err := extractZip(archive.Path, tmp)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	s.logger.Debug().Str("root", root).Str("version", string(version)).Msg("Baseline extracted")

	return &Tree{
		Root:      root,
		Version:   version,
		ephemeral: true,
		tmpDir:    tmp,
	}, nil
}

// Prepare makes sure dir holds a snapshot of version, fetching it when dir
// is absent. A snapshot of another version is refused, never overwritten.
func (s *Store) Prepare(ctx context.Context, version Version, location, dir string) (*Tree, error) {
	if existing, err := ReadMarker(dir); err == nil {
		if existing != version {
			return nil, fmt.Errorf("%w: %s holds %s, want %s", ErrVersionMismatch, dir, existing, version)
		}
		s.logger.Info().Str("dir", dir).Str("version", string(version)).Msg("Baseline snapshot already prepared")
		return OpenTree(dir, version)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("%w: %s is not empty and carries no %s marker", ErrVersionMismatch, dir, MarkerFile)
	}

	tree, err := s.Extract(ctx, version, location)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(dir)

	if err := fsutil.CopyDir(tree.Root, dir, nil); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to store baseline snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MarkerFile), []byte(string(version)+"\n"), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write baseline marker: %w", err)
	}

	s.logger.Info().Str("dir", dir).Str("version", string(version)).Msg("Baseline snapshot prepared")
	return OpenTree(dir, version)
}

// ReadMarker returns the version recorded in a snapshot directory.
func ReadMarker(dir string) (Version, error) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerFile))
	if err != nil {
		return "", err
	}
	return Version(strings.TrimSpace(string(data))), nil
}
