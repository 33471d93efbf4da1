package variants

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/hubpack/hubpack/pkg/fsutil"
)

// SyncReport records what happened to each missing board during a sync.
type SyncReport struct {
	Source   string           `json:"source"`
	Synced   []string         `json:"synced"`
	NotFound []string         `json:"notFound"`
	Errors   map[string]error `json:"-"`

	// Untried lists boards that were not attempted because the source tree
	// itself does not exist.
	Untried []string `json:"untried"`
}

// SourceMissing reports whether the sync never ran because the source tree
// was absent.
func (r SyncReport) SourceMissing() bool {
	return len(r.Untried) > 0
}

// ErrorIDs returns the ids whose copy failed, sorted.
func (r SyncReport) ErrorIDs() []string {
	ids := make([]string, 0, len(r.Errors))
	for id := range r.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Syncer copies missing variants from an external source tree.
type Syncer struct {
	logger zerolog.Logger
}

// NewSyncer creates a syncer.
func NewSyncer(logger zerolog.Logger) *Syncer {
	return &Syncer{logger: logger.With().Str("component", "variant-sync").Logger()}
}

// Sync copies <source>/<id> into <storeDir>/<id> for every missing id. A
// failure for one id is recorded and the rest continue; a partially copied
// destination is removed. If source does not exist no id is attempted and
// all are reported as untried.
func (s *Syncer) Sync(ctx context.Context, missing []string, source, storeDir string) (SyncReport, error) {
	report := SyncReport{
		Source:   source,
		Synced:   []string{},
		NotFound: []string{},
		Errors:   map[string]error{},
		Untried:  []string{},
	}

	ids := append([]string(nil), missing...)
	sort.Strings(ids)

	info, err := os.Stat(source)
	if err != nil || !info.IsDir() {
		report.Untried = append(report.Untried, ids...)
		s.logger.Warn().Str("source", source).Msg("Variant source directory not found")
		return report, nil
	}

	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return report, fmt.Errorf("failed to create variant store: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		src := filepath.Join(source, id)
		srcInfo, err := os.Stat(src)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && !srcInfo.IsDir()) {
			report.NotFound = append(report.NotFound, id)
			continue
		}
		if err != nil {
			report.Errors[id] = err
			continue
		}

		dst := filepath.Join(storeDir, id)
		if _, err := os.Lstat(dst); err == nil {
			report.Errors[id] = fmt.Errorf("destination %s already exists", dst)
			continue
		}

		if err := fsutil.CopyDir(src, dst, nil); err != nil {
			if rmErr := os.RemoveAll(dst); rmErr != nil {
				s.logger.Error().Err(rmErr).Str("board", id).Msg("Failed to remove partial variant")
			}
			report.Errors[id] = err
			s.logger.Error().Err(err).Str("board", id).Msg("Failed to copy variant")
			continue
		}

		report.Synced = append(report.Synced, id)
		s.logger.Info().Str("board", id).Msg("Variant synced")
	}

	return report, nil
}
