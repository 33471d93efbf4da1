package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hubpack/hubpack/pkg/baseline"
)

var (
	// ErrBaselineMismatch is returned when a patch was created against a
	// different baseline than the tree it is applied to.
	ErrBaselineMismatch = errors.New("patch baseline does not match target tree")

	// ErrUnversioned is returned for patches without a baseline tag when
	// unversioned patches are not allowed.
	ErrUnversioned = errors.New("patch carries no baseline version")

	// ErrIDCollision is returned when two source files map to the same patch ID.
	ErrIDCollision = errors.New("patch identifier collision")
)

// failureMarkers are the case-sensitive tokens patch(1) prints when it
// rejects or cannot process a patch.
var failureMarkers = []string{
	"FAILED",
	"can't find file",
	"malformed patch",
	"Reversed (or previously applied) patch detected",
	"No such file",
}

// Outcome is the result class of one patch application.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Result is the outcome of applying one record.
type Result struct {
	PatchID     string
	Path        string
	Outcome     Outcome
	Diagnostics []string
	ExitCode    int
}

// Verification is the header check result of one record.
type Verification struct {
	PatchID    string
	WellFormed bool
	Reason     string
}

// Summary counts results per outcome.
type Summary struct {
	Applied int
	Failed  int
	Skipped int
}

// Total is the number of results summarized.
func (s Summary) Total() int {
	return s.Applied + s.Failed + s.Skipped
}

// Summarize counts results per outcome.
func Summarize(results []Result) Summary {
	var s Summary
	for _, r := range results {
		switch r.Outcome {
		case OutcomeApplied:
			s.Applied++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSkipped:
			s.Skipped++
		}
	}
	return s
}

// Options configures an Engine.
type Options struct {
	Title            string
	Purpose          string
	Extensions       []string
	Strip            int
	AllowUnversioned bool
}

// Engine creates, applies and verifies patch sets.
type Engine struct {
	differ  Differ
	applier Applier
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates an engine over the given capabilities.
func New(differ Differ, applier Applier, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		differ:  differ,
		applier: applier,
		opts:    opts,
		logger:  logger.With().Str("component", "patch-engine").Logger(),
		now:     time.Now,
	}
}

// NewForBackend creates an engine using the exec or library capabilities.
func NewForBackend(backend string, opts Options, logger zerolog.Logger) (*Engine, error) {
	switch backend {
	case "exec", "":
		runner := ExecRunner{}
		return New(&ExecDiffer{Runner: runner}, &ExecApplier{Runner: runner}, opts, logger), nil
	case "library":
		return New(NewLibraryDiffer(), LibraryApplier{}, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown patch backend %q", backend)
	}
}

// Create diffs every source file under workingRoot against its counterpart
// in base and returns one record per changed file with sequence seq. Files
// without a baseline counterpart and unchanged files produce no record.
//
// For seq > 1 the diff origin of a path is the baseline file with the
// path's lower-sequence records from existing applied in order.
func (e *Engine) Create(ctx context.Context, workingRoot string, base *baseline.Tree, seq int, existing []Record) ([]Record, error) {
	if seq < 1 {
		return nil, fmt.Errorf("patch sequence must be at least 1, got %d", seq)
	}

	stacked := make(map[string][]Record)
	if seq > 1 {
		sorted := slices.Clone(existing)
		Sort(sorted)
		for _, r := range sorted {
			if r.Seq < seq {
				stacked[r.RelativePath] = append(stacked[r.RelativePath], r)
			}
		}
	}

	created := e.now().UTC().Truncate(time.Second)
	owners := make(map[string]string)
	var records []Record

	err := filepath.WalkDir(workingRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() || !e.matches(p) {
			return nil
		}

		relOS, err := filepath.Rel(workingRoot, p)
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(relOS)

		origin, err := os.ReadFile(filepath.Join(base.Root, relOS))
		if errors.Is(err, fs.ErrNotExist) {
			e.logger.Debug().Str("path", rel).Msg("No baseline counterpart, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read baseline %s: %w", rel, err)
		}

		for _, prev := range stacked[rel] {
			origin, err = ApplyContent(origin, prev.Body)
			if err != nil {
				return fmt.Errorf("failed to stack %s onto %s: %w", prev.ID, rel, err)
			}
		}

		modified, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}

		body, err := e.differ.Diff(ctx, DiffRequest{Path: rel, Old: origin, New: modified})
		if err != nil {
			return fmt.Errorf("failed to diff %s: %w", rel, err)
		}
		if body == "" {
			return nil
		}

		id := PatchID(seq, rel)
		if owner, ok := owners[id]; ok {
			return fmt.Errorf("%w: %s and %s both map to %s", ErrIDCollision, owner, rel, id)
		}
		owners[id] = rel

		records = append(records, Record{
			ID:           id,
			Seq:          seq,
			RelativePath: rel,
			Header: Header{
				Title:           e.opts.Title,
				Purpose:         e.opts.Purpose,
				CreatedAt:       created,
				BaselineVersion: string(base.Version),
			},
			Body: body,
		})
		e.logger.Debug().Str("patch_id", id).Str("path", rel).Msg("Patch created")
		return nil
	})
	if err != nil {
		return nil, err
	}

	Sort(records)
	e.logger.Info().Int("count", len(records)).Int("sequence", seq).Msg("Patches created")
	return records, nil
}

func (e *Engine) matches(p string) bool {
	return slices.Contains(e.opts.Extensions, filepath.Ext(p))
}

// Apply applies records to tree in ID order. The tree must be a fresh
// extraction of the baseline every record was created against; both
// conditions are checked before anything is applied. Per-patch failures
// are reported in the results and never stop later patches. A patch whose
// path has an earlier failed patch in its sequence is skipped.
func (e *Engine) Apply(ctx context.Context, records []Record, tree *baseline.Tree) ([]Result, error) {
	sorted := slices.Clone(records)
	Sort(sorted)

	for _, r := range sorted {
		v := r.Header.BaselineVersion
		switch {
		case v == "" && !e.opts.AllowUnversioned:
			return nil, fmt.Errorf("%w: %s", ErrUnversioned, r.ID)
		case v != "" && v != string(tree.Version):
			return nil, fmt.Errorf("%w: %s targets %s, tree is %s", ErrBaselineMismatch, r.ID, v, tree.Version)
		}
	}

	if err := tree.MarkPatched(); err != nil {
		return nil, err
	}

	failedBy := make(map[string]string)
	results := make([]Result, 0, len(sorted))

	for _, r := range sorted {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res := Result{PatchID: r.ID, Path: r.RelativePath}

		if prev, ok := failedBy[r.RelativePath]; ok && r.RelativePath != "" {
			res.Outcome = OutcomeSkipped
			res.Diagnostics = []string{fmt.Sprintf("earlier patch %s for %s failed", prev, r.RelativePath)}
			e.logger.Warn().Str("patch_id", r.ID).Str("after", prev).Msg("Patch skipped")
			results = append(results, res)
			continue
		}

		out, err := e.applier.Apply(ctx, ApplyRequest{Dir: tree.Root, Strip: e.opts.Strip, Patch: r.content()})
		res.ExitCode = out.ExitCode
		res.Diagnostics = diagnosticLines(out.Output)
		if err != nil {
			res.Diagnostics = append(res.Diagnostics, err.Error())
		}

		if err != nil || out.ExitCode != 0 || hasFailureMarker(out.Output) {
			res.Outcome = OutcomeFailed
			failedBy[r.RelativePath] = r.ID
			e.logger.Warn().Str("patch_id", r.ID).Int("exit_code", out.ExitCode).Msg("Patch failed")
		} else {
			res.Outcome = OutcomeApplied
			e.logger.Info().Str("patch_id", r.ID).Msg("Patch applied")
		}
		results = append(results, res)
	}

	s := Summarize(results)
	e.logger.Info().
		Int("applied", s.Applied).
		Int("failed", s.Failed).
		Int("skipped", s.Skipped).
		Msg("Patch set applied")

	return results, nil
}

// content is the text handed to the applier.
func (r *Record) content() []byte {
	if len(r.raw) > 0 {
		return r.raw
	}
	return r.Bytes()
}

func hasFailureMarker(output string) bool {
	for _, m := range failureMarkers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

func diagnosticLines(output string) []string {
	var lines []string
	for _, l := range strings.Split(output, "\n") {
		if l = strings.TrimRight(l, "\r "); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// Verify checks that every record starts with the "# <Title> for " header
// line. It says nothing about the diff itself.
func (e *Engine) Verify(records []Record) []Verification {
	prefix := "# " + e.opts.Title + " for "
	out := make([]Verification, 0, len(records))

	for _, r := range records {
		data := r.content()
		first, _, _ := strings.Cut(string(data), "\n")
		v := Verification{PatchID: r.ID, WellFormed: strings.HasPrefix(first, prefix)}
		if !v.WellFormed {
			if first == "" {
				v.Reason = "missing header line"
			} else {
				v.Reason = fmt.Sprintf("first line %q does not start with %q", first, prefix)
			}
		}
		out = append(out, v)
	}
	return out
}
