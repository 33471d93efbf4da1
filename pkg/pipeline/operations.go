package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hubpack/hubpack/pkg/baseline"
	"github.com/hubpack/hubpack/pkg/index"
	"github.com/hubpack/hubpack/pkg/patch"
	"github.com/hubpack/hubpack/pkg/policy"
	"github.com/hubpack/hubpack/pkg/stores"
	"github.com/hubpack/hubpack/pkg/telemetry"
	"github.com/hubpack/hubpack/pkg/variants"
)

// ErrMalformedPatches is returned by VerifyPatches when a patch header is wrong.
var ErrMalformedPatches = errors.New("malformed patches")

// PrepareResult describes the persistent baseline snapshot.
type PrepareResult struct {
	Dir     string
	Version baseline.Version
}

// Prepare makes sure the persistent snapshot holds the pinned baseline and
// that the working copy directory exists. Running it twice is harmless.
func (p *Pipeline) Prepare(ctx context.Context) (*PrepareResult, error) {
	dir := p.cfg.Path(p.cfg.Baseline.SnapshotDir)
	var res *PrepareResult

	err := p.stage(ctx, "", "prepare", func(st *telemetry.Stage) error {
		tree, err := p.baselines.Prepare(st.Ctx, p.version(), p.cfg.Baseline.URL, dir)
		if err != nil {
			return classifyBaseline("prepare", err)
		}
		if err := os.MkdirAll(p.cfg.Path(p.cfg.Working.ModifiedDir), 0o755); err != nil {
			return newError(ErrorClassConfig, "prepare", "failed to create working copy directory", err)
		}
		res = &PrepareResult{Dir: tree.Root, Version: tree.Version}
		return nil
	})
	return res, err
}

// snapshot opens the persistent snapshot, which must hold the pinned version.
func (p *Pipeline) snapshot() (*baseline.Tree, error) {
	dir := p.cfg.Path(p.cfg.Baseline.SnapshotDir)
	v, err := baseline.ReadMarker(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, newError(ErrorClassBaseline, "patches", fmt.Sprintf("no baseline snapshot in %s, run prepare first", dir), err)
	}
	if err != nil {
		return nil, newError(ErrorClassBaseline, "patches", "failed to read baseline snapshot", err)
	}
	if v != p.version() {
		return nil, newError(ErrorClassBaseline, "patches",
			fmt.Sprintf("snapshot in %s holds %s, configuration pins %s", dir, v, p.version()), baseline.ErrVersionMismatch)
	}
	tree, err := baseline.OpenTree(dir, v)
	if err != nil {
		return nil, newError(ErrorClassBaseline, "patches", "failed to open baseline snapshot", err)
	}
	return tree, nil
}

// GeneratePatches diffs the working copy against the snapshot and writes
// one patch per changed source file with sequence seq.
func (p *Pipeline) GeneratePatches(ctx context.Context, seq int) ([]patch.Record, error) {
	tree, err := p.snapshot()
	if err != nil {
		return nil, err
	}

	dir := p.cfg.Path(p.cfg.Patches.Dir)
	var records []patch.Record

	err = p.stage(ctx, "", "patches-create", func(st *telemetry.Stage) error {
		existing, err := patch.Load(dir, p.cfg.Patches.Title)
		if err != nil {
			return newError(ErrorClassConfig, "patches-create", "failed to load existing patches", err)
		}
		records, err = p.patches.Create(st.Ctx, p.cfg.Path(p.cfg.Working.ModifiedDir), tree, seq, existing)
		if err != nil {
			return newError(ErrorClassAssembly, "patches-create", "failed to create patches", err)
		}
		if err := patch.Write(dir, records); err != nil {
			return newError(ErrorClassAssembly, "patches-create", "failed to write patches", err)
		}
		st.Logger.Info().Int("count", len(records)).Str("dir", dir).Msg("Patches written")
		return nil
	})
	return records, err
}

// VerifyPatches checks the header of every stored patch. The verifications
// are returned together with ErrMalformedPatches when any is malformed.
func (p *Pipeline) VerifyPatches() ([]patch.Verification, error) {
	records, err := patch.Load(p.cfg.Path(p.cfg.Patches.Dir), p.cfg.Patches.Title)
	if err != nil {
		return nil, newError(ErrorClassConfig, "patches-verify", "failed to load patches", err)
	}

	results := p.patches.Verify(records)
	bad := 0
	for _, v := range results {
		if !v.WellFormed {
			bad++
		}
	}
	if bad > 0 {
		return results, fmt.Errorf("%w: %d of %d", ErrMalformedPatches, bad, len(results))
	}
	return results, nil
}

// WatchPatches regenerates patches with sequence seq whenever a source file
// in the working copy changes, until ctx is cancelled.
func (p *Pipeline) WatchPatches(ctx context.Context, seq int) error {
	if _, err := p.snapshot(); err != nil {
		return err
	}

	w := patch.NewWatcher(
		p.cfg.Path(p.cfg.Working.ModifiedDir),
		p.cfg.Patches.Extensions,
		p.cfg.Patches.DebounceInterval,
		func(ctx context.Context) error {
			_, err := p.GeneratePatches(ctx, seq)
			return err
		},
		p.tel.Logger,
	)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// VariantOptions controls CheckVariants.
type VariantOptions struct {
	// NoSync skips copying missing variants from the source tree.
	NoSync bool

	// NoIndex skips writing the boards list into the package index.
	NoIndex bool

	// Source overrides the configured variant source tree.
	Source string
}

// boardsOutcome is the state of the registry and variant store after
// reconciliation and an optional sync.
type boardsOutcome struct {
	registry variants.Registry
	store    variants.StoreSet
	initial  variants.Classification
	final    variants.Classification
	sync     *variants.SyncReport
}

func (b *boardsOutcome) report() variants.Report {
	return variants.NewReport(b.registry, b.store, b.sync)
}

func (b *boardsOutcome) entries() []variants.Board {
	return variants.GenerateIndexEntries(b.registry, b.store)
}

func (b *boardsOutcome) input() (*policy.BoardsInput, *policy.SyncInput) {
	boards := &policy.BoardsInput{
		Matched:  b.final.Matched,
		Missing:  b.final.Missing,
		Orphaned: b.final.Orphaned,
	}
	if b.sync == nil {
		return boards, nil
	}
	return boards, &policy.SyncInput{
		Synced:   b.sync.Synced,
		NotFound: b.sync.NotFound,
		Errors:   b.sync.ErrorIDs(),
		Untried:  b.sync.Untried,
	}
}

// rows flattens the final classification for the history database.
func (b *boardsOutcome) rows() []stores.BoardResult {
	outcome := map[string]string{}
	if b.sync != nil {
		for _, id := range b.sync.Synced {
			outcome[id] = "synced"
		}
		for _, id := range b.sync.NotFound {
			outcome[id] = "not_found"
		}
		for _, id := range b.sync.ErrorIDs() {
			outcome[id] = "error"
		}
		for _, id := range b.sync.Untried {
			outcome[id] = "untried"
		}
	}

	var rows []stores.BoardResult
	add := func(ids []string, class string) {
		for _, id := range ids {
			rows = append(rows, stores.BoardResult{BoardID: id, Classification: class, SyncOutcome: outcome[id]})
		}
	}
	add(b.final.Matched, stores.BoardMatched)
	add(b.final.Missing, stores.BoardMissing)
	add(b.final.Orphaned, stores.BoardOrphaned)
	return rows
}

// reconcileBoards classifies the registry against the variant store, syncs
// missing variants unless noSync is set, and classifies again from disk.
func (p *Pipeline) reconcileBoards(ctx context.Context, runID string, noSync bool, source string) (*boardsOutcome, error) {
	out := &boardsOutcome{}
	storeDir := p.cfg.Path(p.cfg.Boards.VariantsDir)

	err := p.stage(ctx, runID, "variants", func(st *telemetry.Stage) error {
		reg, err := variants.LoadRegistry(p.cfg.Path(p.cfg.Boards.Registry), p.cfg.Boards.Placeholder)
		if err != nil {
			return newError(ErrorClassConfig, "variants", "failed to read board registry", err)
		}
		store, err := variants.ListStore(storeDir)
		if err != nil {
			return newError(ErrorClassConfig, "variants", "failed to list variant store", err)
		}
		out.registry = reg
		out.store = store
		out.initial = variants.Reconcile(reg, store)
		out.final = out.initial

		if !noSync && len(out.initial.Missing) > 0 {
			if source == "" {
				source = p.cfg.Path(p.cfg.Boards.SourceDir)
			}
			report, err := p.syncer.Sync(st.Ctx, out.initial.Missing, source, storeDir)
			out.sync = &report
			if err != nil {
				return newError(ErrorClassAssembly, "variants", "variant sync aborted", err)
			}
			p.tel.Metrics.RecordSyncResult("synced", len(report.Synced))
			p.tel.Metrics.RecordSyncResult("not_found", len(report.NotFound))
			p.tel.Metrics.RecordSyncResult("error", len(report.Errors))
			p.tel.Metrics.RecordSyncResult("untried", len(report.Untried))

			if store, err = variants.ListStore(storeDir); err != nil {
				return newError(ErrorClassConfig, "variants", "failed to list variant store", err)
			}
			out.store = store
			out.final = variants.Reconcile(reg, store)
		}

		p.tel.Metrics.SetBoardClassification(len(out.final.Matched), len(out.final.Missing), len(out.final.Orphaned))
		st.Logger.Info().
			Int("matched", len(out.final.Matched)).
			Int("missing", len(out.final.Missing)).
			Int("orphaned", len(out.final.Orphaned)).
			Msg("Boards reconciled")
		return nil
	})
	return out, err
}

// VariantResult is the outcome of CheckVariants.
type VariantResult struct {
	Report variants.Report

	// IndexUpdated is true when the boards list was written to the index.
	IndexUpdated bool
}

// CheckVariants reconciles the board registry with the variant store,
// syncs missing variants and writes the supported boards into the index.
// An index failure is returned with the report and a fallback document.
func (p *Pipeline) CheckVariants(ctx context.Context, opts VariantOptions) (*VariantResult, error) {
	runID := p.newRunID()
	recorded := p.beginRun(ctx, runID, "variants")

	boards, err := p.reconcileBoards(ctx, runID, opts.NoSync, opts.Source)
	res := &VariantResult{}
	if err == nil {
		res.Report = boards.report()
		if !opts.NoIndex {
			err = p.updateIndex(ctx, runID, index.Patch{Boards: boards.entries()})
			res.IndexUpdated = err == nil
		}
	}

	p.finishRun(ctx, runID, "variants", recorded, runRecord{boards: boards}, err)
	return res, err
}

// updateIndex writes p into the package index, turning a failure into an
// index-class error carrying the fallback document.
func (p *Pipeline) updateIndex(ctx context.Context, runID string, change index.Patch) error {
	path := p.cfg.Path(p.cfg.Index.Path)
	return p.stage(ctx, runID, "index", func(st *telemetry.Stage) error {
		err := index.Update(path, p.cfg.Index.Indent, change)
		if err == nil {
			st.Logger.Info().Str("path", path).Msg("Package index updated")
			return nil
		}
		re := newError(ErrorClassIndex, "index", "failed to update package index", err)
		var ue *index.UpdateError
		if errors.As(err, &ue) {
			re.Fallback = ue.Fallback
		}
		return re
	})
}

// UpdateTools refreshes the tool dependencies and tool definitions in the
// package index from the upstream index.
func (p *Pipeline) UpdateTools(ctx context.Context) (*index.ToolSet, error) {
	if p.cfg.Tools.UpstreamURL == "" {
		return nil, newError(ErrorClassConfig, "tools", "tools.upstream_url is not configured", nil)
	}

	runID := p.newRunID()
	var tools *index.ToolSet

	err := p.stage(ctx, runID, "tools", func(st *telemetry.Stage) error {
		upstream, err := index.FetchUpstream(st.Ctx, p.cfg.Tools.UpstreamURL)
		if err != nil {
			return newError(ErrorClassRetrieval, "tools", "failed to fetch upstream index", err)
		}
		tools, err = index.FindTools(upstream, p.cfg.Baseline.Version, p.cfg.Tools.Packager, p.cfg.Tools.PreservePackagers)
		if err != nil {
			return newError(ErrorClassRetrieval, "tools", "failed to select upstream tools", err)
		}
		for _, missing := range tools.MissingDefinitions {
			st.Logger.Warn().Str("tool", missing).Msg("No upstream definition for tool dependency")
		}
		st.Logger.Info().
			Int("dependencies", len(tools.Dependencies)).
			Int("definitions", len(tools.Definitions)).
			Msg("Upstream tools selected")
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.updateIndex(ctx, runID, index.Patch{
		ToolsDependencies: tools.Dependencies,
		Tools:             tools.Definitions,
	})
	return tools, err
}
