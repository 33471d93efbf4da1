package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hubpack/hubpack/pkg/archive"
	"github.com/hubpack/hubpack/pkg/baseline"
	"github.com/hubpack/hubpack/pkg/index"
	"github.com/hubpack/hubpack/pkg/overlay"
	"github.com/hubpack/hubpack/pkg/patch"
	"github.com/hubpack/hubpack/pkg/policy"
	"github.com/hubpack/hubpack/pkg/publish"
	"github.com/hubpack/hubpack/pkg/telemetry"
	"github.com/hubpack/hubpack/pkg/variants"
)

// variantsRoot is where the variant store lands inside the output tree.
const variantsRoot = "variants"

// ReleaseResult is everything a release run produced, however far it got.
type ReleaseResult struct {
	RunID   string
	Version string

	Patches []patch.Result
	Summary patch.Summary

	Boards variants.Classification
	Sync   *variants.SyncReport

	Decision  *policy.Decision
	Structure *archive.Report
	Artifact  *archive.Artifact

	IndexUpdated bool
	Published    []publish.Uploaded
}

// Release builds the package: it patches a fresh baseline extraction,
// reconciles boards, passes the release gate, assembles and verifies the
// archive, records it in the package index and, when publishAfter is set,
// uploads the archive and the index.
//
// Failures before the archive is in place abort the run. An index failure
// keeps the archive, skips publication and returns an index-class error
// carrying the fallback document.
func (p *Pipeline) Release(ctx context.Context, publishAfter bool) (*ReleaseResult, error) {
	runID := p.newRunID()
	res := &ReleaseResult{RunID: runID, Version: p.cfg.Baseline.Version}
	rec := runRecord{}

	p.logger.Info().Str("run_id", runID).Str("version", res.Version).Msg("Release started")

	recorded := p.beginRun(ctx, runID, "release")
	err := p.release(ctx, runID, publishAfter, res, &rec)
	p.finishRun(ctx, runID, "release", recorded, rec, err)

	if err != nil {
		p.logger.Error().Err(err).Str("run_id", runID).Msg("Release failed")
	} else {
		p.logger.Info().Str("run_id", runID).Msg("Release completed")
	}
	return res, err
}

func (p *Pipeline) release(ctx context.Context, runID string, publishAfter bool, res *ReleaseResult, rec *runRecord) error {
	if publishAfter && p.publisher == nil && !p.cfg.Publish.Enabled() {
		return newError(ErrorClassConfig, "release", "publication requested but publish.host is not configured", nil)
	}

	var tree *baseline.Tree
	err := p.stage(ctx, runID, "baseline", func(st *telemetry.Stage) error {
		t, err := p.baselines.Extract(st.Ctx, p.version(), p.cfg.Baseline.URL)
		if err != nil {
			return classifyBaseline("baseline", err)
		}
		tree = t
		return nil
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tree.Close(); err != nil {
			p.logger.Warn().Err(err).Str("root", tree.Root).Msg("Failed to remove baseline extraction")
		}
	}()

	boards, err := p.reconcileBoards(ctx, runID, false, "")
	rec.boards = boards
	if err != nil {
		return err
	}
	res.Boards = boards.final
	res.Sync = boards.sync

	err = p.stage(ctx, runID, "patches", func(st *telemetry.Stage) error {
		records, err := patch.Load(p.cfg.Path(p.cfg.Patches.Dir), p.cfg.Patches.Title)
		if err != nil {
			return newError(ErrorClassConfig, "patches", "failed to load patches", err)
		}
		st.Span.SetAttributes(telemetry.AttrPatchCount.Int(len(records)))

		results, err := p.patches.Apply(st.Ctx, records, tree)
		res.Patches = results
		rec.patches = results
		if err != nil {
			return classifyBaseline("patches", err)
		}
		for _, r := range results {
			p.tel.Metrics.RecordPatchResult(string(r.Outcome))
		}
		res.Summary = patch.Summarize(results)
		return nil
	})
	if err != nil {
		return err
	}

	if err := p.evaluateGate(ctx, runID, "release", res, boards, nil); err != nil {
		return err
	}

	stagingParent := p.cfg.Path(p.cfg.Overlay.StagingDir)
	if err := os.MkdirAll(stagingParent, 0o755); err != nil {
		return newError(ErrorClassAssembly, "assemble", "failed to create staging directory", err)
	}
	work, err := os.MkdirTemp(stagingParent, "run-*")
	if err != nil {
		return newError(ErrorClassAssembly, "assemble", "failed to create staging directory", err)
	}
	defer os.RemoveAll(work)

	outRoot := filepath.Join(work, p.cfg.Project.RootName)
	err = p.stage(ctx, runID, "assemble", func(st *telemetry.Stage) error {
		return p.assemble(st, tree.Root, outRoot)
	})
	if err != nil {
		return err
	}

	dest := p.cfg.Path(p.cfg.Archive.Output)
	err = p.stage(ctx, runID, "archive", func(st *telemetry.Stage) error {
		report, err := p.buildArchive(runID, outRoot, dest)
		if report != nil {
			res.Structure = report
		}
		if err != nil {
			return err
		}

		artifact, err := archive.Checksum(dest)
		if err != nil {
			return newError(ErrorClassStructural, "archive", "failed to checksum archive", err)
		}
		res.Artifact = &artifact
		rec.completion.ArchivePath = artifact.Path
		rec.completion.ArchiveSize = artifact.Size
		rec.completion.Checksum = artifact.IndexChecksum()
		p.tel.Metrics.RecordRelease(artifact.Size, p.now())

		st.Logger.Info().
			Str("path", artifact.Path).
			Int64("size", artifact.Size).
			Str("checksum", artifact.IndexChecksum()).
			Msg("Archive verified")
		return nil
	})
	if err != nil {
		return err
	}

	indexErr := p.updateIndex(ctx, runID, index.Patch{
		Artifact: res.Artifact,
		Boards:   boards.entries(),
	})
	res.IndexUpdated = indexErr == nil

	if err := p.tel.Metrics.Flush(); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to write metrics")
	}

	if indexErr != nil {
		if publishAfter {
			p.logger.Warn().Msg("Skipping publication because the package index was not updated")
		}
		return indexErr
	}

	if publishAfter {
		uploaded, err := p.upload(ctx, runID, dest, p.cfg.Path(p.cfg.Index.Path))
		res.Published = uploaded
		if err != nil {
			return err
		}
	}
	return nil
}

// assemble builds the output tree and mounts the variant store at
// variants/ when the overlay does not already carry it.
func (p *Pipeline) assemble(st *telemetry.Stage, patchedRoot, outRoot string) error {
	spec := overlay.Spec{
		Files:   p.cfg.Overlay.Files,
		Dirs:    p.cfg.Overlay.Dirs,
		Exclude: p.cfg.Overlay.Exclude,
	}

	storeDir := filepath.Clean(p.cfg.Path(p.cfg.Boards.VariantsDir))
	covered := slices.Contains(spec.Dirs, variantsRoot) && storeDir == filepath.Join(p.cfg.Root, variantsRoot)
	if !covered {
		if _, err := os.Stat(storeDir); err == nil {
			spec.Mounts = append(spec.Mounts, overlay.Mount{Source: storeDir, Target: variantsRoot})
		}
	}

	result, err := p.assembler.Assemble(st.Ctx, patchedRoot, p.cfg.Root, outRoot, spec)
	if err != nil {
		return newError(ErrorClassAssembly, "assemble", "failed to assemble output tree", err)
	}

	st.Logger.Info().
		Str("root", result.Root).
		Strs("overlaid", result.Overlaid).
		Int("excluded", result.Excluded).
		Msg("Output tree assembled")
	return nil
}

// buildArchive zips outRoot next to dest, verifies it and renames it into
// place. A rejected archive is removed and never reaches dest.
func (p *Pipeline) buildArchive(runID, outRoot, dest string) (*archive.Report, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, newError(ErrorClassAssembly, "archive", "failed to create output directory", err)
	}

	tmp := filepath.Join(filepath.Dir(dest), fmt.Sprintf(".%s.%s.tmp", filepath.Base(dest), runID))
	skipped, err := archive.Build(outRoot, p.cfg.Project.RootName, tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return nil, newError(ErrorClassAssembly, "archive", "failed to build archive", err)
	}
	for _, rel := range skipped {
		p.logger.Warn().Str("run_id", runID).Str("path", rel).Msg("Not a regular file, left out of the archive")
	}

	report, err := archive.Verify(tmp, p.cfg.Archive.RequiredFiles, p.cfg.Archive.RequiredDirs)
	if err != nil {
		_ = os.Remove(tmp)
		return nil, newError(ErrorClassStructural, "archive", "failed to read archive", err)
	}
	if !report.Valid() {
		_ = os.Remove(tmp)
		return &report, newError(ErrorClassStructural, "archive", "archive failed structural verification", report.Err())
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return &report, newError(ErrorClassAssembly, "archive", "failed to move archive into place", err)
	}
	return &report, nil
}

// evaluateGate runs the release policies and fails when they deny.
func (p *Pipeline) evaluateGate(ctx context.Context, runID, operation string, res *ReleaseResult, boards *boardsOutcome, structure *archive.Report) error {
	input := policy.ReleaseInput{
		Version:   p.cfg.Baseline.Version,
		Operation: operation,
		Patches: policy.PatchInput{
			Total:   res.Summary.Total(),
			Applied: res.Summary.Applied,
			Failed:  res.Summary.Failed,
			Skipped: res.Summary.Skipped,
		},
	}
	for _, r := range res.Patches {
		if r.Outcome == patch.OutcomeFailed {
			input.Failed = append(input.Failed, policy.FailedPatch{ID: r.PatchID, Path: r.Path})
		}
	}
	if boards != nil {
		input.Boards, input.Sync = boards.input()
	}
	if structure != nil {
		input.Structure = &policy.StructureInput{
			Valid:        structure.Valid(),
			Roots:        structure.Roots,
			MissingFiles: structure.MissingFiles,
			MissingDirs:  structure.MissingDirs,
		}
	}

	return p.stage(ctx, runID, "policy", func(st *telemetry.Stage) error {
		decision, err := p.gate.Evaluate(st.Ctx, input)
		if err != nil {
			return newError(ErrorClassPolicy, "policy", "failed to evaluate release policies", err)
		}
		res.Decision = decision

		for _, w := range decision.Warnings {
			st.Logger.Warn().Str("policy", w.Policy).Str("subject", w.Subject).Msg(w.Message)
		}
		for _, f := range decision.Failures {
			st.Logger.Warn().Str("policy", f).Msg("Policy could not be evaluated")
		}
		if decision.Allowed {
			return nil
		}

		msgs := make([]string, 0, len(decision.Violations))
		for _, v := range decision.Violations {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
		return newError(ErrorClassPolicy, "policy", "release denied: "+strings.Join(msgs, "; "), nil)
	})
}

// upload sends files to the publication target in order.
func (p *Pipeline) upload(ctx context.Context, runID string, files ...string) ([]publish.Uploaded, error) {
	var uploaded []publish.Uploaded
	err := p.stage(ctx, runID, "publish", func(st *telemetry.Stage) error {
		pub := p.publisher
		if pub == nil {
			var err error
			pub, err = publish.New(publish.FromConfig(p.cfg.Publish), p.tel.Logger)
			if err != nil {
				return newError(ErrorClassPublish, "publish", "invalid publication target", err)
			}
		}
		var err error
		uploaded, err = pub.Publish(st.Ctx, files...)
		if err != nil {
			return newError(ErrorClassPublish, "publish", "failed to publish release", err)
		}
		return nil
	})
	return uploaded, err
}

// PublishResult is the outcome of Publish.
type PublishResult struct {
	RunID     string
	Structure archive.Report
	Decision  *policy.Decision
	Artifact  *archive.Artifact
	Published []publish.Uploaded
}

// Publish verifies the existing archive, passes it through the release
// gate and uploads it followed by the package index. An archive that fails
// structural verification is never uploaded, whatever the policies say.
func (p *Pipeline) Publish(ctx context.Context) (*PublishResult, error) {
	runID := p.newRunID()
	res := &PublishResult{RunID: runID}
	rec := runRecord{}

	recorded := p.beginRun(ctx, runID, "publish")
	err := p.publish(ctx, runID, res, &rec)
	p.finishRun(ctx, runID, "publish", recorded, rec, err)
	return res, err
}

func (p *Pipeline) publish(ctx context.Context, runID string, res *PublishResult, rec *runRecord) error {
	if p.publisher == nil && !p.cfg.Publish.Enabled() {
		return newError(ErrorClassConfig, "publish", "publish.host is not configured", nil)
	}

	dest := p.cfg.Path(p.cfg.Archive.Output)
	indexPath := p.cfg.Path(p.cfg.Index.Path)

	err := p.stage(ctx, runID, "verify", func(st *telemetry.Stage) error {
		report, err := archive.Verify(dest, p.cfg.Archive.RequiredFiles, p.cfg.Archive.RequiredDirs)
		if err != nil {
			return newError(ErrorClassStructural, "verify", "failed to read archive", err)
		}
		res.Structure = report
		if !report.Valid() {
			return newError(ErrorClassStructural, "verify", "archive failed structural verification", report.Err())
		}

		artifact, err := archive.Checksum(dest)
		if err != nil {
			return newError(ErrorClassStructural, "verify", "failed to checksum archive", err)
		}
		res.Artifact = &artifact
		rec.completion.ArchivePath = artifact.Path
		rec.completion.ArchiveSize = artifact.Size
		rec.completion.Checksum = artifact.IndexChecksum()

		p.checkIndexChecksum(st, indexPath, artifact)
		return nil
	})
	if err != nil {
		return err
	}

	gate := &ReleaseResult{}
	if err := p.evaluateGate(ctx, runID, "publish", gate, nil, &res.Structure); err != nil {
		res.Decision = gate.Decision
		return err
	}
	res.Decision = gate.Decision

	uploaded, err := p.upload(ctx, runID, dest, indexPath)
	res.Published = uploaded
	return err
}

// checkIndexChecksum warns when the index describes a different archive.
func (p *Pipeline) checkIndexChecksum(st *telemetry.Stage, indexPath string, artifact archive.Artifact) {
	doc, err := index.Load(indexPath)
	if err != nil {
		st.Logger.Warn().Err(err).Str("path", indexPath).Msg("Package index unreadable")
		return
	}
	platform, err := doc.Platform()
	if err != nil {
		st.Logger.Warn().Err(err).Msg("Package index has no platform entry")
		return
	}
	if v, ok := platform.Get("checksum"); ok && v != artifact.IndexChecksum() {
		st.Logger.Warn().
			Interface("index", v).
			Str("archive", artifact.IndexChecksum()).
			Msg("Package index checksum does not match the archive")
	}
}
