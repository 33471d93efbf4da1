package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hubpack/hubpack/pkg/baseline"
	"github.com/hubpack/hubpack/pkg/config"
	"github.com/hubpack/hubpack/pkg/overlay"
	"github.com/hubpack/hubpack/pkg/patch"
	"github.com/hubpack/hubpack/pkg/policy"
	"github.com/hubpack/hubpack/pkg/publish"
	"github.com/hubpack/hubpack/pkg/stores"
	"github.com/hubpack/hubpack/pkg/telemetry"
	"github.com/hubpack/hubpack/pkg/variants"
)

// Pipeline runs hubpack operations for one project configuration.
type Pipeline struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	baselines *baseline.Store
	patches   *patch.Engine
	assembler *overlay.Assembler
	syncer    *variants.Syncer
	gate      *policy.Engine
	history   stores.ReleaseStore
	publisher *publish.Publisher

	fetcher  baseline.Fetcher
	newRunID func() string
	now      func() time.Time
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithFetcher retrieves baselines with f instead of choosing a fetcher per URL.
func WithFetcher(f baseline.Fetcher) Option {
	return func(p *Pipeline) { p.fetcher = f }
}

// WithHistory records runs in store instead of the configured database.
func WithHistory(store stores.ReleaseStore) Option {
	return func(p *Pipeline) { p.history = store }
}

// WithPublisher uploads with pub instead of dialing the configured host.
func WithPublisher(pub *publish.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithRunIDs generates run identifiers with fn.
func WithRunIDs(fn func() string) Option {
	return func(p *Pipeline) { p.newRunID = fn }
}

// New builds a pipeline from a loaded configuration. Project policies are
// compiled and the history database is opened here; a history database
// that cannot be opened is logged and disabled.
func New(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, opts ...Option) (*Pipeline, error) {
	if tel == nil {
		tel = telemetry.Nop()
	}
	logger := telemetry.ComponentLogger(tel.Logger, "pipeline")

	p := &Pipeline{
		cfg:      cfg,
		tel:      tel,
		logger:   logger,
		newRunID: uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.baselines = baseline.NewStore(p.fetcher, tel.Logger)
	p.assembler = overlay.NewAssembler(tel.Logger)
	p.syncer = variants.NewSyncer(tel.Logger)

	engine, err := patch.NewForBackend(cfg.Patches.Backend, patch.Options{
		Title:            cfg.Patches.Title,
		Purpose:          cfg.Patches.Purpose,
		Extensions:       cfg.Patches.Extensions,
		Strip:            cfg.Patches.Strip,
		AllowUnversioned: cfg.Patches.AllowUnversioned,
	}, tel.Logger)
	if err != nil {
		return nil, newError(ErrorClassConfig, "init", "invalid patch backend", err)
	}
	p.patches = engine

	gate, err := policy.NewEngine(tel.Logger)
	if err != nil {
		return nil, newError(ErrorClassConfig, "init", "failed to compile built-in policies", err)
	}
	if len(cfg.Policy.Paths) > 0 {
		paths := make([]string, 0, len(cfg.Policy.Paths))
		for _, path := range cfg.Policy.Paths {
			paths = append(paths, cfg.Path(path))
		}
		if err := gate.LoadPolicies(ctx, paths); err != nil {
			return nil, newError(ErrorClassConfig, "init", "failed to load project policies", err)
		}
	}
	for _, name := range cfg.Policy.Disabled {
		if err := gate.SetEnabled(name, false); err != nil {
			return nil, newError(ErrorClassConfig, "init", "failed to disable policy", err)
		}
	}
	p.gate = gate

	if p.history == nil && cfg.History.Path != "" {
		store, err := openHistory(ctx, cfg.Path(cfg.History.Path))
		if err != nil {
			p.logger.Warn().Err(err).Str("path", cfg.History.Path).Msg("Release history disabled")
		} else {
			p.history = store
		}
	}

	return p, nil
}

func openHistory(ctx context.Context, path string) (stores.ReleaseStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.HealthCheck(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the history database.
func (p *Pipeline) Close() error {
	if p.history == nil {
		return nil
	}
	return p.history.Close()
}

// Config returns the configuration the pipeline was built from.
func (p *Pipeline) Config() *config.Config {
	return p.cfg
}

// Policies returns the release gate.
func (p *Pipeline) Policies() *policy.Engine {
	return p.gate
}

func (p *Pipeline) version() baseline.Version {
	return baseline.Version(p.cfg.Baseline.Version)
}

// stage runs fn as an instrumented pipeline stage.
func (p *Pipeline) stage(ctx context.Context, runID, name string, fn func(st *telemetry.Stage) error) error {
	st := p.tel.StartStage(ctx, runID, name, telemetry.AttrBaselineVersion.String(p.cfg.Baseline.Version))
	err := fn(st)
	if class := ClassOf(err); class != "" {
		st.Span.SetAttributes(telemetry.AttrErrorClass.String(string(class)))
	}
	d := st.End(err)
	if err != nil {
		st.Logger.Error().Err(err).Dur("duration", d).Msg("Stage failed")
	} else {
		st.Logger.Debug().Dur("duration", d).Msg("Stage completed")
	}
	return err
}

// beginRun records the start of a run. History failures are only logged.
func (p *Pipeline) beginRun(ctx context.Context, runID, operation string) bool {
	if p.history == nil {
		return false
	}
	err := p.history.CreateRelease(ctx, &stores.Release{
		ID:        runID,
		Version:   p.cfg.Baseline.Version,
		Operation: operation,
		Status:    stores.ReleaseStatusRunning,
		StartedAt: p.now(),
	})
	if err != nil {
		p.historyFailed(err, "Failed to record run start")
		return false
	}
	return true
}

// runRecord is what a finished run hands to the history database.
type runRecord struct {
	completion stores.Completion
	patches    []patch.Result
	boards     *boardsOutcome
}

func (p *Pipeline) finishRun(ctx context.Context, runID, operation string, recorded bool, rec runRecord, runErr error) {
	rec.completion.Status = statusOf(runErr)
	if runErr != nil {
		rec.completion.Err = runErr
		if class := ClassOf(runErr); class != "" {
			p.tel.Metrics.RecordError(string(class))
		} else {
			p.tel.Metrics.RecordError("unclassified")
		}
	}
	p.tel.Metrics.RecordRunCompleted(operation, string(rec.completion.Status))

	if !recorded {
		return
	}
	// A cancelled run still gets its audit row.
	ctx = context.WithoutCancel(ctx)

	if len(rec.patches) > 0 {
		if err := p.history.RecordPatchResults(ctx, runID, patchRows(rec.patches)); err != nil {
			p.historyFailed(err, "Failed to record patch outcomes")
		}
	}
	if rec.boards != nil {
		if err := p.history.RecordBoardResults(ctx, runID, rec.boards.rows()); err != nil {
			p.historyFailed(err, "Failed to record board outcomes")
		}
	}
	if err := p.history.CompleteRelease(ctx, runID, rec.completion); err != nil {
		p.historyFailed(err, "Failed to record run completion")
	}
}

// statusOf maps a run error to its recorded status.
func statusOf(err error) stores.ReleaseStatus {
	if err != nil {
		return stores.ReleaseStatusFailed
	}
	return stores.ReleaseStatusSucceeded
}

func (p *Pipeline) historyFailed(err error, msg string) {
	p.tel.Metrics.RecordError(string(ErrorClassHistory))
	p.logger.Warn().Err(newError(ErrorClassHistory, "history", msg, err)).Msg(msg)
}

func patchRows(results []patch.Result) []stores.PatchResult {
	rows := make([]stores.PatchResult, 0, len(results))
	for _, r := range results {
		rows = append(rows, stores.PatchResult{
			PatchID:     r.PatchID,
			Path:        r.Path,
			Outcome:     string(r.Outcome),
			ExitCode:    r.ExitCode,
			Diagnostics: strings.Join(r.Diagnostics, "\n"),
		})
	}
	return rows
}

// History lists recorded runs, newest first.
func (p *Pipeline) History(ctx context.Context, limit int) ([]*stores.Release, error) {
	if p.history == nil {
		return nil, newError(ErrorClassConfig, "history", "release history is not configured", nil)
	}
	releases, err := p.history.ListReleases(ctx, limit, 0)
	if err != nil {
		return nil, newError(ErrorClassHistory, "history", "failed to list releases", err)
	}
	return releases, nil
}

// RunDetail is one recorded run with its patch and board outcomes.
type RunDetail struct {
	Release *stores.Release       `json:"release"`
	Patches []*stores.PatchResult `json:"patches"`
	Boards  []*stores.BoardResult `json:"boards"`
}

// Run looks up a recorded run by id.
func (p *Pipeline) Run(ctx context.Context, id string) (*RunDetail, error) {
	if p.history == nil {
		return nil, newError(ErrorClassConfig, "history", "release history is not configured", nil)
	}
	rel, err := p.history.GetRelease(ctx, id)
	if err != nil {
		return nil, newError(ErrorClassHistory, "history", "failed to read run", err)
	}
	detail := &RunDetail{Release: rel}
	if detail.Patches, err = p.history.ListPatchResults(ctx, id); err != nil {
		return nil, newError(ErrorClassHistory, "history", "failed to read patch outcomes", err)
	}
	if detail.Boards, err = p.history.ListBoardResults(ctx, id); err != nil {
		return nil, newError(ErrorClassHistory, "history", "failed to read board outcomes", err)
	}
	return detail, nil
}

// InitProject writes a default configuration to path and creates the
// working directories it names.
func InitProject(path string) (*config.Config, error) {
	if err := config.WriteDefault(path); err != nil {
		return nil, newError(ErrorClassConfig, "init", "failed to write configuration", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, newError(ErrorClassConfig, "init", "failed to load configuration", err)
	}

	dirs := []string{
		cfg.Working.ModifiedDir,
		cfg.Patches.Dir,
		cfg.Boards.VariantsDir,
		cfg.Overlay.StagingDir,
		filepath.Dir(cfg.Archive.Output),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(cfg.Path(d), 0o755); err != nil {
			return nil, newError(ErrorClassConfig, "init", fmt.Sprintf("failed to create %s", d), err)
		}
	}
	return cfg, nil
}

// classifyBaseline maps baseline and patch precondition failures.
func classifyBaseline(stage string, err error) *ReleaseError {
	switch {
	case errors.Is(err, baseline.ErrFetch), errors.Is(err, baseline.ErrUnsafePath):
		return newError(ErrorClassRetrieval, stage, "failed to retrieve baseline", err)
	case errors.Is(err, baseline.ErrVersionMismatch),
		errors.Is(err, baseline.ErrTreeNotFresh),
		errors.Is(err, patch.ErrBaselineMismatch),
		errors.Is(err, patch.ErrUnversioned):
		return newError(ErrorClassBaseline, stage, "baseline precondition failed", err)
	default:
		return newError(ErrorClassRetrieval, stage, "baseline unavailable", err)
	}
}
