package stores

import (
	"context"
	"time"
)

// ReleaseStatus represents the status of a recorded run.
type ReleaseStatus string

const (
	ReleaseStatusRunning   ReleaseStatus = "running"
	ReleaseStatusSucceeded ReleaseStatus = "succeeded"
	ReleaseStatusFailed    ReleaseStatus = "failed"
)

// Classification values recorded for boards and variant folders.
const (
	BoardMatched  = "matched"
	BoardMissing  = "missing"
	BoardOrphaned = "orphaned"
)

// Release is one recorded pipeline run.
type Release struct {
	ID          string        `json:"id"`
	Version     string        `json:"version"`
	Operation   string        `json:"operation"`
	Status      ReleaseStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	ArchivePath string        `json:"archive_path,omitempty"`
	ArchiveSize int64         `json:"archive_size,omitempty"`
	Checksum    string        `json:"checksum,omitempty"`
	Error       *string       `json:"error,omitempty"`
}

// Completion is what a run knows when it ends.
type Completion struct {
	Status      ReleaseStatus
	ArchivePath string
	ArchiveSize int64
	Checksum    string
	Err         error
}

// PatchResult is the recorded outcome of one patch in a run.
type PatchResult struct {
	ReleaseID   string `json:"release_id"`
	PatchID     string `json:"patch_id"`
	Path        string `json:"path"`
	Outcome     string `json:"outcome"`
	ExitCode    int    `json:"exit_code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// BoardResult is the recorded classification of one board or variant
// folder in a run.
type BoardResult struct {
	ReleaseID      string `json:"release_id"`
	BoardID        string `json:"board_id"`
	Classification string `json:"classification"`
	SyncOutcome    string `json:"sync_outcome,omitempty"`
}

// ReleaseStore records release runs. It is an audit trail only.
type ReleaseStore interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Release operations
	CreateRelease(ctx context.Context, release *Release) error
	CompleteRelease(ctx context.Context, id string, c Completion) error
	GetRelease(ctx context.Context, id string) (*Release, error)
	ListReleases(ctx context.Context, limit, offset int) ([]*Release, error)

	// Outcome operations
	RecordPatchResults(ctx context.Context, releaseID string, results []PatchResult) error
	ListPatchResults(ctx context.Context, releaseID string) ([]*PatchResult, error)
	RecordBoardResults(ctx context.Context, releaseID string, results []BoardResult) error
	ListBoardResults(ctx context.Context, releaseID string) ([]*BoardResult, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
