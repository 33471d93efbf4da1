package policy

import "time"

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but never blocks a release.
	SeverityWarning Severity = "warning"

	// SeverityError blocks a release.
	SeverityError Severity = "error"

	// SeverityCritical blocks a release.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the release.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module with its gate metadata.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy module. Violations are collected from its
	// deny set.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`

	// Builtin marks the policies hubpack always evaluates. Their names
	// cannot be reused by project policies.
	Builtin bool `json:"builtin"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	// Subject names what the violation is about, such as a patch or board id.
	Subject string `json:"subject,omitempty"`
}

// Decision is the outcome of gating one release.
type Decision struct {
	// Allowed is false when any error or critical violation exists.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Failures lists policies that could not be evaluated.
	Failures []string `json:"failures,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// ReleaseInput is the document policies see as input.
type ReleaseInput struct {
	Version   string          `json:"version"`
	Operation string          `json:"operation"`
	Patches   PatchInput      `json:"patches"`
	Boards    *BoardsInput    `json:"boards,omitempty"`
	Sync      *SyncInput      `json:"sync,omitempty"`
	Structure *StructureInput `json:"structure,omitempty"`
	Failed    []FailedPatch   `json:"failed_patches,omitempty"`
}

// PatchInput summarizes patch application.
type PatchInput struct {
	Total   int `json:"total"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// FailedPatch identifies a patch that did not apply.
type FailedPatch struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// BoardsInput is the board/variant classification.
type BoardsInput struct {
	Matched  []string `json:"matched"`
	Missing  []string `json:"missing"`
	Orphaned []string `json:"orphaned"`
}

// SyncInput summarizes a variant sync.
type SyncInput struct {
	Synced   []string `json:"synced"`
	NotFound []string `json:"not_found"`
	Errors   []string `json:"errors"`
	Untried  []string `json:"untried"`
}

// StructureInput is an archive structural verification report.
type StructureInput struct {
	Valid        bool     `json:"valid"`
	Roots        []string `json:"roots"`
	MissingFiles []string `json:"missing_files"`
	MissingDirs  []string `json:"missing_dirs"`
}
