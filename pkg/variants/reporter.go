package variants

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Report is the complete outcome of a variant check.
type Report struct {
	BoardCount   int            `json:"boardCount"`
	VariantCount int            `json:"variantCount"`
	Supported    []Supported    `json:"supported"`
	Final        Classification `json:"classification"`
	Sync         *SyncReport    `json:"sync,omitempty"`
	IndexEntries []Board        `json:"boards"`
}

// Supported is a board with a variant, listed with its display name.
type Supported struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewReport assembles a report from the registry, the final store listing
// and the sync outcome, which may be nil when sync was skipped.
func NewReport(reg Registry, store StoreSet, sync *SyncReport) Report {
	final := Reconcile(reg, store)
	r := Report{
		BoardCount:   len(reg),
		VariantCount: len(store),
		Supported:    []Supported{},
		Final:        final,
		Sync:         sync,
		IndexEntries: GenerateIndexEntries(reg, store),
	}
	for _, id := range final.Matched {
		r.Supported = append(r.Supported, Supported{ID: id, Name: reg[id]})
	}
	return r
}

// FormatCLI renders the report for a terminal.
func FormatCLI(r Report) string {
	var sb strings.Builder

	sb.WriteString("\nSupported Boards:\n")
	sb.WriteString("================\n")
	for _, b := range r.Supported {
		fmt.Fprintf(&sb, "  + %s (%s)\n", b.Name, b.ID)
	}

	sb.WriteString("\nBoards vs Variants Analysis\n")
	sb.WriteString("==========================\n")
	fmt.Fprintf(&sb, "\nFound %d boards and %d variant folders\n", r.BoardCount, r.VariantCount)

	notFound := map[string]bool{}
	failed := map[string]error{}
	untried := map[string]bool{}
	if r.Sync != nil {
		if r.Sync.SourceMissing() {
			fmt.Fprintf(&sb, "\nWarning: variant source directory not found at: %s\n", r.Sync.Source)
		}
		if len(r.Sync.Synced) > 0 {
			fmt.Fprintf(&sb, "\nSynced %d variants from ESP32 core:\n", len(r.Sync.Synced))
			for _, id := range r.Sync.Synced {
				fmt.Fprintf(&sb, "  + %s\n", id)
			}
		}
		for _, id := range r.Sync.NotFound {
			notFound[id] = true
		}
		for id, err := range r.Sync.Errors {
			failed[id] = err
		}
		for _, id := range r.Sync.Untried {
			untried[id] = true
		}
	}

	if len(r.Final.Missing) > 0 {
		sb.WriteString("\nBoards still missing variant folders:\n")
		for _, id := range r.Final.Missing {
			switch {
			case notFound[id]:
				fmt.Fprintf(&sb, "  - %s (not found in ESP32 core)\n", id)
			case failed[id] != nil:
				fmt.Fprintf(&sb, "  - %s (copy failed: %v)\n", id, failed[id])
			case untried[id]:
				fmt.Fprintf(&sb, "  - %s (source not available)\n", id)
			default:
				fmt.Fprintf(&sb, "  - %s\n", id)
			}
		}
	}

	if len(r.Final.Orphaned) > 0 {
		sb.WriteString("\nVariant folders without corresponding boards:\n")
		for _, id := range r.Final.Orphaned {
			fmt.Fprintf(&sb, "  - %s\n", id)
		}
	}

	if r.Final.Consistent() {
		sb.WriteString("\nAll boards have matching variant folders!\n")
	}
	return sb.String()
}

// jsonReport adds the stringified sync errors that SyncReport leaves out.
type jsonReport struct {
	Report
	SyncErrors map[string]string `json:"syncErrors,omitempty"`
}

// FormatJSON renders the report as indented JSON.
func FormatJSON(r Report) (string, error) {
	out := jsonReport{Report: r}
	if r.Sync != nil && len(r.Sync.Errors) > 0 {
		out.SyncErrors = make(map[string]string, len(r.Sync.Errors))
		for id, err := range r.Sync.Errors {
			out.SyncErrors[id] = err.Error()
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
