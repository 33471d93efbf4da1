package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// ErrStructure is wrapped by Report.Err for archives that fail verification.
var ErrStructure = errors.New("archive structure invalid")

// Report is the outcome of structural verification.
type Report struct {
	Roots        []string
	MissingFiles []string
	MissingDirs  []string
}

// Valid reports whether the archive has exactly one root and nothing missing.
func (r Report) Valid() bool {
	return len(r.Roots) == 1 && len(r.MissingFiles) == 0 && len(r.MissingDirs) == 0
}

// Err describes the problems found, or returns nil for a valid report.
func (r Report) Err() error {
	if r.Valid() {
		return nil
	}
	var problems []string
	switch len(r.Roots) {
	case 0:
		problems = append(problems, "no root directory")
	case 1:
	default:
		problems = append(problems, fmt.Sprintf("multiple roots %s", strings.Join(r.Roots, ", ")))
	}
	if len(r.MissingFiles) > 0 {
		problems = append(problems, "missing files "+strings.Join(r.MissingFiles, ", "))
	}
	if len(r.MissingDirs) > 0 {
		problems = append(problems, "missing directories "+strings.Join(r.MissingDirs, ", "))
	}
	return fmt.Errorf("%w: %s", ErrStructure, strings.Join(problems, "; "))
}

// VerifyStructure checks archive entry names. All entries must share one
// top-level segment. Required files are matched verbatim against the path
// below the root and required directories need at least one entry that
// starts with dir + "/".
func VerifyStructure(entries, requiredFiles, requiredDirs []string) Report {
	roots := make(map[string]struct{})
	inner := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		e = strings.TrimPrefix(e, "/")
		if e == "" {
			continue
		}
		root, rest, _ := strings.Cut(e, "/")
		roots[root] = struct{}{}
		if rest != "" {
			inner[rest] = struct{}{}
		}
	}

	var report Report
	for r := range roots {
		report.Roots = append(report.Roots, r)
	}
	sort.Strings(report.Roots)

	for _, f := range requiredFiles {
		if _, ok := inner[f]; !ok {
			report.MissingFiles = append(report.MissingFiles, f)
		}
	}

	for _, d := range requiredDirs {
		prefix := strings.TrimSuffix(d, "/") + "/"
		found := false
		for name := range inner {
			if strings.HasPrefix(name, prefix) {
				found = true
				break
			}
		}
		if !found {
			report.MissingDirs = append(report.MissingDirs, d)
		}
	}
	return report
}

// Verify lists the entries of the zip at path and checks their structure.
func Verify(path string, requiredFiles, requiredDirs []string) (Report, error) {
	entries, err := Entries(path)
	if err != nil {
		return Report{}, err
	}
	return VerifyStructure(entries, requiredFiles, requiredDirs), nil
}

// Artifact is a verified archive with its size and digest.
type Artifact struct {
	Path   string
	Size   int64
	SHA256 string
}

// IndexChecksum is the checksum in package index form.
func (a Artifact) IndexChecksum() string {
	return "SHA-256:" + a.SHA256
}

// Checksum computes the size and SHA-256 of the file at path.
func Checksum(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to hash archive: %w", err)
	}
	return Artifact{Path: path, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}
