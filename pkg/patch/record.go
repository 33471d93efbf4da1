package patch

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hubpack/hubpack/pkg/fsutil"
)

// Extension is the file suffix of a serialized patch.
const Extension = ".patch"

// Header is the comment block that precedes every diff body. Its lines start
// with '#' so patch(1) ignores them.
type Header struct {
	Title           string
	Purpose         string
	CreatedAt       time.Time
	BaselineVersion string
}

// Record is one patch artifact. Several records may target the same
// RelativePath; Seq orders them.
type Record struct {
	ID           string
	Seq          int
	RelativePath string
	Header       Header
	Body         string

	// raw is the file content as read from disk, kept for Verify.
	raw []byte
}

// PatchID derives the deterministic identifier of the seq-th patch for rel.
// "cores/esp32/main.cpp" with seq 1 becomes "001-cores-esp32-main.cpp".
func PatchID(seq int, rel string) string {
	rel = filepath.ToSlash(rel)
	dir, file := path.Split(rel)
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return fmt.Sprintf("%03d-%s", seq, file)
	}
	return fmt.Sprintf("%03d-%s-%s", seq, strings.ReplaceAll(dir, "/", "-"), file)
}

// FileName is the on-disk name of the record.
func (r *Record) FileName() string {
	return r.ID + Extension
}

// Bytes serializes the header followed by the diff body.
func (r *Record) Bytes() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s for %s\n", r.Header.Title, r.RelativePath)
	fmt.Fprintf(&b, "# Generated: %s\n", r.Header.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "# Purpose: %s\n", r.Header.Purpose)
	fmt.Fprintf(&b, "# Baseline: %s\n", r.Header.BaselineVersion)
	b.WriteString("#\n")
	b.WriteString(r.Body)
	return b.Bytes()
}

// Parse reads a serialized record whose header was written with title. It
// is lenient: missing header lines leave their fields empty, and the target
// path falls back to the first file header of the diff body. Verify reports
// header problems.
func Parse(id, title string, data []byte) (*Record, error) {
	rec := &Record{ID: id, Seq: seqFromID(id), raw: data}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	offset := 0
	first := true
	var titleLine string
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "#") {
			break
		}
		offset += len(line) + 1

		text := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		switch {
		case first:
			titleLine = text
		case strings.HasPrefix(text, "Generated:"):
			ts := strings.TrimSpace(strings.TrimPrefix(text, "Generated:"))
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				rec.Header.CreatedAt = t
			}
		case strings.HasPrefix(text, "Purpose:"):
			rec.Header.Purpose = strings.TrimSpace(strings.TrimPrefix(text, "Purpose:"))
		case strings.HasPrefix(text, "Baseline:"):
			rec.Header.BaselineVersion = strings.TrimSpace(strings.TrimPrefix(text, "Baseline:"))
		}
		first = false
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read patch %s: %w", id, err)
	}

	if offset > len(data) {
		offset = len(data)
	}
	rec.Body = string(data[offset:])

	var bodyPath string
	if files, err := ParseUnified(rec.Body); err == nil {
		bodyPath, _ = stripPath(files[0].NewName, 1)
	}
	rec.Header.Title, rec.RelativePath = splitTitleLine(titleLine, title, bodyPath)
	if rec.RelativePath == "" {
		rec.RelativePath = bodyPath
	}
	return rec, nil
}

// splitTitleLine separates "<title> for <path>". A line that starts with the
// configured title splits right after it. Any other line splits at the
// " for " whose remainder is the diff body path, or at the first " for ".
func splitTitleLine(line, title, bodyPath string) (string, string) {
	const sep = " for "
	if title != "" && strings.HasPrefix(line, title+sep) {
		return title, strings.TrimSpace(line[len(title)+len(sep):])
	}
	if bodyPath != "" && strings.HasSuffix(line, sep+bodyPath) {
		return line[:len(line)-len(sep+bodyPath)], bodyPath
	}
	if i := strings.Index(line, sep); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+len(sep):])
	}
	return "", ""
}

// seqFromID reads the leading digits of an identifier. Identifiers without
// a numeric prefix sort as sequence 1.
func seqFromID(id string) int {
	end := 0
	for end < len(id) && id[end] >= '0' && id[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(id[:end])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Load reads every *.patch file in dir, sorted by name, parsing headers
// written with title. A missing directory yields an empty set.
func Load(dir, title string) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read patch directory: %w", err)
	}

	var records []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read patch %s: %w", e.Name(), err)
		}
		rec, err := Parse(strings.TrimSuffix(e.Name(), Extension), title, data)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	Sort(records)
	return records, nil
}

// Write stores records as <ID>.patch files in dir, creating it if needed.
func Write(dir string, records []Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create patch directory: %w", err)
	}
	for i := range records {
		r := &records[i]
		if err := fsutil.WriteFileAtomic(filepath.Join(dir, r.FileName()), r.Bytes(), 0o644); err != nil {
			return fmt.Errorf("failed to write patch %s: %w", r.ID, err)
		}
	}
	return nil
}

// Sort orders records lexicographically by ID, the application order.
func Sort(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
}
