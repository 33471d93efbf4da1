package patch

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DevNull is the name unified diffs use for an absent side.
const DevNull = "/dev/null"

const noNewlineMarker = `\ No newline at end of file`

// ErrMalformed is returned for text that is not a valid unified diff.
var ErrMalformed = errors.New("malformed patch")

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// FileDiff is the unified diff of a single file.
type FileDiff struct {
	OldName string
	NewName string
	Hunks   []Hunk

	// line is the 1-based input line of the "---" header.
	line int
}

// Hunk is one "@@" section of a unified diff.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []HunkLine
}

// HunkLine is one line of a hunk. Text carries its line terminator unless
// the line is the last one of a file without a trailing newline.
type HunkLine struct {
	Kind byte // ' ', '-' or '+'
	Text string
}

// oldSide returns the lines the hunk expects to find.
func (h Hunk) oldSide() []string {
	out := make([]string, 0, h.OldCount)
	for _, l := range h.Lines {
		if l.Kind == ' ' || l.Kind == '-' {
			out = append(out, l.Text)
		}
	}
	return out
}

// newSide returns the lines the hunk leaves behind.
func (h Hunk) newSide() []string {
	out := make([]string, 0, h.NewCount)
	for _, l := range h.Lines {
		if l.Kind == ' ' || l.Kind == '+' {
			out = append(out, l.Text)
		}
	}
	return out
}

// splitLines splits s into lines that keep their "\n" terminator. The last
// element lacks one when s does not end in a newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// ParseUnified parses every file section of a unified diff. Text before the
// first "---" header, such as a comment header, is ignored.
func ParseUnified(text string) ([]FileDiff, error) {
	lines := splitLines(text)
	var files []FileDiff

	for i := 0; i < len(lines); {
		line := strings.TrimRight(lines[i], "\r\n")
		if !strings.HasPrefix(line, "--- ") || i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
			i++
			continue
		}

		fd := FileDiff{
			OldName: headerName(line[4:]),
			NewName: headerName(strings.TrimRight(lines[i+1], "\r\n")[4:]),
			line:    i + 1,
		}
		i += 2

		for i < len(lines) && strings.HasPrefix(lines[i], "@@") {
			h, next, err := parseHunk(lines, i)
			if err != nil {
				return nil, err
			}
			fd.Hunks = append(fd.Hunks, h)
			i = next
		}

		if len(fd.Hunks) == 0 {
			return nil, fmt.Errorf("%w at line %d: no hunks for %s", ErrMalformed, fd.line, fd.NewName)
		}
		files = append(files, fd)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no file sections found", ErrMalformed)
	}
	return files, nil
}

// headerName drops the optional tab-separated timestamp from a file header.
func headerName(s string) string {
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func parseHunk(lines []string, i int) (Hunk, int, error) {
	header := strings.TrimRight(lines[i], "\r\n")
	m := hunkHeaderRe.FindStringSubmatch(header)
	if m == nil {
		return Hunk{}, 0, fmt.Errorf("%w at line %d: %q", ErrMalformed, i+1, header)
	}

	h := Hunk{
		OldStart: atoi(m[1]),
		OldCount: atoiDefault(m[2], 1),
		NewStart: atoi(m[3]),
		NewCount: atoiDefault(m[4], 1),
	}

	oldLeft, newLeft := h.OldCount, h.NewCount
	i++
	for oldLeft > 0 || newLeft > 0 {
		if i >= len(lines) {
			return Hunk{}, 0, fmt.Errorf("%w: unexpected end of hunk at line %d", ErrMalformed, i)
		}
		raw := lines[i]

		if strings.HasPrefix(raw, `\`) {
			if err := dropNewline(&h, i); err != nil {
				return Hunk{}, 0, err
			}
			i++
			continue
		}

		kind := raw[0]
		text := raw[1:]
		if raw == "\n" {
			// Editors strip the lone space of an empty context line.
			kind, text = ' ', "\n"
		}

		switch kind {
		case ' ':
			oldLeft--
			newLeft--
		case '-':
			oldLeft--
		case '+':
			newLeft--
		default:
			return Hunk{}, 0, fmt.Errorf("%w at line %d: %q", ErrMalformed, i+1, strings.TrimRight(raw, "\n"))
		}
		if oldLeft < 0 || newLeft < 0 {
			return Hunk{}, 0, fmt.Errorf("%w at line %d: hunk longer than its header", ErrMalformed, i+1)
		}

		h.Lines = append(h.Lines, HunkLine{Kind: kind, Text: text})
		i++
	}

	if i < len(lines) && strings.HasPrefix(lines[i], `\`) {
		if err := dropNewline(&h, i); err != nil {
			return Hunk{}, 0, err
		}
		i++
	}

	return h, i, nil
}

// dropNewline applies a "\ No newline at end of file" marker to the
// preceding hunk line.
func dropNewline(h *Hunk, i int) error {
	if len(h.Lines) == 0 {
		return fmt.Errorf("%w at line %d: newline marker without a preceding line", ErrMalformed, i+1)
	}
	last := &h.Lines[len(h.Lines)-1]
	last.Text = strings.TrimSuffix(last.Text, "\n")
	return nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	return atoi(s)
}

// hunkOutcome reports how a single hunk applied.
type hunkOutcome struct {
	applied bool
	at      int // 1-based line where the hunk landed or was expected
	offset  int
}

// applyHunks applies hunks to the lines of a file. The returned slice is
// only meaningful when every hunk applied.
func applyHunks(lines []string, hunks []Hunk) ([]string, []hunkOutcome) {
	out := make([]string, 0, len(lines))
	outcomes := make([]hunkOutcome, len(hunks))
	cursor := 0
	offset := 0

	for n, h := range hunks {
		want := h.oldSide()
		expected := h.OldStart - 1
		if h.OldCount == 0 {
			expected = h.OldStart
		}
		expected += offset

		pos := locate(lines, want, expected, cursor)
		if pos < 0 {
			outcomes[n] = hunkOutcome{at: h.OldStart}
			continue
		}

		out = append(out, lines[cursor:pos]...)
		out = append(out, h.newSide()...)
		cursor = pos + len(want)

		delta := pos - expected
		offset += delta
		outcomes[n] = hunkOutcome{applied: true, at: pos + 1, offset: delta}
	}

	out = append(out, lines[cursor:]...)
	return out, outcomes
}

// locate finds want in lines at or after floor, searching outward from
// expected. It returns -1 when there is no exact match.
func locate(lines, want []string, expected, floor int) int {
	limit := len(lines) - len(want)
	if limit < floor {
		return -1
	}
	if expected < floor {
		expected = floor
	}
	if expected > limit {
		expected = limit
	}

	for d := 0; ; d++ {
		lo, hi := expected-d, expected+d
		if lo < floor && hi > limit {
			return -1
		}
		if lo >= floor && matchAt(lines, want, lo) {
			return lo
		}
		if d > 0 && hi <= limit && matchAt(lines, want, hi) {
			return hi
		}
	}
}

func matchAt(lines, want []string, pos int) bool {
	for i, w := range want {
		if lines[pos+i] != w {
			return false
		}
	}
	return true
}

// reversedApplies reports whether every hunk's new side is already present,
// which means the patch was applied before.
func reversedApplies(lines []string, hunks []Hunk) bool {
	cursor := 0
	for _, h := range hunks {
		want := h.newSide()
		if len(want) == 0 {
			return false
		}
		pos := locate(lines, want, h.NewStart-1, cursor)
		if pos < 0 {
			return false
		}
		cursor = pos + len(want)
	}
	return true
}
