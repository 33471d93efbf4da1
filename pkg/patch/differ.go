package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ContextLines is the number of unchanged lines around each hunk.
const ContextLines = 3

// DiffRequest asks for the unified diff of one file.
type DiffRequest struct {
	// Path is the slash-separated path relative to the tree root. It
	// produces the a/<Path> and b/<Path> labels.
	Path string
	Old  []byte
	New  []byte
}

// Differ produces a unified diff body. An empty body means the contents
// are identical.
type Differ interface {
	Diff(ctx context.Context, req DiffRequest) (string, error)
}

// ExecDiffer shells out to diff(1).
type ExecDiffer struct {
	Runner Runner
	Binary string
}

// Diff writes both sides to a scratch directory and runs diff -u on them.
func (d *ExecDiffer) Diff(ctx context.Context, req DiffRequest) (string, error) {
	tmp, err := os.MkdirTemp("", "hubpack-diff-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)

	oldPath := filepath.Join(tmp, "old")
	newPath := filepath.Join(tmp, "new")
	if err := os.WriteFile(oldPath, req.Old, 0o644); err != nil {
		return "", err
	}
	if err := os.WriteFile(newPath, req.New, 0o644); err != nil {
		return "", err
	}

	binary := d.Binary
	if binary == "" {
		binary = "diff"
	}
	runner := d.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	res, err := runner.Run(ctx, Command{
		Name: binary,
		Args: []string{"-u", "--label", "a/" + req.Path, "--label", "b/" + req.Path, oldPath, newPath},
	})
	if err != nil {
		return "", err
	}

	// diff exits 0 for identical input, 1 for differences, anything else on trouble.
	switch res.ExitCode {
	case 0:
		return "", nil
	case 1:
		return res.Stdout, nil
	default:
		return "", fmt.Errorf("diff %s exited with status %d: %s", req.Path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
}

// LibraryDiffer computes unified diffs in-process with go-diff.
type LibraryDiffer struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewLibraryDiffer creates a differ tuned for line-oriented source diffs.
func NewLibraryDiffer() *LibraryDiffer {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0
	return &LibraryDiffer{dmp: dmp}
}

type lineOp struct {
	kind byte
	text string
}

// Diff computes the unified diff of req.
func (d *LibraryDiffer) Diff(_ context.Context, req DiffRequest) (string, error) {
	oldText, newText := string(req.Old), string(req.New)
	if oldText == newText {
		return "", nil
	}

	a, b, lineArray := d.dmp.DiffLinesToChars(oldText, newText)
	diffs := d.dmp.DiffMain(a, b, false)
	diffs = d.dmp.DiffCharsToLines(diffs, lineArray)

	var ops []lineOp
	for _, df := range diffs {
		var kind byte
		switch df.Type {
		case diffmatchpatch.DiffEqual:
			kind = ' '
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		}
		for _, l := range splitLines(df.Text) {
			ops = append(ops, lineOp{kind: kind, text: l})
		}
	}

	var sb strings.Builder
	sb.WriteString("--- a/" + req.Path + "\n")
	sb.WriteString("+++ b/" + req.Path + "\n")
	writeHunks(&sb, ops, ContextLines)
	return sb.String(), nil
}

// writeHunks groups line operations into hunks with ctx lines of context.
// Changes separated by at most 2*ctx unchanged lines share a hunk.
func writeHunks(sb *strings.Builder, ops []lineOp, ctx int) {
	// oldBefore[i] and newBefore[i] count the lines of each side before ops[i].
	oldBefore := make([]int, len(ops)+1)
	newBefore := make([]int, len(ops)+1)
	for i, op := range ops {
		oldBefore[i+1] = oldBefore[i]
		newBefore[i+1] = newBefore[i]
		if op.kind != '+' {
			oldBefore[i+1]++
		}
		if op.kind != '-' {
			newBefore[i+1]++
		}
	}

	floor := 0
	for i := 0; i < len(ops); {
		for i < len(ops) && ops[i].kind == ' ' {
			i++
		}
		if i == len(ops) {
			return
		}

		start := max(i-ctx, floor)
		end := i
		for {
			for end < len(ops) && ops[end].kind != ' ' {
				end++
			}
			j := end
			for j < len(ops) && ops[j].kind == ' ' {
				j++
			}
			if j < len(ops) && j-end <= 2*ctx {
				end = j
				continue
			}
			end = min(end+ctx, j)
			break
		}

		oldCount := oldBefore[end] - oldBefore[start]
		newCount := newBefore[end] - newBefore[start]
		fmt.Fprintf(sb, "@@ -%s +%s @@\n",
			hunkRange(oldBefore[start], oldCount),
			hunkRange(newBefore[start], newCount))

		for _, op := range ops[start:end] {
			sb.WriteByte(op.kind)
			sb.WriteString(op.text)
			if !strings.HasSuffix(op.text, "\n") {
				sb.WriteString("\n" + noNewlineMarker + "\n")
			}
		}

		floor = end
		i = end
	}
}

// hunkRange formats one side of a hunk header the way GNU diff does.
func hunkRange(before, count int) string {
	switch count {
	case 0:
		return fmt.Sprintf("%d,0", before)
	case 1:
		return fmt.Sprintf("%d", before+1)
	default:
		return fmt.Sprintf("%d,%d", before+1, count)
	}
}
