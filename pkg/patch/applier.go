package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// ApplyRequest asks for one patch to be applied to a directory tree.
type ApplyRequest struct {
	Dir   string
	Strip int
	Patch []byte
}

// ApplyOutput is what the applier printed and its exit status, following
// patch(1): 0 success, 1 some hunks failed, 2 serious trouble.
type ApplyOutput struct {
	Output   string
	ExitCode int
}

// Applier applies a unified diff to a tree. The error is reserved for an
// applier that could not run; patch-level failures are reported through
// ApplyOutput.
type Applier interface {
	Apply(ctx context.Context, req ApplyRequest) (ApplyOutput, error)
}

// ExecApplier shells out to patch(1).
type ExecApplier struct {
	Runner Runner
	Binary string
}

// Apply feeds the patch to patch -p<strip> on stdin.
func (a *ExecApplier) Apply(ctx context.Context, req ApplyRequest) (ApplyOutput, error) {
	binary := a.Binary
	if binary == "" {
		binary = "patch"
	}
	runner := a.Runner
	if runner == nil {
		runner = ExecRunner{}
	}

	res, err := runner.Run(ctx, Command{
		Name: binary,
		Args: []string{
			"-p" + strconv.Itoa(req.Strip),
			"--batch",
			"--forward",
			"--no-backup-if-mismatch",
			"-d", req.Dir,
		},
		Stdin: req.Patch,
	})
	if err != nil {
		return ApplyOutput{Output: res.Output()}, err
	}
	return ApplyOutput{Output: res.Output(), ExitCode: res.ExitCode}, nil
}

// LibraryApplier applies unified diffs in-process. Hunks must match
// exactly but may land at an offset. A file is written only when all of
// its hunks apply.
type LibraryApplier struct{}

// Apply applies every file section of req.Patch under req.Dir.
func (LibraryApplier) Apply(_ context.Context, req ApplyRequest) (ApplyOutput, error) {
	var out strings.Builder

	files, err := ParseUnified(string(req.Patch))
	if err != nil {
		fmt.Fprintf(&out, "patch: **** %v\n", err)
		return ApplyOutput{Output: out.String(), ExitCode: 2}, nil
	}

	exit := 0
	for _, fd := range files {
		code, err := applyFile(&out, req, fd)
		if err != nil {
			return ApplyOutput{Output: out.String(), ExitCode: 2}, err
		}
		exit = max(exit, code)
	}
	return ApplyOutput{Output: out.String(), ExitCode: exit}, nil
}

func applyFile(out *strings.Builder, req ApplyRequest, fd FileDiff) (int, error) {
	creating := fd.OldName == DevNull
	deleting := fd.NewName == DevNull

	name := fd.OldName
	if creating {
		name = fd.NewName
	}
	rel, ok := stripPath(name, req.Strip)
	if !ok {
		fmt.Fprintf(out, "can't find file to patch at input line %d\n", fd.line)
		fmt.Fprintf(out, "No file to patch.  Skipping patch.\n")
		return 1, nil
	}
	target := filepath.Join(req.Dir, filepath.FromSlash(rel))

	var lines []string
	perm := fs.FileMode(0o644)
	data, err := os.ReadFile(target)
	switch {
	case err == nil:
		lines = splitLines(string(data))
		if info, statErr := os.Stat(target); statErr == nil {
			perm = info.Mode().Perm()
		}
	case errors.Is(err, fs.ErrNotExist) && creating:
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintf(out, "can't find file to patch at input line %d\n", fd.line)
		fmt.Fprintf(out, "No such file: %s\n", rel)
		fmt.Fprintf(out, "No file to patch.  Skipping patch.\n")
		return 1, nil
	default:
		return 2, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	fmt.Fprintf(out, "patching file %s\n", rel)

	result, outcomes := applyHunks(lines, fd.Hunks)
	failed := 0
	for n, o := range outcomes {
		if !o.applied {
			failed++
			continue
		}
		if o.offset != 0 {
			fmt.Fprintf(out, "Hunk #%d succeeded at %d (offset %d line%s).\n", n+1, o.at, o.offset, plural(o.offset))
		}
	}

	if failed == len(outcomes) && reversedApplies(lines, fd.Hunks) {
		fmt.Fprintf(out, "Reversed (or previously applied) patch detected!  Skipping patch.\n")
		fmt.Fprintf(out, "%d out of %d hunk%s ignored\n", failed, len(outcomes), plural(len(outcomes)))
		return 1, nil
	}

	if failed > 0 {
		for n, o := range outcomes {
			if !o.applied {
				fmt.Fprintf(out, "Hunk #%d FAILED at %d.\n", n+1, o.at)
			}
		}
		fmt.Fprintf(out, "%d out of %d hunk%s FAILED -- %s left unchanged\n", failed, len(outcomes), plural(len(outcomes)), rel)
		return 1, nil
	}

	content := strings.Join(result, "")
	if deleting && content == "" {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 2, fmt.Errorf("failed to remove %s: %w", rel, err)
		}
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 2, err
	}
	if err := os.WriteFile(target, []byte(content), perm); err != nil {
		return 2, fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return 0, nil
}

// ApplyContent applies a single-file patch to content in memory.
func ApplyContent(content []byte, patchText string) ([]byte, error) {
	files, err := ParseUnified(patchText)
	if err != nil {
		return nil, err
	}
	if len(files) != 1 {
		return nil, fmt.Errorf("%w: expected one file section, found %d", ErrMalformed, len(files))
	}

	result, outcomes := applyHunks(splitLines(string(content)), files[0].Hunks)
	for n, o := range outcomes {
		if !o.applied {
			return nil, fmt.Errorf("hunk #%d FAILED at %d", n+1, o.at)
		}
	}
	return []byte(strings.Join(result, "")), nil
}

// stripPath removes the first n slash-separated components of name.
func stripPath(name string, n int) (string, bool) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "/")
	parts := strings.Split(name, "/")
	if n >= len(parts) {
		return "", false
	}
	rel := path.Clean(strings.Join(parts[n:], "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

func plural(n int) string {
	if n == 1 || n == -1 {
		return ""
	}
	return "s"
}
