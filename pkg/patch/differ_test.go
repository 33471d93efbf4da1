package patch

import (
	"context"
	"slices"
	"strings"
	"testing"
)

// fakeRunner records commands and returns canned results.
type fakeRunner struct {
	calls  []Command
	result func(Command) CommandResult
}

func (f *fakeRunner) Run(_ context.Context, c Command) (CommandResult, error) {
	f.calls = append(f.calls, c)
	return f.result(c), nil
}

func TestLibraryDiffer_SingleHunk(t *testing.T) {
	d := NewLibraryDiffer()
	got, err := d.Diff(context.Background(), DiffRequest{
		Path: "cores/x.cpp",
		Old:  []byte("a\nb\nc\n"),
		New:  []byte("a\nB\nc\n"),
	})
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}

	want := "--- a/cores/x.cpp\n+++ b/cores/x.cpp\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n"
	if got != want {
		t.Errorf("diff mismatch\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestLibraryDiffer_Identical(t *testing.T) {
	got, err := NewLibraryDiffer().Diff(context.Background(), DiffRequest{Path: "x", Old: []byte("a\n"), New: []byte("a\n")})
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty diff, got %q", got)
	}
}

func TestLibraryDiffer_SeparateHunks(t *testing.T) {
	var oldLines, newLines []string
	for i := 0; i < 20; i++ {
		l := string(rune('a'+i)) + "\n"
		oldLines = append(oldLines, l)
		newLines = append(newLines, l)
	}
	newLines[1] = "CHANGED-1\n"
	newLines[18] = "CHANGED-18\n"

	got, err := NewLibraryDiffer().Diff(context.Background(), DiffRequest{
		Path: "f.h",
		Old:  []byte(strings.Join(oldLines, "")),
		New:  []byte(strings.Join(newLines, "")),
	})
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if n := strings.Count(got, "\n@@ "); n != 2 {
		t.Errorf("expected 2 hunks, got %d:\n%s", n, got)
	}
	if !strings.Contains(got, "@@ -1,5 +1,5 @@") || !strings.Contains(got, "@@ -16,5 +16,5 @@") {
		t.Errorf("unexpected hunk headers:\n%s", got)
	}
}

func TestLibraryDiffer_NoNewlineAtEOF(t *testing.T) {
	got, err := NewLibraryDiffer().Diff(context.Background(), DiffRequest{Path: "x", Old: []byte("a\nb"), New: []byte("a\nc")})
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if strings.Count(got, noNewlineMarker) != 2 {
		t.Errorf("expected two no-newline markers:\n%s", got)
	}

	patched, err := ApplyContent([]byte("a\nb"), got)
	if err != nil {
		t.Fatalf("ApplyContent failed: %v", err)
	}
	if string(patched) != "a\nc" {
		t.Errorf("patched = %q", patched)
	}
}

func TestExecDiffer(t *testing.T) {
	tests := []struct {
		name    string
		result  CommandResult
		want    string
		wantErr bool
	}{
		{"identical", CommandResult{ExitCode: 0}, "", false},
		{"differences", CommandResult{ExitCode: 1, Stdout: "--- a/x\n"}, "--- a/x\n", false},
		{"trouble", CommandResult{ExitCode: 2, Stderr: "diff: boom"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{result: func(Command) CommandResult { return tt.result }}
			d := &ExecDiffer{Runner: runner}

			got, err := d.Diff(context.Background(), DiffRequest{Path: "src/x.cpp", Old: []byte("a"), New: []byte("b")})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}

			args := runner.calls[0].Args
			if runner.calls[0].Name != "diff" || !slices.Contains(args, "a/src/x.cpp") || !slices.Contains(args, "b/src/x.cpp") {
				t.Errorf("unexpected command: %s %v", runner.calls[0].Name, args)
			}
		})
	}
}
