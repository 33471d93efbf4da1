package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuild(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"platform.txt":         "name=hub",
		"boards.txt":           "a.name=A",
		"cores/esp32/main.cpp": "int main() {}",
		"variants/a/pins.h":    "#define A",
	})
	dest := filepath.Join(t.TempDir(), "dist", "hub-1.0.zip")

	skipped, err := Build(src, "hub", dest)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %v, want none", skipped)
	}

	entries, err := Entries(dest)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	want := []string{
		"hub/",
		"hub/boards.txt",
		"hub/cores/",
		"hub/cores/esp32/",
		"hub/cores/esp32/main.cpp",
		"hub/platform.txt",
		"hub/variants/",
		"hub/variants/a/",
		"hub/variants/a/pins.h",
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	zr, err := zip.OpenReader(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Modified.Year() != 1980 {
			t.Errorf("%s has timestamp %v", f.Name, f.Modified)
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(dest), ".*tmp*"))
	if len(leftovers) != 0 {
		t.Errorf("temporary files left behind: %v", leftovers)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "b/c.txt": "c"})

	dir := t.TempDir()
	first := filepath.Join(dir, "one.zip")
	second := filepath.Join(dir, "two.zip")
	if _, err := Build(src, "root", first); err != nil {
		t.Fatal(err)
	}
	// Touch a file; modification times must not leak into the archive.
	if err := os.Chtimes(filepath.Join(src, "a.txt"), epoch.AddDate(40, 0, 0), epoch.AddDate(40, 0, 0)); err != nil {
		t.Fatal(err)
	}
	if _, err := Build(src, "root", second); err != nil {
		t.Fatal(err)
	}

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !bytes.Equal(a, b) {
		t.Error("archives of the same tree differ")
	}
}

func TestBuild_RejectsBadRootName(t *testing.T) {
	if _, err := Build(t.TempDir(), "a/b", filepath.Join(t.TempDir(), "x.zip")); err == nil {
		t.Fatal("expected error for root name with separator")
	}
}

func TestBuild_ReportsSymlinks(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"platform.txt": "name=hub", "tools/real.py": "x"})
	if err := os.Symlink("real.py", filepath.Join(src, "tools", "link.py")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink("tools", filepath.Join(src, "alias")); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "hub.zip")
	skipped, err := Build(src, "hub", dest)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if diff := cmp.Diff([]string{"alias", "tools/link.py"}, skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}

	entries, err := Entries(dest)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e, "link.py") || strings.HasPrefix(e, "hub/alias") {
			t.Errorf("symlink %s was archived", e)
		}
	}
}

func TestVerifyStructure(t *testing.T) {
	required := []string{"platform.txt", "boards.txt"}
	dirs := []string{"cores", "variants"}
	valid := []string{
		"hub/",
		"hub/platform.txt",
		"hub/boards.txt",
		"hub/cores/esp32/main.cpp",
		"hub/variants/a/pins.h",
	}

	tests := []struct {
		name    string
		entries []string
		want    Report
	}{
		{
			name:    "valid",
			entries: valid,
			want:    Report{Roots: []string{"hub"}},
		},
		{
			name:    "empty archive",
			entries: nil,
			want:    Report{MissingFiles: required, MissingDirs: dirs},
		},
		{
			name:    "two roots",
			entries: append(append([]string{}, valid...), "other/readme.txt"),
			want:    Report{Roots: []string{"hub", "other"}},
		},
		{
			name:    "missing file",
			entries: []string{"hub/platform.txt", "hub/cores/x", "hub/variants/a/p.h"},
			want:    Report{Roots: []string{"hub"}, MissingFiles: []string{"boards.txt"}},
		},
		{
			name:    "directory entry only",
			entries: []string{"hub/platform.txt", "hub/boards.txt", "hub/cores/x", "hub/variants"},
			want:    Report{Roots: []string{"hub"}, MissingDirs: []string{"variants"}},
		},
		{
			name:    "required file at wrong depth",
			entries: []string{"hub/sub/platform.txt", "hub/boards.txt", "hub/cores/x", "hub/variants/v/x"},
			want:    Report{Roots: []string{"hub"}, MissingFiles: []string{"platform.txt"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VerifyStructure(tt.entries, required, dirs)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("report mismatch (-want +got):\n%s", diff)
			}
			if got.Valid() != (tt.name == "valid") {
				t.Errorf("Valid() = %v", got.Valid())
			}
			if err := got.Err(); got.Valid() != (err == nil) {
				t.Errorf("Err() = %v", err)
			} else if err != nil && !errors.Is(err, ErrStructure) {
				t.Errorf("Err() does not wrap ErrStructure: %v", err)
			}
		})
	}
}

// Adding entries under a second root always invalidates an archive, however
// many other entries are present.
func TestProperty_SecondRootRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("a second root segment is rejected", prop.ForAll(
		func(names []string, other string) bool {
			entries := []string{"hub/platform.txt", "hub/cores/x"}
			for _, n := range names {
				entries = append(entries, "hub/"+n)
			}
			entries = append(entries, "x"+other+"/file")
			report := VerifyStructure(entries, []string{"platform.txt"}, []string{"cores"})
			return !report.Valid() && len(report.Roots) == 2
		},
		gen.SliceOf(gen.Identifier()),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.zip")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := Checksum(path)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if a.Size != 5 {
		t.Errorf("Size = %d", a.Size)
	}
	const sum = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if a.SHA256 != sum {
		t.Errorf("SHA256 = %s", a.SHA256)
	}
	if !strings.HasPrefix(a.IndexChecksum(), "SHA-256:") || !strings.HasSuffix(a.IndexChecksum(), sum) {
		t.Errorf("IndexChecksum = %s", a.IndexChecksum())
	}
}
