package index

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hubpack/hubpack/pkg/archive"
	"github.com/hubpack/hubpack/pkg/variants"
)

const sampleIndex = `{
  "packages": [
    {
      "name": "esp32-hub",
      "maintainer": "Hub <hub@example.com>",
      "websiteURL": "https://example.com/?a=1&b=2",
      "platforms": [
        {
          "name": "ESP32 Hub",
          "architecture": "esp32",
          "version": "3.0.7",
          "url": "https://example.com/esp32-hub-3.0.7.zip",
          "size": "1",
          "checksum": "SHA-256:0000000000000000000000000000000000000000000000000000000000000000",
          "boards": [{"name": "Old"}],
          "toolsDependencies": [],
          "x-custom": {"z": 1, "a": [true, null, 1.50]}
        }
      ],
      "tools": []
    }
  ]
}
`

var sampleArtifact = &archive.Artifact{
	Path:   "dist/esp32-hub-3.0.7.zip",
	Size:   4096,
	SHA256: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
}

func writeIndex(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "package_index.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseMarshal_PreservesOrderAndText(t *testing.T) {
	doc, err := Parse([]byte(sampleIndex))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	out, err := doc.Marshal(2)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got := string(out)

	for _, want := range []string{
		`"websiteURL": "https://example.com/?a=1&b=2"`,
		`"z": 1,`,
		`1.50`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, `"maintainer"`) > strings.Index(got, `"platforms"`) {
		t.Error("key order not preserved")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"malformed", `{"packages": [`},
		{"array top level", `[]`},
		{"trailing data", `{} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.input)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	path := writeIndex(t, sampleIndex)

	err := Update(path, 2, Patch{
		Artifact: sampleArtifact,
		Boards:   []variants.Board{{Name: "Board A"}, {Name: "Board B"}},
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	platform, err := doc.Platform()
	if err != nil {
		t.Fatal(err)
	}

	if size, _ := platform.Get("size"); size != "4096" {
		t.Errorf("size = %v", size)
	}
	if sum, _ := platform.Get("checksum"); sum != sampleArtifact.IndexChecksum() {
		t.Errorf("checksum = %v", sum)
	}
	if url, _ := platform.Get("url"); url != "https://example.com/esp32-hub-3.0.7.zip" {
		t.Errorf("unrelated field changed: url = %v", url)
	}

	wantKeys := []string{"name", "architecture", "version", "url", "size", "checksum", "boards", "toolsDependencies", "x-custom"}
	if diff := cmp.Diff(wantKeys, platform.Keys()); diff != "" {
		t.Errorf("platform keys (-want +got):\n%s", diff)
	}

	raw, _ := os.ReadFile(path)
	var decoded struct {
		Packages []struct {
			Platforms []struct {
				Boards []variants.Board `json:"boards"`
			} `json:"platforms"`
		} `json:"packages"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("written index is not JSON: %v", err)
	}
	want := []variants.Board{{Name: "Board A"}, {Name: "Board B"}}
	if diff := cmp.Diff(want, decoded.Packages[0].Platforms[0].Boards); diff != "" {
		t.Errorf("boards (-want +got):\n%s", diff)
	}
}

func TestUpdate_OnlySuppliedFields(t *testing.T) {
	path := writeIndex(t, sampleIndex)

	if err := Update(path, 2, Patch{Artifact: sampleArtifact}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	doc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	platform, _ := doc.Platform()
	boards, _ := platform.Get("boards")
	arr, ok := boards.([]any)
	if !ok || len(arr) != 1 {
		t.Fatalf("boards changed: %v", boards)
	}
	if name, _ := arr[0].(*Object).Get("name"); name != "Old" {
		t.Errorf("boards[0].name = %v", name)
	}
}

func TestUpdate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"malformed", `{"packages": [`, nil},
		{"no platforms", `{"packages": [{"name": "x", "platforms": []}]}`, ErrStructure},
		{"no packages", `{"other": true}`, ErrStructure},
		{"schema violation", `{"packages": [{"platforms": [{"toolsDependencies": [{"name": "x"}]}]}]}`, ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeIndex(t, tt.content)
			err := Update(path, 2, Patch{Artifact: sampleArtifact, Boards: []variants.Board{{Name: "A"}}})

			var uerr *UpdateError
			if !errors.As(err, &uerr) {
				t.Fatalf("expected *UpdateError, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}

			var fallback map[string]any
			if err := json.Unmarshal(uerr.Fallback, &fallback); err != nil {
				t.Fatalf("fallback is not JSON: %v\n%s", err, uerr.Fallback)
			}
			if fallback["size"] != "4096" || fallback["checksum"] != sampleArtifact.IndexChecksum() {
				t.Errorf("fallback = %v", fallback)
			}
			if _, ok := fallback["boards"]; !ok {
				t.Errorf("fallback missing boards: %v", fallback)
			}

			after, _ := os.ReadFile(path)
			if string(after) != tt.content {
				t.Error("index modified despite failure")
			}
		})
	}
}

func TestUpdate_KeepsOlderPlatforms(t *testing.T) {
	content := `{"packages": [{"name": "hub", "platforms": [
  {"version": "2", "size": "0", "boards": []},
  {"version": "1", "size": 1024, "checksum": "MD5:0123"}
]}]}`
	path := writeIndex(t, content)
	if err := Update(path, 2, Patch{Artifact: sampleArtifact}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	doc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	platform, _ := doc.Platform()
	if size, _ := platform.Get("size"); size != "4096" {
		t.Errorf("size = %v", size)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `"checksum": "MD5:0123"`) {
		t.Errorf("older platform rewritten:\n%s", data)
	}
}

func TestUpdate_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	err := Update(path, 2, Patch{Artifact: sampleArtifact})

	var uerr *UpdateError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected *UpdateError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist cause, got %v", err)
	}
	if len(uerr.Fallback) == 0 {
		t.Error("empty fallback")
	}
}

func TestUpdate_CompactIndent(t *testing.T) {
	path := writeIndex(t, sampleIndex)
	if err := Update(path, 0, Patch{Artifact: sampleArtifact}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.Count(string(data), "\n") != 1 {
		t.Errorf("expected a single line, got:\n%s", data)
	}
}

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}

	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"minimal", `{"packages": [{"platforms": [{}]}]}`, true},
		{"unknown fields kept open", `{"x": 1, "packages": [{"y": 2, "platforms": [{"z": 3}]}]}`, true},
		{"numeric size", `{"packages": [{"platforms": [{"size": 12}]}]}`, false},
		{"bad checksum", `{"packages": [{"platforms": [{"checksum": "md5:abc"}]}]}`, false},
		{"empty platforms", `{"packages": [{"platforms": []}]}`, false},
		{"dependency without version", `{"packages": [{"platforms": [{"toolsDependencies": [{"packager": "a", "name": "b"}]}]}]}`, false},
		{"older platform left as written", `{"packages": [{"platforms": [{}, {"size": 12, "checksum": "MD5:abc"}]}]}`, true},
		{"second package left as written", `{"packages": [{"platforms": [{}]}, {"platforms": []}]}`, true},
		{"tools of the first package", `{"packages": [{"platforms": [{}], "tools": [{"name": "x"}]}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate([]byte(tt.input))
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

const upstreamIndex = `{
  "packages": [{
    "name": "esp32",
    "platforms": [
      {"version": "3.0.6", "toolsDependencies": []},
      {"version": "3.0.7", "toolsDependencies": [
        {"packager": "esp32", "name": "xtensa-gcc", "version": "12.2"},
        {"packager": "esp32", "name": "xtensa-gcc", "version": "12.2"},
        {"packager": "arduino", "name": "ctags", "version": "5.8"},
        {"packager": "esp32", "name": "esptool", "version": "4.6"}
      ]}
    ],
    "tools": [
      {"name": "xtensa-gcc", "version": "11.0", "systems": []},
      {"name": "xtensa-gcc", "version": "12.2", "systems": [{"host": "x86_64-pc-linux-gnu"}]},
      {"name": "ctags", "version": "5.8", "systems": []}
    ]
  }]
}`

func TestFindTools(t *testing.T) {
	doc, err := Parse([]byte(upstreamIndex))
	if err != nil {
		t.Fatal(err)
	}

	set, err := FindTools(doc, "3.0.7", "esp32-hub", []string{"arduino"})
	if err != nil {
		t.Fatalf("FindTools failed: %v", err)
	}

	var packagers, names []string
	for _, d := range set.Dependencies {
		obj := d.(*Object)
		packagers = append(packagers, stringField(obj, "packager"))
		names = append(names, stringField(obj, "name"))
	}
	if diff := cmp.Diff([]string{"xtensa-gcc", "ctags", "esptool"}, names); diff != "" {
		t.Errorf("dependency names (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"esp32-hub", "arduino", "esp32-hub"}, packagers); diff != "" {
		t.Errorf("packagers (-want +got):\n%s", diff)
	}

	if len(set.Definitions) != 1 || stringField(set.Definitions[0].(*Object), "version") != "12.2" {
		t.Errorf("definitions = %v", set.Definitions)
	}
	if diff := cmp.Diff([]string{"esptool@4.6"}, set.MissingDefinitions); diff != "" {
		t.Errorf("missing definitions (-want +got):\n%s", diff)
	}

	// The upstream document itself is never modified.
	platform, _ := findPlatform(mustPackage(t, doc), "3.0.7")
	deps, _ := arrayField(platform, "toolsDependencies")
	if stringField(deps[0].(*Object), "packager") != "esp32" {
		t.Error("upstream dependency was rewritten in place")
	}
}

func TestFindTools_MissingPlatform(t *testing.T) {
	doc, err := Parse([]byte(upstreamIndex))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := FindTools(doc, "9.9.9", "esp32-hub", nil); !errors.Is(err, ErrPlatformNotFound) {
		t.Fatalf("expected ErrPlatformNotFound, got %v", err)
	}
}

func TestToolsUpdate_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(upstreamIndex))
	}))
	defer srv.Close()

	upstream, err := FetchUpstream(context.Background(), srv.URL+"/package_esp32_index.json")
	if err != nil {
		t.Fatalf("FetchUpstream failed: %v", err)
	}
	set, err := FindTools(upstream, "3.0.7", "esp32-hub", []string{"arduino"})
	if err != nil {
		t.Fatal(err)
	}

	path := writeIndex(t, sampleIndex)
	if err := Update(path, 4, Patch{ToolsDependencies: set.Dependencies, Tools: set.Definitions}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	doc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	platform, _ := doc.Platform()
	deps, _ := arrayField(platform, "toolsDependencies")
	if len(deps) != 3 {
		t.Errorf("toolsDependencies = %d entries", len(deps))
	}
	tools, _ := arrayField(mustPackage(t, doc), "tools")
	if len(tools) != 1 {
		t.Errorf("tools = %d entries", len(tools))
	}
	if size, _ := platform.Get("size"); size != "1" {
		t.Errorf("size changed to %v", size)
	}
}

func mustPackage(t *testing.T, doc *Document) *Object {
	t.Helper()
	pkg, err := doc.Package()
	if err != nil {
		t.Fatal(err)
	}
	return pkg
}
