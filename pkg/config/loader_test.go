package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hubpack.yaml", `
project:
  name: demo
  root_name: demo-pkg
baseline:
  version: 1.2.3
  url: upstream/core-{version}.zip
  snapshot_dir: working/original
patches:
  dir: patches/{version}
  extensions: [.c]
  title: Patch
  backend: library
  strip: 1
index:
  path: index.json
  indent: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Project.RootName != "demo-pkg" {
		t.Errorf("RootName = %q, want demo-pkg", cfg.Project.RootName)
	}
	if got, want := cfg.Baseline.URL, filepath.Join(dir, "upstream", "core-1.2.3.zip"); got != want {
		t.Errorf("Baseline.URL = %q, want %q", got, want)
	}
	if got, want := cfg.Patches.Dir, filepath.Join(dir, "patches", "1.2.3"); got != want {
		t.Errorf("Patches.Dir = %q, want %q", got, want)
	}
	if len(cfg.Patches.Extensions) != 1 || cfg.Patches.Extensions[0] != ".c" {
		t.Errorf("Extensions = %v, want [.c]", cfg.Patches.Extensions)
	}
	if cfg.Index.Indent != 4 {
		t.Errorf("Indent = %d, want 4", cfg.Index.Indent)
	}
	// Untouched sections keep their defaults.
	if cfg.Boards.Placeholder != "esp32_family" {
		t.Errorf("Placeholder = %q, want esp32_family", cfg.Boards.Placeholder)
	}
	if got, want := cfg.Archive.Output, filepath.Join(dir, "dist", "esp32-hub-1.2.3.zip"); got != want {
		t.Errorf("Archive.Output = %q, want %q", got, want)
	}
	if cfg.Patches.DebounceInterval != 500*time.Millisecond {
		t.Errorf("DebounceInterval = %v", cfg.Patches.DebounceInterval)
	}
}

func TestLoad_TOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "hubpack.toml", `
[baseline]
version = "3.0.7"
url = "https://example.com/core-{version}.zip"
snapshot_dir = "snap"

[patches]
dir = "patches"
extensions = [".cpp", ".h"]
title = "Patch"
backend = "exec"
strip = 1
debounce_interval = "2s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Baseline.URL != "https://example.com/core-3.0.7.zip" {
		t.Errorf("URL = %q", cfg.Baseline.URL)
	}
	if cfg.Baseline.SnapshotDir != filepath.Join(dir, "snap") {
		t.Errorf("SnapshotDir = %q", cfg.Baseline.SnapshotDir)
	}
	if cfg.Patches.DebounceInterval != 2*time.Second {
		t.Errorf("DebounceInterval = %v, want 2s", cfg.Patches.DebounceInterval)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "unknown yaml key",
			file:    "hubpack.yaml",
			content: "projekt:\n  name: x\n",
			wantErr: "failed to parse YAML",
		},
		{
			name:    "unknown toml key",
			file:    "hubpack.toml",
			content: "[baseline]\nverzion = \"1\"\n",
			wantErr: "unknown key",
		},
		{
			name:    "bad backend",
			file:    "hubpack.yaml",
			content: "patches:\n  backend: quilt\n",
			wantErr: "Backend",
		},
		{
			name:    "root name with separator",
			file:    "hubpack.yaml",
			content: "project:\n  name: x\n  root_name: a/b\n",
			wantErr: "RootName",
		},
		{
			name:    "overlay escapes root",
			file:    "hubpack.yaml",
			content: "overlay:\n  files: [../outside.txt]\n",
			wantErr: "must be relative",
		},
		{
			name:    "publish without user",
			file:    "hubpack.yaml",
			content: "publish:\n  host: example.com\n  remote_dir: /srv\n",
			wantErr: "publish.user",
		},
		{
			name:    "otlp without endpoint",
			file:    "hubpack.yaml",
			content: "telemetry:\n  tracing:\n    exporter: otlp\n",
			wantErr: "Endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	path := writeFile(t, t.TempDir(), "hubpack.ini", "x=1\n")
	_, err := Load(path)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Fatal("expected WriteDefault to refuse overwriting")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load of default config failed: %v", err)
	}
	if cfg.Baseline.Version != Default().Baseline.Version {
		t.Errorf("Version = %q", cfg.Baseline.Version)
	}
	if cfg.Boards.VariantsDir != filepath.Join(dir, "variants") {
		t.Errorf("VariantsDir = %q", cfg.Boards.VariantsDir)
	}
}

func TestPath(t *testing.T) {
	cfg := &Config{Root: "/project"}
	if got := cfg.Path("a/b"); got != filepath.Join("/project", "a", "b") {
		t.Errorf("Path(a/b) = %q", got)
	}
	if got := cfg.Path("/abs"); got != "/abs" {
		t.Errorf("Path(/abs) = %q", got)
	}
	if got := cfg.Path(""); got != "" {
		t.Errorf("Path(\"\") = %q", got)
	}
}
