package commands

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/hubpack/hubpack/pkg/config"
	"github.com/hubpack/hubpack/pkg/pipeline"
	"github.com/hubpack/hubpack/pkg/publish"
	"github.com/hubpack/hubpack/pkg/stores"
)

// run executes the command tree with args and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runWith(t, nil, args...)
}

// runWith is run with extra pipeline options.
func runWith(t *testing.T, opts []pipeline.Option, args ...string) (string, error) {
	t.Helper()

	a := &app{version: "test", opts: opts}
	cmd := newRootCommand(a, "test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	if cerr := a.close(); cerr != nil {
		t.Errorf("close: %v", cerr)
	}
	return out.String(), err
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubpack.yaml")

	out, err := run(t, "init", "--config", path)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "Wrote "+path) {
		t.Errorf("output does not mention the config file:\n%s", out)
	}
	for _, d := range []string{"working/modified", "patches/3.0.7", "variants", "build", "dist"} {
		if _, err := os.Stat(filepath.Join(dir, d)); err != nil {
			t.Errorf("directory %s not created: %v", d, err)
		}
	}

	if _, err := run(t, "init", "--config", path); err == nil {
		t.Error("second init should refuse to overwrite the configuration")
	}
}

func TestPatchesVerifyCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubpack.yaml")
	if _, err := run(t, "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}

	if _, err := run(t, "patches", "verify", "--config", path); err != nil {
		t.Fatalf("verify with no patches: %v", err)
	}

	bad := filepath.Join(dir, "patches", "3.0.7", "001-cores-esp32-main.cpp.patch")
	if err := os.WriteFile(bad, []byte("--- a/cores/esp32/main.cpp\n+++ b/cores/esp32/main.cpp\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "patches", "verify", "--config", path)
	if err == nil {
		t.Fatal("verify should fail on a patch without a header")
	}
	if !strings.Contains(out, "✗ 001-cores-esp32-main.cpp") {
		t.Errorf("malformed patch not listed:\n%s", out)
	}
}

func TestHistoryCommand_Disabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubpack.yaml")
	if _, err := run(t, "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}

	_, err := run(t, "history", "--config", path)
	if pipeline.ClassOf(err) != pipeline.ErrorClassConfig {
		t.Fatalf("history without a database: got %v, want a config error", err)
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "prepare", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing configuration file")
	}
}

func TestTelemetryConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Root = "/project"
	cfg.Telemetry.Metrics.Textfile = "/project/metrics.prom"
	cfg.Telemetry.Logging.Level = "warn"

	t.Setenv("LOG_LEVEL", "")
	tc := telemetryConfig(cfg, "1.2.3")
	if tc.Logging.Level != "warn" {
		t.Errorf("level = %s, want warn", tc.Logging.Level)
	}
	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("service version = %s", tc.ServiceVersion)
	}
	if tc.Metrics.Textfile != "/project/metrics.prom" || tc.Metrics.Namespace != "hubpack" {
		t.Errorf("metrics = %+v", tc.Metrics)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("mapped config invalid: %v", err)
	}

	t.Setenv("LOG_LEVEL", "debug")
	if got := telemetryConfig(cfg, "1.2.3").Logging.Level; got != "debug" {
		t.Errorf("LOG_LEVEL override: level = %s, want debug", got)
	}

	t.Setenv("LOG_LEVEL", "loud")
	if got := telemetryConfig(cfg, "1.2.3").Logging.Level; got != "warn" {
		t.Errorf("invalid LOG_LEVEL should be ignored, level = %s", got)
	}
}

// memorySFTP uploads into remoteDir through an SFTP server on a pipe.
func memorySFTP(remoteDir string) *publish.Publisher {
	open := func(ctx context.Context) (*publish.Session, error) {
		clientRead, serverWrite := io.Pipe()
		serverRead, clientWrite := io.Pipe()
		server, err := sftp.NewServer(struct {
			io.Reader
			io.WriteCloser
		}{serverRead, serverWrite})
		if err != nil {
			return nil, err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = server.Serve()
		}()
		client, err := sftp.NewClientPipe(clientRead, clientWrite)
		if err != nil {
			_ = server.Close()
			return nil, err
		}
		return &publish.Session{
			Client: client,
			Close: func() error {
				_ = server.Close()
				err := client.Close()
				<-done
				return err
			},
		}, nil
	}
	return publish.NewWithOpener(open, remoteDir, zerolog.New(nil).Level(zerolog.Disabled))
}

func writeArchive(t *testing.T, dest string, files map[string]string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(dest)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create("esp32-hub/" + name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPublishCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubpack.yaml")
	if _, err := run(t, "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package_esp32hub_index.json"), []byte(`{"packages":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	writeArchive(t, filepath.Join(dir, "dist", "esp32-hub-3.0.7.zip"), map[string]string{
		"platform.txt":         "name=ESP32 Hub\n",
		"boards.txt":           "fed4.name=FED4\n",
		"cores/esp32/main.cpp": "void setup() {}\n",
		"variants/fed4/pins.h": "#define FED4\n",
	})

	remote := t.TempDir()
	out, err := runWith(t, []pipeline.Option{pipeline.WithPublisher(memorySFTP(remote))}, "publish", "--config", path)
	if err != nil {
		t.Fatalf("publish: %v\n%s", err, out)
	}
	for _, want := range []string{"Archive ", "SHA-256:", "✓ Uploaded"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	for _, name := range []string{"esp32-hub-3.0.7.zip", "package_esp32hub_index.json"} {
		if _, err := os.Stat(filepath.Join(remote, name)); err != nil {
			t.Errorf("%s not uploaded: %v", name, err)
		}
	}
}

func TestPublishCommand_InvalidArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubpack.yaml")
	if _, err := run(t, "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	writeArchive(t, filepath.Join(dir, "dist", "esp32-hub-3.0.7.zip"), map[string]string{"boards.txt": "x\n"})

	remote := t.TempDir()
	out, err := runWith(t, []pipeline.Option{pipeline.WithPublisher(memorySFTP(remote))}, "publish", "--config", path)
	if pipeline.ClassOf(err) != pipeline.ErrorClassStructural {
		t.Fatalf("publish: got %v, want a structural error", err)
	}
	if strings.Contains(out, "Uploaded") {
		t.Errorf("invalid archive reported as uploaded:\n%s", out)
	}
	if entries, _ := os.ReadDir(remote); len(entries) != 0 {
		t.Errorf("remote holds %d entries", len(entries))
	}
}

func TestPolicyCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubpack.yaml")
	if _, err := run(t, "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}

	out, err := run(t, "policy", "list", "--config", path)
	if err != nil {
		t.Fatalf("policy list: %v", err)
	}
	for _, want := range []string{"orphaned-variants", "require-applied-patch", "structure-valid", "built-in"} {
		if !strings.Contains(out, want) {
			t.Errorf("list lacks %q:\n%s", want, out)
		}
	}

	out, err = run(t, "policy", "show", "structure-valid", "--config", path)
	if err != nil {
		t.Fatalf("policy show: %v", err)
	}
	if !strings.Contains(out, "Name:        structure-valid") || !strings.Contains(out, "deny contains") {
		t.Errorf("unexpected show output:\n%s", out)
	}

	if _, err := run(t, "policy", "show", "absent", "--config", path); err == nil {
		t.Error("show should fail for an unknown policy")
	}
}

func TestHistoryCommand_Run(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hubpack.yaml")
	if _, err := run(t, "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}

	ctx := context.Background()
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(dir, "history.db")})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := store.CreateRelease(ctx, &stores.Release{ID: "run-7", Version: "3.0.7", Operation: "variants", Status: stores.ReleaseStatusRunning, StartedAt: started}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordBoardResults(ctx, "run-7", []stores.BoardResult{
		{BoardID: "fed4", Classification: stores.BoardMatched},
		{BoardID: "esp32s3", Classification: stores.BoardMissing, SyncOutcome: "not_found"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteRelease(ctx, "run-7", stores.Completion{Status: stores.ReleaseStatusSucceeded}); err != nil {
		t.Fatal(err)
	}

	out, err := runWith(t, []pipeline.Option{pipeline.WithHistory(store)}, "history", "--run", "run-7", "--config", path)
	if err != nil {
		t.Fatalf("history --run: %v", err)
	}
	for _, want := range []string{"Run run-7: variants 3.0.7 succeeded", "matched\tfed4", "missing\tesp32s3\tnot_found"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}
