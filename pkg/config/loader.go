package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file looked up when none is given.
const DefaultFileName = "hubpack.yaml"

// VersionPlaceholder is substituted with the baseline version in path and URL fields.
const VersionPlaceholder = "{version}"

// ErrUnsupportedFormat is returned for configuration files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported configuration format")

// Default returns the configuration used for any field the file leaves unset.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			Name:     "esp32-hub",
			RootName: "esp32-hub",
		},
		Baseline: BaselineConfig{
			Version:     "3.0.7",
			URL:         "https://github.com/espressif/arduino-esp32/archive/refs/tags/{version}.zip",
			SnapshotDir: "working/original",
		},
		Working: WorkingConfig{
			ModifiedDir: "working/modified",
		},
		Patches: PatchesConfig{
			Dir:              "patches/{version}",
			Extensions:       []string{".cpp", ".h"},
			Title:            "Patch",
			Purpose:          "Local hardware support modifications",
			Backend:          "exec",
			Strip:            1,
			DebounceInterval: 500 * time.Millisecond,
		},
		Overlay: OverlayConfig{
			Files: []string{"boards.txt", "platform.txt"},
			Dirs:  []string{"variants"},
			Exclude: []string{
				".*",
				"__pycache__",
				"*.pyc",
				".clang-format",
				"tests",
			},
			StagingDir: "build",
		},
		Archive: ArchiveConfig{
			Output:        "dist/esp32-hub-{version}.zip",
			RequiredFiles: []string{"platform.txt", "boards.txt"},
			RequiredDirs:  []string{"cores", "variants"},
		},
		Boards: BoardsConfig{
			Registry:    "boards.txt",
			Placeholder: "esp32_family",
			VariantsDir: "variants",
			SourceDir:   "working/original/variants",
		},
		Index: IndexConfig{
			Path:   "package_esp32hub_index.json",
			Indent: 2,
		},
		Tools: ToolsConfig{
			UpstreamURL:       "https://raw.githubusercontent.com/espressif/arduino-esp32/gh-pages/package_esp32_index.json",
			Packager:          "esp32-hub",
			PreservePackagers: []string{"arduino"},
		},
		Publish: PublishConfig{
			Port:                  22,
			AuthMethod:            "key",
			StrictHostKeyChecking: true,
			Timeout:               30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "console",
				Output: "stderr",
			},
			Metrics: MetricsConfig{
				Namespace: "hubpack",
			},
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1.0,
			},
		},
	}
}

// Load reads the configuration file at path, layers it over Default,
// expands version placeholders, resolves relative paths against the
// file's directory and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	cfg.Root = abs

	cfg.expand()
	cfg.resolve()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode picks the decoder from the file extension.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("failed to parse TOML config %s: unknown key %s", path, undecoded[0])
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

// Validate checks the configuration against its struct constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Publish.Enabled() {
		if c.Publish.User == "" {
			return fmt.Errorf("invalid configuration: publish.user is required when publish.host is set")
		}
		if c.Publish.RemoteDir == "" {
			return fmt.Errorf("invalid configuration: publish.remote_dir is required when publish.host is set")
		}
	}

	for _, p := range append(append([]string{}, c.Overlay.Files...), c.Overlay.Dirs...) {
		if filepath.IsAbs(p) || strings.HasPrefix(filepath.Clean(p), "..") {
			return fmt.Errorf("invalid configuration: overlay path %q must be relative to the project root", p)
		}
	}
	return nil
}

// Path resolves p against the project root. Absolute paths are returned unchanged.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// expand substitutes the baseline version into templated fields.
func (c *Config) expand() {
	v := c.Baseline.Version
	for _, f := range []*string{
		&c.Baseline.URL,
		&c.Baseline.SnapshotDir,
		&c.Patches.Dir,
		&c.Archive.Output,
		&c.Boards.SourceDir,
		&c.Publish.RemoteDir,
	} {
		*f = strings.ReplaceAll(*f, VersionPlaceholder, v)
	}
}

// resolve makes every filesystem path absolute.
func (c *Config) resolve() {
	for _, f := range []*string{
		&c.Baseline.SnapshotDir,
		&c.Working.ModifiedDir,
		&c.Patches.Dir,
		&c.Overlay.StagingDir,
		&c.Archive.Output,
		&c.Boards.Registry,
		&c.Boards.VariantsDir,
		&c.Boards.SourceDir,
		&c.Index.Path,
		&c.History.Path,
		&c.Publish.PrivateKeyPath,
		&c.Publish.KnownHostsPath,
		&c.Telemetry.Metrics.Textfile,
	} {
		*f = c.Path(*f)
	}

	for i, p := range c.Policy.Paths {
		c.Policy.Paths[i] = c.Path(p)
	}

	if !strings.Contains(c.Baseline.URL, "://") {
		c.Baseline.URL = c.Path(c.Baseline.URL)
	}

	switch c.Telemetry.Logging.Output {
	case "stdout", "stderr":
	default:
		c.Telemetry.Logging.Output = c.Path(c.Telemetry.Logging.Output)
	}
}

// WriteDefault writes the default configuration as YAML to path. It refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
