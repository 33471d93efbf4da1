package config

import "time"

// Config is the complete hubpack project configuration.
type Config struct {
	// Project identifies the package being built.
	Project ProjectConfig `yaml:"project" toml:"project" validate:"required"`

	// Baseline pins the upstream snapshot.
	Baseline BaselineConfig `yaml:"baseline" toml:"baseline" validate:"required"`

	// Working holds the developer working copy locations.
	Working WorkingConfig `yaml:"working" toml:"working"`

	// Patches configures patch creation and application.
	Patches PatchesConfig `yaml:"patches" toml:"patches"`

	// Overlay configures assembly of the output tree.
	Overlay OverlayConfig `yaml:"overlay" toml:"overlay"`

	// Archive configures the release archive and its structural checks.
	Archive ArchiveConfig `yaml:"archive" toml:"archive"`

	// Boards configures the board registry and the variant store.
	Boards BoardsConfig `yaml:"boards" toml:"boards"`

	// Index locates the package index document.
	Index IndexConfig `yaml:"index" toml:"index"`

	// Tools configures the upstream tool dependency refresh.
	Tools ToolsConfig `yaml:"tools" toml:"tools"`

	// Policy lists additional release gate policies.
	Policy PolicyConfig `yaml:"policy" toml:"policy"`

	// History configures the release audit database.
	History HistoryConfig `yaml:"history" toml:"history"`

	// Publish configures SFTP publication.
	Publish PublishConfig `yaml:"publish" toml:"publish"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`

	// Root is the directory every relative path is resolved against.
	// It is set by Load and never read from the file.
	Root string `yaml:"-" toml:"-"`
}

// ProjectConfig identifies the package.
type ProjectConfig struct {
	Name string `yaml:"name" toml:"name" validate:"required"`

	// RootName is the single top-level directory inside the archive.
	RootName string `yaml:"root_name" toml:"root_name" validate:"required,excludesall=/\\"`
}

// BaselineConfig pins the upstream source release.
type BaselineConfig struct {
	Version string `yaml:"version" toml:"version" validate:"required"`

	// URL is fetched over HTTP(S); a plain path or file:// URL reads a local archive.
	URL string `yaml:"url" toml:"url" validate:"required"`

	// SnapshotDir receives the persistent extraction used for patch creation.
	SnapshotDir string `yaml:"snapshot_dir" toml:"snapshot_dir" validate:"required"`
}

// WorkingConfig holds the developer working copy.
type WorkingConfig struct {
	ModifiedDir string `yaml:"modified_dir" toml:"modified_dir" validate:"required"`
}

// PatchesConfig configures the patch engine.
type PatchesConfig struct {
	Dir        string   `yaml:"dir" toml:"dir" validate:"required"`
	Extensions []string `yaml:"extensions" toml:"extensions" validate:"min=1,dive,startswith=."`
	Title      string   `yaml:"title" toml:"title" validate:"required"`
	Purpose    string   `yaml:"purpose" toml:"purpose"`

	// Backend selects the diff/apply implementation.
	Backend string `yaml:"backend" toml:"backend" validate:"oneof=exec library"`

	// Strip is the number of leading path components removed on apply.
	Strip int `yaml:"strip" toml:"strip" validate:"gte=0"`

	// AllowUnversioned accepts patches whose header carries no baseline tag.
	AllowUnversioned bool `yaml:"allow_unversioned" toml:"allow_unversioned"`

	// DebounceInterval bounds regeneration frequency in watch mode.
	DebounceInterval time.Duration `yaml:"debounce_interval" toml:"debounce_interval" validate:"gte=0"`
}

// OverlayConfig configures the overlay assembler.
type OverlayConfig struct {
	Files   []string `yaml:"files" toml:"files"`
	Dirs    []string `yaml:"dirs" toml:"dirs"`
	Exclude []string `yaml:"exclude" toml:"exclude"`

	// StagingDir holds the assembled output tree before archiving.
	StagingDir string `yaml:"staging_dir" toml:"staging_dir" validate:"required"`
}

// ArchiveConfig configures the release archive.
type ArchiveConfig struct {
	Output        string   `yaml:"output" toml:"output" validate:"required"`
	RequiredFiles []string `yaml:"required_files" toml:"required_files"`
	RequiredDirs  []string `yaml:"required_dirs" toml:"required_dirs"`
}

// BoardsConfig configures the board/variant reconciler.
type BoardsConfig struct {
	Registry    string `yaml:"registry" toml:"registry" validate:"required"`
	Placeholder string `yaml:"placeholder" toml:"placeholder"`
	VariantsDir string `yaml:"variants_dir" toml:"variants_dir" validate:"required"`

	// SourceDir is the external tree missing variants are copied from.
	SourceDir string `yaml:"source_dir" toml:"source_dir"`
}

// IndexConfig locates the package index.
type IndexConfig struct {
	Path   string `yaml:"path" toml:"path" validate:"required"`
	Indent int    `yaml:"indent" toml:"indent" validate:"gte=0,lte=8"`
}

// ToolsConfig configures the tool dependency refresh.
type ToolsConfig struct {
	UpstreamURL       string   `yaml:"upstream_url" toml:"upstream_url"`
	Packager          string   `yaml:"packager" toml:"packager"`
	PreservePackagers []string `yaml:"preserve_packagers" toml:"preserve_packagers"`
}

// PolicyConfig lists extra release policies and the policies to skip.
type PolicyConfig struct {
	Paths    []string `yaml:"paths" toml:"paths"`
	Disabled []string `yaml:"disabled" toml:"disabled"`
}

// HistoryConfig configures the release audit database. An empty path disables it.
type HistoryConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// PublishConfig configures SFTP publication.
type PublishConfig struct {
	Host                  string        `yaml:"host" toml:"host"`
	Port                  int           `yaml:"port" toml:"port" validate:"gte=0,lte=65535"`
	User                  string        `yaml:"user" toml:"user"`
	AuthMethod            string        `yaml:"auth_method" toml:"auth_method" validate:"omitempty,oneof=key password"`
	Password              string        `yaml:"password" toml:"password"`
	PrivateKeyPath        string        `yaml:"private_key_path" toml:"private_key_path"`
	KnownHostsPath        string        `yaml:"known_hosts_path" toml:"known_hosts_path"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking" toml:"strict_host_key_checking"`
	RemoteDir             string        `yaml:"remote_dir" toml:"remote_dir"`
	Timeout               time.Duration `yaml:"timeout" toml:"timeout"`
}

// Enabled reports whether a publication target is configured.
func (p PublishConfig) Enabled() bool {
	return p.Host != ""
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Tracing TracingConfig `yaml:"tracing" toml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=console json"`
	Output string `yaml:"output" toml:"output" validate:"required"`
}

// MetricsConfig configures the Prometheus textfile export. An empty
// Textfile disables metrics.
type MetricsConfig struct {
	Textfile  string `yaml:"textfile" toml:"textfile"`
	Namespace string `yaml:"namespace" toml:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Exporter     string  `yaml:"exporter" toml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `yaml:"endpoint" toml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure     bool    `yaml:"insecure" toml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate" toml:"sampling_rate" validate:"gte=0,lte=1"`
}
