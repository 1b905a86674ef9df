// Package config loads daemon-wide settings from a YAML file and an
// overlay of cobra flags, and derives the persisted-state directory
// layout every other package writes into.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/log"
)

// Config holds the settings that shape a conaryd process: where state
// lives on disk, how strict signature checking is, and what the
// content-defined chunker targets.
type Config struct {
	DataDir      string       `yaml:"data_dir"`
	InstallRoot  string       `yaml:"install_root"`
	LogLevel     string       `yaml:"log_level"`
	LogJSON      bool         `yaml:"log_json"`
	GPGStrict    bool         `yaml:"gpg_strict"`
	ChunkSizeKiB int          `yaml:"chunk_size_kib"`
	Repositories []Repository `yaml:"repositories"`
}

// Repository is one entry of the repository list carried in the config
// file. These entries are not copied into the metadata store: pkg/repo
// syncs only the types.Repository rows already stored there.
type Repository struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	return &Config{
		DataDir:      "/var/lib/conary",
		InstallRoot:  "/",
		LogLevel:     "info",
		LogJSON:      false,
		GPGStrict:    true,
		ChunkSizeKiB: 512,
	}
}

// Load reads a YAML config file at path, falling back to Default()
// values for anything the file leaves unset. A missing file is not an
// error: it is treated the same as an empty file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, &errs.IOError{Op: "read-config", Path: path, Err: err}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &errs.ParseError{Format: "yaml", Detail: path, Err: err}
	}
	return cfg, nil
}

// OverlayFlags applies any persistent flags the caller explicitly set on
// cmd, so a CLI invocation can override individual config-file fields
// without needing its own full YAML document. Flags the user did not
// pass are left alone.
func OverlayFlags(cfg *Config, cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("install-root") {
		cfg.InstallRoot, _ = flags.GetString("install-root")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("gpg-strict") {
		cfg.GPGStrict, _ = flags.GetBool("gpg-strict")
	}
}

// LoggerConfig derives the pkg/log.Config implied by cfg.
func (c *Config) LoggerConfig() log.Config {
	return log.Config{Level: log.Level(c.LogLevel), JSONOutput: c.LogJSON}
}

// Layout is the set of paths pkg/cas, pkg/storage, pkg/txn, and
// pkg/security read and write under the data directory (§6 "Persisted
// state layout").
type Layout struct {
	DBPath      string
	ObjectsDir  string
	TmpDir      string
	KeysDir     string
	JournalDir  string
	SnapshotDir string
}

// Layout computes the persisted-state paths rooted at c.DataDir.
func (c *Config) Layout() Layout {
	return Layout{
		DBPath:      filepath.Join(c.DataDir, "conary.db"),
		ObjectsDir:  filepath.Join(c.DataDir, "objects"),
		TmpDir:      filepath.Join(c.DataDir, "tmp"),
		KeysDir:     filepath.Join(c.DataDir, "keys"),
		JournalDir:  filepath.Join(c.DataDir, "journal"),
		SnapshotDir: filepath.Join(c.DataDir, "snapshots"),
	}
}

// EnsureDirs creates every directory in the layout that a fresh data
// directory needs before the metadata store or CAS can open.
func (c *Config) EnsureDirs() error {
	layout := c.Layout()
	for _, dir := range []string{c.DataDir, layout.ObjectsDir, layout.TmpDir, layout.KeysDir, layout.JournalDir, layout.SnapshotDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &errs.IOError{Op: "ensure-data-dir", Path: dir, Err: err}
		}
	}
	return nil
}

// Validate reports whether cfg has the minimum fields needed to run.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.InstallRoot == "" {
		return fmt.Errorf("config: install_root must not be empty")
	}
	if c.ChunkSizeKiB <= 0 {
		return fmt.Errorf("config: chunk_size_kib must be positive, got %d", c.ChunkSizeKiB)
	}
	return nil
}
