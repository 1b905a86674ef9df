package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != Default().DataDir || cfg.ChunkSizeKiB != Default().ChunkSizeKiB {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conary.yaml")
	body := []byte(`
data_dir: /data/conary
install_root: /mnt/target
log_level: debug
gpg_strict: false
chunk_size_kib: 1024
repositories:
  - name: main
    url: https://repo.example.com/main
    priority: 10
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/data/conary" || cfg.InstallRoot != "/mnt/target" {
		t.Errorf("Load() = %+v, want overridden data_dir/install_root", cfg)
	}
	if cfg.GPGStrict {
		t.Error("GPGStrict = true, want false from file")
	}
	if len(cfg.Repositories) != 1 || cfg.Repositories[0].Name != "main" {
		t.Errorf("Repositories = %+v, want one entry named main", cfg.Repositories)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("data_dir: [unterminated"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() error = nil, want parse error")
	}
}

func TestLayoutPaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/conary"}
	layout := cfg.Layout()
	if layout.DBPath != "/var/lib/conary/conary.db" {
		t.Errorf("DBPath = %q", layout.DBPath)
	}
	if layout.ObjectsDir != "/var/lib/conary/objects" {
		t.Errorf("ObjectsDir = %q", layout.ObjectsDir)
	}
	if layout.JournalDir != "/var/lib/conary/journal" {
		t.Errorf("JournalDir = %q", layout.JournalDir)
	}
}

func TestEnsureDirsCreatesLayout(t *testing.T) {
	cfg := &Config{DataDir: filepath.Join(t.TempDir(), "state")}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() error = %v", err)
	}
	layout := cfg.Layout()
	for _, dir := range []string{cfg.DataDir, layout.ObjectsDir, layout.TmpDir, layout.KeysDir, layout.JournalDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s to exist", dir)
		}
	}
}

func TestValidateRejectsEmptyDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() error = nil, want error for empty data_dir")
	}
}

func TestOverlayFlagsOnlyAppliesChanged(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().String("data-dir", "/default", "")
	cmd.PersistentFlags().String("install-root", "/", "")
	cmd.PersistentFlags().String("log-level", "info", "")
	cmd.PersistentFlags().Bool("log-json", false, "")
	cmd.PersistentFlags().Bool("gpg-strict", true, "")
	if err := cmd.PersistentFlags().Set("log-level", "debug"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	cfg := Default()
	cfg.DataDir = "/from/file"
	OverlayFlags(cfg, cmd)

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (flag was changed)", cfg.LogLevel)
	}
	if cfg.DataDir != "/from/file" {
		t.Errorf("DataDir = %q, want unchanged from file (flag was not set)", cfg.DataDir)
	}
}
