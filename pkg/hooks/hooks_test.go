package hooks

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cuemby/conary/pkg/types"
)

// All tests target an offline root (never "/"), so they only exercise
// the file-writing path and never touch real host state.

func TestCreateDirectoryIsIdempotent(t *testing.T) {
	root := t.TempDir()
	e := New(root, "test")

	h := types.Hooks{Directories: []types.DirectoryHook{{Path: "/var/lib/widget", Mode: 0o750}}}
	if err := e.ExecutePreHooks(h); err != nil {
		t.Fatalf("ExecutePreHooks() error = %v", err)
	}
	if err := e.ExecutePreHooks(h); err != nil {
		t.Fatalf("second ExecutePreHooks() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "var/lib/widget"))
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory to exist, err = %v", err)
	}
}

func TestCreateGroupAndUserWriteFallbackFiles(t *testing.T) {
	root := t.TempDir()
	e := New(root, "test")

	h := types.Hooks{
		Groups: []types.GroupHook{{Name: "widget", System: true}},
		Users:  []types.UserHook{{Name: "widget", System: true, Shell: "/bin/false"}},
	}
	if err := e.ExecutePreHooks(h); err != nil {
		t.Fatalf("ExecutePreHooks() error = %v", err)
	}

	group, err := os.ReadFile(filepath.Join(root, "etc/group"))
	if err != nil {
		t.Fatalf("ReadFile(etc/group) error = %v", err)
	}
	if !strings.Contains(string(group), "widget:") {
		t.Errorf("etc/group = %q, want a widget entry", group)
	}

	passwd, err := os.ReadFile(filepath.Join(root, "etc/passwd"))
	if err != nil {
		t.Fatalf("ReadFile(etc/passwd) error = %v", err)
	}
	if !strings.Contains(string(passwd), "widget:") {
		t.Errorf("etc/passwd = %q, want a widget entry", passwd)
	}
}

func TestCreateGroupTwiceDoesNotDuplicateLine(t *testing.T) {
	root := t.TempDir()
	e := New(root, "test")
	h := types.Hooks{Groups: []types.GroupHook{{Name: "widget"}}}

	if err := e.ExecutePreHooks(h); err != nil {
		t.Fatalf("ExecutePreHooks() error = %v", err)
	}
	if err := e.ExecutePreHooks(h); err != nil {
		t.Fatalf("second ExecutePreHooks() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "etc/group"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Count(string(data), "widget:") != 1 {
		t.Errorf("etc/group = %q, want exactly one widget entry", data)
	}
}

func TestRevertPreHooksRemovesCreatedEntries(t *testing.T) {
	root := t.TempDir()
	e := New(root, "test")
	h := types.Hooks{
		Groups:      []types.GroupHook{{Name: "widget"}},
		Directories: []types.DirectoryHook{{Path: "/opt/widget"}},
	}

	if err := e.ExecutePreHooks(h); err != nil {
		t.Fatalf("ExecutePreHooks() error = %v", err)
	}
	e.RevertPreHooks()

	if _, err := os.Stat(filepath.Join(root, "opt/widget")); !os.IsNotExist(err) {
		t.Errorf("expected directory to be removed after revert, stat err = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "etc/group"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(data), "widget:") {
		t.Errorf("etc/group = %q, want widget entry removed after revert", data)
	}
}

func TestExecutePostHooksWritesDeclarativeFiles(t *testing.T) {
	root := t.TempDir()
	e := New(root, "test")

	h := types.Hooks{
		Systemd:      []types.SystemdHook{{Unit: "widget.service", Enable: true, Wants: "multi-user.target"}},
		Tmpfiles:     []types.TmpfilesHook{{Line: "d /run/widget 0755 widget widget -"}},
		Sysctl:       []types.SysctlHook{{Key: "net.ipv4.ip_forward", Value: "1"}},
		Alternatives: []types.AlternativeHook{{Name: "editor", Link: "/usr/bin/editor", Path: "/usr/bin/widget-editor", Priority: 50}},
	}
	e.ExecutePostHooks(h)

	link := filepath.Join(root, "etc/systemd/system/multi-user.target.wants/widget.service")
	if target, err := os.Readlink(link); err != nil {
		t.Errorf("expected systemd unit symlink, err = %v", err)
	} else if target != "/usr/lib/systemd/system/widget.service" {
		t.Errorf("symlink target = %q", target)
	}

	tmp, err := os.ReadFile(filepath.Join(root, "etc/tmpfiles.d/test.conf"))
	if err != nil || !strings.Contains(string(tmp), "/run/widget") {
		t.Errorf("tmpfiles.d entry missing or wrong: %v, %q", err, tmp)
	}

	sysctl, err := os.ReadFile(filepath.Join(root, "etc/sysctl.d/test.conf"))
	if err != nil || !strings.Contains(string(sysctl), "net.ipv4.ip_forward = 1") {
		t.Errorf("sysctl.d entry missing or wrong: %v, %q", err, sysctl)
	}

	// Alternatives registration is deferred on a non-live root: no error,
	// no file written, no exec attempted.
}

func TestLiveReportsTrueOnlyForSlash(t *testing.T) {
	if !New("/", "x").Live() {
		t.Error("Live() = false for root /, want true")
	}
	if New("/mnt/target", "x").Live() {
		t.Error("Live() = true for root /mnt/target, want false")
	}
}
