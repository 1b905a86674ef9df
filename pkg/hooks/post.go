package hooks

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/types"
)

// ExecutePostHooks enables units, applies tmpfiles entries, applies
// sysctl settings, and registers alternatives. Failures here are logged
// as warnings and never fail the transaction: every one of these
// operations is observably idempotent, so the next hook run (or the
// target's first boot) repairs anything that didn't take.
func (e *Executor) ExecutePostHooks(h types.Hooks) {
	for _, u := range h.Systemd {
		if err := e.enableSystemdUnit(u); err != nil {
			log.Logger.Warn().Err(err).Str("unit", u.Unit).Msg("post-hook: enable systemd unit failed")
		}
	}
	for _, t := range h.Tmpfiles {
		if err := e.applyTmpfiles(t); err != nil {
			log.Logger.Warn().Err(err).Str("line", t.Line).Msg("post-hook: tmpfiles entry failed")
		}
	}
	for _, s := range h.Sysctl {
		if err := e.applySysctl(s); err != nil {
			log.Logger.Warn().Err(err).Str("key", s.Key).Msg("post-hook: sysctl setting failed")
		}
	}
	for _, a := range h.Alternatives {
		if err := e.registerAlternative(a); err != nil {
			log.Logger.Warn().Err(err).Str("name", a.Name).Msg("post-hook: alternative registration failed")
		}
	}
}

func (e *Executor) enableSystemdUnit(u types.SystemdHook) error {
	if !u.Enable {
		return nil
	}
	if e.Live() {
		if path, ok := hostUtility("systemctl"); ok {
			return exec.Command(path, "enable", u.Unit).Run()
		}
	}
	wants := u.Wants
	if wants == "" {
		wants = "multi-user.target"
	}
	linkDir := e.under(filepath.Join("etc/systemd/system", wants+".wants"))
	if err := os.MkdirAll(linkDir, 0o755); err != nil {
		return err
	}
	link := filepath.Join(linkDir, u.Unit)
	target := filepath.Join("/usr/lib/systemd/system", u.Unit)
	if _, err := os.Lstat(link); err == nil {
		return nil // already enabled
	}
	return os.Symlink(target, link)
}

func (e *Executor) applyTmpfiles(t types.TmpfilesHook) error {
	path := e.under(filepath.Join("etc/tmpfiles.d", e.namespace+".conf"))
	if err := appendUniqueLine(path, t.Line); err != nil {
		return err
	}
	if e.Live() {
		if binPath, ok := hostUtility("systemd-tmpfiles"); ok {
			return exec.Command(binPath, "--create", path).Run()
		}
	}
	return nil
}

func (e *Executor) applySysctl(s types.SysctlHook) error {
	path := e.under(filepath.Join("etc/sysctl.d", e.namespace+".conf"))
	line := fmt.Sprintf("%s = %s", s.Key, s.Value)
	if err := appendUniqueLine(path, line); err != nil {
		return err
	}
	if e.Live() {
		if binPath, ok := hostUtility("sysctl"); ok {
			return exec.Command(binPath, "-w", fmt.Sprintf("%s=%s", s.Key, s.Value)).Run()
		}
	}
	return nil
}

// registerAlternative invokes update-alternatives when live and the
// utility is present. Per §4.6, registration is deferred (a no-op, not
// an error) on a target root, since update-alternatives maintains its
// own state under the root it is invoked against, which only makes
// sense once that root is actually booted.
func (e *Executor) registerAlternative(a types.AlternativeHook) error {
	if !e.Live() {
		return nil
	}
	path, ok := hostUtility("update-alternatives")
	if !ok {
		return nil
	}
	return exec.Command(path, "--install", a.Link, a.Name, a.Path, fmt.Sprintf("%d", a.Priority)).Run()
}

func appendUniqueLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if containsLine(string(data), line) {
			return nil
		}
	} else if !os.IsNotExist(err) {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func containsLine(data, line string) bool {
	for _, l := range splitLines(data) {
		if l == line {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
