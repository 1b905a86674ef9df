package convert

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/types"
)

// mockedTools is the finite allowlist of host tools the captured-intent
// sandbox substitutes with a logging mock (§9). Anything a scriptlet
// invokes outside this set runs unmodified (or fails, if not present),
// since the sandbox only intercepts PATH for these names.
var mockedTools = []string{
	"useradd", "groupadd", "userdel", "groupdel",
	"systemctl", "ldconfig", "gtk-update-icon-cache",
	"systemd-tmpfiles", "update-alternatives", "sysctl",
}

const mockScriptTemplate = "#!/bin/sh\necho \"$(basename \"$0\") $*\" >> %q\nexit 0\n"

// CaptureIntent runs content inside a directory where every name in
// mockedTools resolves to a mock that appends its invocation to a log
// file instead of acting, then parses that log into DetectedHook
// values. The scriptlet itself is not otherwise sandboxed: this is the
// "safer-than-parse, more-compatible-than-banning" design of §9, which
// intentionally gives up on effects that bypass the mocked tool set.
//
// The caller is expected to keep the verbatim scriptlet as a real
// post-install step and rely on it being idempotent; CaptureIntent's
// output is meant to run first so live system state already reflects
// the package's intent before the verbatim script executes again.
func CaptureIntent(ctx context.Context, interpreter, content string, timeout time.Duration) ([]types.DetectedHook, error) {
	sandboxDir, err := os.MkdirTemp("", "conary-capture-*")
	if err != nil {
		return nil, &errs.IOError{Op: "mkdtemp", Err: err}
	}
	defer os.RemoveAll(sandboxDir)

	logPath := filepath.Join(sandboxDir, "invocations.log")
	for _, tool := range mockedTools {
		if err := writeMockTool(sandboxDir, tool, logPath); err != nil {
			return nil, err
		}
	}

	if interpreter == "" {
		interpreter = "/bin/sh"
	}
	scriptPath := filepath.Join(sandboxDir, "scriptlet")
	if err := os.WriteFile(scriptPath, []byte(content), 0o755); err != nil {
		return nil, &errs.IOError{Op: "write-scriptlet", Path: scriptPath, Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, interpreter, scriptPath)
	cmd.Env = append(os.Environ(), "PATH="+sandboxDir+":"+os.Getenv("PATH"))
	cmd.Dir = sandboxDir
	if out, err := cmd.CombinedOutput(); err != nil {
		log.WithComponent("convert").Warn().Err(err).
			Str("output", string(out)).
			Msg("captured-intent replay exited non-zero; logged invocations are still used")
	}

	return parseInvocationLog(logPath)
}

func writeMockTool(dir, name, logPath string) error {
	path := filepath.Join(dir, name)
	script := fmt.Sprintf(mockScriptTemplate, logPath)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return &errs.IOError{Op: "write-mock", Path: path, Err: err}
	}
	return nil
}

// parseInvocationLog turns the mock tools' logged "<tool> <args...>"
// lines into DetectedHook values, reusing the same recognizers
// AnalyzeScriptlet uses for the matching real invocation, so a
// useradd/systemctl call caught by the sandbox is represented
// identically to one recognized directly from the script text.
func parseInvocationLog(path string) ([]types.DetectedHook, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	var hooks []types.DetectedHook
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		found, _, _ := AnalyzeScriptlet(line)
		hooks = append(hooks, found...)
	}
	return hooks, nil
}
