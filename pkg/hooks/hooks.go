package hooks

import (
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/types"
)

// Executor applies a package's declarative hooks under installRoot.
// installRoot "/" means the live system: host utilities are invoked
// when present. Any other root means an offline target: hooks are
// recorded as declarative state under "<root>/etc/..." for application
// on the target's first boot.
type Executor struct {
	installRoot string
	namespace   string // used to name generated files, e.g. the trove name
	pre         []rollbackAction
}

type rollbackAction struct {
	describe string
	undo     func() error
}

// New creates an Executor rooted at installRoot. namespace disambiguates
// the generated tmpfiles.d/sysctl.d file names between troves.
func New(installRoot, namespace string) *Executor {
	return &Executor{installRoot: filepath.Clean(installRoot), namespace: namespace}
}

// Live reports whether this executor targets the running system rather
// than an offline target root.
func (e *Executor) Live() bool { return e.installRoot == "/" || e.installRoot == "" }

// under joins a path (absolute, like a DirectoryHook.Path, or root-
// relative like "etc/group") onto the install root, the way
// pkg/deploy.Resolve does, but without path-escape rejection: every
// path hooks writes is one it constructs itself (not caller-supplied
// package content).
func (e *Executor) under(rel string) string {
	rel = strings.TrimPrefix(rel, "/")
	if e.Live() {
		return "/" + rel
	}
	return filepath.Join(e.installRoot, rel)
}

// hostUtility reports the absolute path of name if it is on PATH, for
// callers that invoke it only when live and present.
func hostUtility(name string) (string, bool) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return path, true
}

// pushUndo records an action actually taken, so RevertPreHooks can pop
// and reverse it in LIFO order.
func (e *Executor) pushUndo(describe string, undo func() error) {
	e.pre = append(e.pre, rollbackAction{describe: describe, undo: undo})
}

// RevertPreHooks pops the recorded pre-hook actions stack and undoes
// each one. Errors are logged, never propagated: a revert is itself a
// best-effort cleanup of a transaction that is already failing.
func (e *Executor) RevertPreHooks() {
	for i := len(e.pre) - 1; i >= 0; i-- {
		a := e.pre[i]
		if err := a.undo(); err != nil {
			log.Logger.Warn().Err(err).Str("action", a.describe).Msg("pre-hook revert failed")
		}
	}
	e.pre = nil
}

// ExecuteHooks runs ExecutePreHooks followed by ExecutePostHooks for a
// full hook set. Most callers go through the transaction engine's own
// phase split instead, calling ExecutePreHooks in phase 4 and
// ExecutePostHooks in phase 8; this is a convenience for callers that
// don't need the phases apart.
func (e *Executor) ExecuteHooks(h types.Hooks) error {
	if err := e.ExecutePreHooks(h); err != nil {
		return err
	}
	e.ExecutePostHooks(h)
	return nil
}
