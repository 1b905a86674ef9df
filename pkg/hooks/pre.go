package hooks

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/types"
)

// ExecutePreHooks creates groups, users, and directories, in that order
// (users commonly need their primary group to exist first). Each
// creation is idempotent and, when actually performed, pushed onto the
// rollback stack for RevertPreHooks.
func (e *Executor) ExecutePreHooks(h types.Hooks) error {
	for _, g := range h.Groups {
		if err := e.createGroup(g); err != nil {
			return &errs.HookFailure{Kind_: string(types.HookGroup), Phase: "pre", Name: g.Name, Err: err}
		}
	}
	for _, u := range h.Users {
		if err := e.createUser(u); err != nil {
			return &errs.HookFailure{Kind_: string(types.HookUser), Phase: "pre", Name: u.Name, Err: err}
		}
	}
	for _, d := range h.Directories {
		if err := e.createDirectory(d); err != nil {
			return &errs.HookFailure{Kind_: string(types.HookDirectory), Phase: "pre", Name: d.Path, Err: err}
		}
	}
	return nil
}

func (e *Executor) createGroup(g types.GroupHook) error {
	if e.Live() {
		if _, err := user.LookupGroup(g.Name); err == nil {
			return nil // already present
		}
		if path, ok := hostUtility("groupadd"); ok {
			args := []string{}
			if g.System {
				args = append(args, "--system")
			}
			args = append(args, g.Name)
			if err := exec.Command(path, args...).Run(); err != nil {
				return err
			}
			e.pushUndo("delete group "+g.Name, func() error {
				if delPath, ok := hostUtility("groupdel"); ok {
					return exec.Command(delPath, g.Name).Run()
				}
				return nil
			})
			return nil
		}
	}
	return e.writeEtcLine("etc/group", g.Name, fmt.Sprintf("%s:x:%s:", g.Name, autoGID(g.Name)))
}

func (e *Executor) createUser(u types.UserHook) error {
	if e.Live() {
		if _, err := user.Lookup(u.Name); err == nil {
			return nil
		}
		if path, ok := hostUtility("useradd"); ok {
			args := []string{}
			if u.System {
				args = append(args, "--system")
			}
			if u.Shell != "" {
				args = append(args, "--shell", u.Shell)
			}
			if u.Home != "" {
				args = append(args, "--home-dir", u.Home, "--create-home")
			}
			if u.Comment != "" {
				args = append(args, "--comment", u.Comment)
			}
			args = append(args, u.Name)
			if err := exec.Command(path, args...).Run(); err != nil {
				return err
			}
			e.pushUndo("delete user "+u.Name, func() error {
				if delPath, ok := hostUtility("userdel"); ok {
					return exec.Command(delPath, u.Name).Run()
				}
				return nil
			})
			return nil
		}
	}
	shell := u.Shell
	if shell == "" {
		shell = "/usr/sbin/nologin"
	}
	home := u.Home
	if home == "" {
		home = "/nonexistent"
	}
	line := fmt.Sprintf("%s:x:%s:%s:%s:%s:%s", u.Name, autoGID(u.Name), autoGID(u.Name), u.Comment, home, shell)
	return e.writeEtcLine("etc/passwd", u.Name, line)
}

func (e *Executor) createDirectory(d types.DirectoryHook) error {
	full := e.under(d.Path)
	mode := os.FileMode(d.Mode)
	if mode == 0 {
		mode = 0o755
	}
	existed := false
	if _, err := os.Stat(full); err == nil {
		existed = true
	}
	if err := os.MkdirAll(full, mode); err != nil {
		return err
	}
	if err := os.Chmod(full, mode); err != nil {
		return err
	}
	if !existed {
		e.pushUndo("remove directory "+full, func() error {
			return os.Remove(full) // only succeeds if still empty
		})
	}
	return nil
}

// writeEtcLine appends a colon-separated entry to "<root>/<relPath>" if
// no existing line already starts with "<name>:". Used for the
// target-root fallback when useradd/groupadd aren't available (offline
// install) or the operation targets a non-live root.
func (e *Executor) writeEtcLine(relPath, name, line string) error {
	full := e.under(relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}

	if data, err := os.ReadFile(full); err == nil {
		scanner := bufio.NewScanner(strings.NewReader(string(data)))
		for scanner.Scan() {
			if strings.HasPrefix(scanner.Text(), name+":") {
				return nil // already present
			}
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return err
	}
	e.pushUndo("remove entry "+name+" from "+full, func() error {
		return removeEtcLine(full, name)
	})
	return nil
}

func removeEtcLine(path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var kept []string
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		if !strings.HasPrefix(scanner.Text(), name+":") {
			kept = append(kept, scanner.Text())
		}
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0o644)
}

// autoGID derives a stable placeholder id from name for the file-backed
// passwd/group fallback. A real deployment would allocate from the
// target root's existing /etc/{passwd,group} id range; this executor
// only needs the entry to be syntactically valid and stable across
// idempotent re-runs.
func autoGID(name string) string {
	var sum uint32
	for _, r := range name {
		sum = sum*31 + uint32(r)
	}
	return fmt.Sprintf("%d", 10000+(sum%50000))
}
