package convert

import (
	"regexp"
	"strings"

	"github.com/cuemby/conary/pkg/types"
)

// Scriptlet analysis recognizes a finite allowlist of declarative
// intents inside a shell scriptlet (§4.5 step 3, §9 "captured-intent
// for opaque scriptlets"): user/group management, service enablement,
// ldconfig, icon cache refresh, tmpfiles writes, and alternatives
// registration. Anything the regexes below don't match is simply not
// recognized — it never causes an error, only a lower Fidelity.

var (
	reUseradd       = regexp.MustCompile(`(?m)^\s*(?:/usr/sbin/)?useradd\s+(.*)$`)
	reGroupadd      = regexp.MustCompile(`(?m)^\s*(?:/usr/sbin/)?groupadd\s+(.*)$`)
	reSystemctl     = regexp.MustCompile(`(?m)^\s*(?:/usr/bin/)?systemctl\s+(enable|disable)\s+(\S+)`)
	reLdconfig      = regexp.MustCompile(`(?m)^\s*(?:/sbin/)?ldconfig\b`)
	reIconCache     = regexp.MustCompile(`(?m)^\s*gtk-update-icon-cache\b`)
	reTmpfilesWrite = regexp.MustCompile(`(?m)^\s*(?:/usr/bin/)?systemd-tmpfiles\s+--create\s+(\S+)`)
	reAlternatives  = regexp.MustCompile(`(?m)^\s*(?:/usr/sbin/)?update-alternatives\s+--install\s+(\S+)\s+(\S+)\s+(\S+)\s+(\d+)`)

	reUseraddSystem = regexp.MustCompile(`(?:^|\s)-r\b|(?:^|\s)--system\b`)
	reFlagValue     = regexp.MustCompile(`(-[a-zA-Z])\s+(\S+)`)
)

// AnalyzeScriptlet parses content as shell and recognizes the intents
// above, returning the structured hooks it found, the number of
// meaningful lines that fell outside the allowlist, and the number of
// meaningful lines in all (used to judge fidelity and, when the analysis
// is incomplete, to decide on the captured-intent fallback).
func AnalyzeScriptlet(content string) (hooks []types.DetectedHook, unrecognizedLines int, totalLines int) {
	lines := splitStatements(content)
	totalLines = len(lines)

	for _, line := range lines {
		switch {
		case reUseradd.MatchString(line):
			m := reUseradd.FindStringSubmatch(line)
			name := lastToken(m[1])
			hooks = append(hooks, types.DetectedHook{
				Kind: types.HookUser,
				User: &types.UserHook{Name: name, System: reUseraddSystem.MatchString(m[1])},
			})
		case reGroupadd.MatchString(line):
			m := reGroupadd.FindStringSubmatch(line)
			name := lastToken(m[1])
			hooks = append(hooks, types.DetectedHook{
				Kind: types.HookGroup,
				Grp:  &types.GroupHook{Name: name, System: reUseraddSystem.MatchString(m[1])},
			})
		case reSystemctl.MatchString(line):
			m := reSystemctl.FindStringSubmatch(line)
			hooks = append(hooks, types.DetectedHook{
				Kind: types.HookSystemd,
				Unit: &types.SystemdHook{Unit: m[2], Enable: m[1] == "enable"},
			})
		case reTmpfilesWrite.MatchString(line):
			m := reTmpfilesWrite.FindStringSubmatch(line)
			hooks = append(hooks, types.DetectedHook{
				Kind: types.HookTmpfiles,
				Tmp:  &types.TmpfilesHook{Line: "# from scriptlet: systemd-tmpfiles --create " + m[1]},
			})
		case reAlternatives.MatchString(line):
			m := reAlternatives.FindStringSubmatch(line)
			hooks = append(hooks, types.DetectedHook{
				Kind: types.HookAlternative,
				Alt: &types.AlternativeHook{
					Link: m[1], Name: lastPathSegment(m[2]), Path: m[3], Priority: atoiSafe(m[4]),
				},
			})
		case reLdconfig.MatchString(line), reIconCache.MatchString(line):
			// Recognized as idempotent, side-effect-free cache refreshes;
			// no structured hook is emitted, but the line does not count
			// against fidelity.
		default:
			if isMeaningfulShellLine(line) {
				unrecognizedLines++
			} else {
				totalLines--
			}
		}
	}
	return hooks, unrecognizedLines, totalLines
}

// Fidelity scores how completely a scriptlet's lines were recognized.
func Fidelity(unrecognized, total int) types.Fidelity {
	switch {
	case total == 0:
		return types.FidelityFull
	case unrecognized == 0:
		return types.FidelityFull
	case unrecognized < total/2:
		return types.FidelityHigh
	case unrecognized < total:
		return types.FidelityPartial
	default:
		return types.FidelityNone
	}
}

// worstFidelity returns the lower of two fidelity levels, so a
// package's overall fidelity is the weakest of its scriptlets.
func worstFidelity(a, b types.Fidelity) types.Fidelity {
	rank := map[types.Fidelity]int{
		types.FidelityNone: 0, types.FidelityPartial: 1, types.FidelityHigh: 2, types.FidelityFull: 3,
	}
	if rank[a] <= rank[b] {
		return a
	}
	return b
}

func splitStatements(content string) []string {
	raw := strings.Split(content, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		for _, stmt := range strings.Split(l, "&&") {
			out = append(out, strings.TrimSpace(stmt))
		}
	}
	return out
}

func isMeaningfulShellLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return false
	}
	switch line {
	case "fi", "done", "esac", "then", "do", "}", "{", "exit 0":
		return false
	}
	return true
}

func lastToken(args string) string {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func lastPathSegment(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return p
	}
	return p[idx+1:]
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}
