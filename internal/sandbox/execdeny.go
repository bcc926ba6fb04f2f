// Package sandbox implements the Controller: it spawns a pip's
// root process, multiplexes the Report Channel across the whole process
// tree, enforces timeout/cancellation, and assembles the
// SandboxedProcessResult.
package sandbox

import (
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/buildpip/pipsandbox/internal/config"
	"github.com/buildpip/pipsandbox/internal/pathutil"
)

// commonExecutableDirs are searched in addition to PATH so a denied name
// still resolves when the sandboxed process rewrites PATH before exec.
var commonExecutableDirs = []string{
	"/usr/bin",
	"/bin",
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/opt/local/bin",
}

// ResolveDeniedExecutables turns a pip's CommandConfig into the absolute,
// canonical executable paths the Access Classifier's process-creation rule
// must always deny. Only single-token rules resolve to concrete paths;
// anything carrying shell or glob syntax is skipped, since runtime
// enforcement is path-based and conservative.
func ResolveDeniedExecutables(cmd config.CommandConfig) []pathutil.CanonicalPath {
	var denyRules []string
	denyRules = append(denyRules, cmd.Deny...)
	if cmd.UseDefaults() {
		denyRules = append(denyRules, config.DefaultDeniedCommands...)
	}

	canon := pathutil.New(nil)
	var paths []pathutil.CanonicalPath
	seen := make(map[string]bool)
	addCanonical := func(raw string) {
		p, err := canon.Canonicalize(raw, pathutil.CanonicalPath{})
		if err != nil || seen[p.String()] {
			return
		}
		seen[p.String()] = true
		paths = append(paths, p)
	}

	for _, rule := range denyRules {
		token, ok := runtimeExecutableToken(rule)
		if !ok {
			continue
		}
		for _, candidate := range executableCandidates(token) {
			if !isRegularFile(candidate) {
				continue
			}
			addCanonical(candidate)
			// A denied name must keep biting when the on-disk entry is a
			// wrapper link to the real binary.
			if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
				addCanonical(resolved)
			}
		}
	}

	slices.SortFunc(paths, func(a, b pathutil.CanonicalPath) int { return strings.Compare(a.String(), b.String()) })
	return paths
}

func runtimeExecutableToken(rule string) (string, bool) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return "", false
	}
	fields := strings.Fields(rule)
	if len(fields) != 1 {
		return "", false
	}
	token := fields[0]
	// Glob or shell syntax never names one file.
	if config.ContainsGlobChars(token) || strings.ContainsAny(token, "|&;()<>$`=") {
		return "", false
	}
	return token, true
}

// executableCandidates lists the on-disk locations a deny token may bind
// to: the token itself when it carries a path separator, otherwise its
// PATH hit plus every common system bin dir.
func executableCandidates(token string) []string {
	if strings.ContainsRune(token, filepath.Separator) {
		if filepath.IsAbs(token) {
			return []string{token}
		}
		cwd, err := os.Getwd()
		if err != nil {
			return nil
		}
		return []string{filepath.Join(cwd, token)}
	}

	candidates := make([]string, 0, len(commonExecutableDirs)+1)
	if found, err := exec.LookPath(token); err == nil {
		candidates = append(candidates, found)
	}
	for _, dir := range commonExecutableDirs {
		candidates = append(candidates, filepath.Join(dir, token))
	}
	return candidates
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
