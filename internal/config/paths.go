package config

import (
	"os"
	"path/filepath"
	"strings"
)

// ContainsGlobChars reports whether a pip-supplied pattern uses glob
// matching syntax rather than naming a single path.
func ContainsGlobChars(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[]")
}

// trimScopeSuffix splits a manifest entry path of the form "<dir>/**" into
// the directory plus a flag meaning "this entry covers the whole subtree".
// Pip authors write the glob form; the trie wants a scope node.
func trimScopeSuffix(path string) (string, bool) {
	trimmed := strings.TrimSuffix(path, "/**")
	return trimmed, trimmed != path
}

// ExpandConfigPath prepares a pip-supplied path for canonicalization: "~"
// expands to the invoking user's home directory, and relative non-glob
// paths resolve against the loading process's working directory, so a
// manifest entry like "~/.cache/pip" or "./out" means what its author
// intended rather than landing under whatever cwd the agent later
// observes. Non-glob results get best-effort symlink resolution so the
// entry matches the real path the resolver will report.
func ExpandConfigPath(raw string) string {
	expanded := raw
	switch {
	case raw == "~":
		if home, err := os.UserHomeDir(); err == nil {
			expanded = home
		}
	case strings.HasPrefix(raw, "~/"):
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, raw[2:])
		}
	case !filepath.IsAbs(raw) && !ContainsGlobChars(raw):
		if abs, err := filepath.Abs(raw); err == nil {
			expanded = abs
		}
	}

	if !ContainsGlobChars(expanded) {
		if resolved, err := filepath.EvalSymlinks(expanded); err == nil {
			return resolved
		}
	}
	return expanded
}
