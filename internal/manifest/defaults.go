package manifest

import (
	"os"
	"path/filepath"

	"github.com/buildpip/pipsandbox/internal/pathutil"
)

// DefaultReadablePaths returns the platform default-untracked paths: system
// directories and version-manager installs a pip almost always needs to
// read to run at all — an injected list of canonical paths the manifest
// treats as always-allowed, so a pip author never has to enumerate them.
func DefaultReadablePaths() []string {
	home, _ := os.UserHomeDir()

	paths := []string{
		"/bin", "/sbin", "/usr", "/lib", "/lib64",
		"/etc", "/proc", "/sys", "/dev",
		"/opt", "/run",
		"/tmp", "/private/tmp",
		"/usr/local", "/opt/homebrew", "/nix", "/snap",
	}

	if home != "" {
		paths = append(paths,
			filepath.Join(home, ".nvm"),
			filepath.Join(home, ".pyenv"),
			filepath.Join(home, ".rbenv"),
			filepath.Join(home, ".cargo/bin"),
			filepath.Join(home, ".rustup"),
			filepath.Join(home, "go/bin"),
			filepath.Join(home, ".local/bin"),
		)
	}

	return paths
}

// DefaultWritablePaths returns system paths that must remain writable for
// ordinary process output (stdio devices, scratch directories) regardless
// of what a pip's manifest otherwise restricts.
func DefaultWritablePaths() []string {
	home, _ := os.UserHomeDir()
	paths := []string{"/dev/stdout", "/dev/stderr", "/dev/null", "/dev/tty", "/tmp/pipsandbox"}
	if home != "" {
		paths = append(paths, filepath.Join(home, ".pipsandbox/debug"))
	}
	return paths
}

// MandatoryDenyGlobs returns glob patterns (doublestar syntax) for paths
// that must always be denied, regardless of any AllowGlob or trie entry.
func MandatoryDenyGlobs(allowGitConfig bool) []string {
	patterns := []string{
		"**/.gitconfig", "**/.gitmodules", "**/.bashrc", "**/.bash_profile",
		"**/.zshrc", "**/.zprofile", "**/.profile", "**/.netrc",
		"**/.ssh/id_*", "**/.aws/credentials",
		"**/.vscode/**", "**/.idea/**",
		"**/.git/hooks/**",
	}
	if !allowGitConfig {
		patterns = append(patterns, "**/.git/config")
	}
	return patterns
}

// WithPlatformDefaults seeds b with the default-untracked readable paths
// (granted read+probe+enumerate+scope), the default writable paths (granted
// read+write+probe), and the mandatory deny globs, then returns b for
// chaining. A pip author still wins on anything more specific they Add
// themselves, since DenyGlob only ever tightens a lookup and trie entries
// are looked up before overrides are applied.
func (b *Builder) WithPlatformDefaults(allowGitConfig bool) *Builder {
	for _, p := range DefaultReadablePaths() {
		b.Add(PathPolicy{
			Path:   pathutil.CanonicalPath{Atoms: splitPath(filepath.ToSlash(p))},
			Policy: PolicyBits{AllowRead: true, AllowProbe: true, AllowEnumerate: true, PolicyScope: true},
		})
	}
	for _, p := range DefaultWritablePaths() {
		b.Add(PathPolicy{
			Path:   pathutil.CanonicalPath{Atoms: splitPath(filepath.ToSlash(p))},
			Policy: PolicyBits{AllowRead: true, AllowWrite: true, AllowProbe: true},
		})
	}
	for _, g := range MandatoryDenyGlobs(allowGitConfig) {
		b.DenyGlob(g)
	}
	return b
}
