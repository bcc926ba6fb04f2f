package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/buildpip/pipsandbox/internal/config"
)

// ShellInvocation is a resolved interactive launch: the shell binary plus
// the argument prefix that makes it execute a single command string.
type ShellInvocation struct {
	Path  string
	Flags []string
}

// Argv returns the argument vector (not including the binary itself) that
// runs command under the resolved shell.
func (s ShellInvocation) Argv(command string) []string {
	return append(append([]string{}, s.Flags...), command)
}

// interactiveShells are the shell binaries a pip may select through $SHELL.
// Anything else — a script, a relative name, an arbitrary interpreter —
// errors out rather than silently running inside the sandbox.
var interactiveShells = []string{"bash", "dash", "fish", "ksh", "sh", "zsh"}

// ResolveShell maps a pip's shell mode onto a concrete invocation for
// cmd/pipbox's interactive launch path (`run` with no explicit executable).
// config.ShellDefault always takes bash from PATH so runs behave the same
// on every machine; config.ShellUser trusts $SHELL only after userShell's
// validation.
func ResolveShell(mode config.ShellMode, login bool) (ShellInvocation, error) {
	var path string
	var err error
	switch mode {
	case config.ShellDefault:
		path, err = exec.LookPath("bash")
		if err != nil {
			err = fmt.Errorf("sandbox: bash not found for default shell mode: %w", err)
		}
	case config.ShellUser:
		path, err = userShell(os.Getenv("SHELL"))
	default:
		err = fmt.Errorf("sandbox: unknown shell mode %d", mode)
	}
	if err != nil {
		return ShellInvocation{}, err
	}

	inv := ShellInvocation{Path: path, Flags: []string{"-c"}}
	if login {
		inv.Flags = []string{"-lc"}
	}
	return inv, nil
}

// userShell validates a $SHELL value before the sandbox will exec it: an
// absolute path to an executable regular file whose base name is a known
// interactive shell.
func userShell(raw string) (string, error) {
	shell := strings.TrimSpace(raw)
	if shell == "" {
		return "", fmt.Errorf("sandbox: user shell mode needs $SHELL")
	}
	if !filepath.IsAbs(shell) {
		return "", fmt.Errorf("sandbox: $SHELL must be an absolute path, got %q", shell)
	}
	if name := filepath.Base(shell); !slices.Contains(interactiveShells, name) {
		return "", fmt.Errorf("sandbox: %q is not a recognized interactive shell", name)
	}
	info, err := os.Stat(shell)
	if err != nil {
		return "", fmt.Errorf("sandbox: stat $SHELL: %w", err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("sandbox: $SHELL %q is not an executable file", shell)
	}
	return shell, nil
}
