package sandbox

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpip/pipsandbox/internal/config"
)

func TestResolveShellDefaultUsesBash(t *testing.T) {
	inv, err := ResolveShell(config.ShellDefault, false)
	require.NoError(t, err)
	assert.Equal(t, "bash", filepath.Base(inv.Path))
	assert.Equal(t, []string{"-c", "echo hi"}, inv.Argv("echo hi"))
}

func TestResolveShellLoginFlag(t *testing.T) {
	inv, err := ResolveShell(config.ShellDefault, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"-lc"}, inv.Flags)
}

func TestResolveShellUserValidatesSHELL(t *testing.T) {
	bashPath, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available in test environment")
	}
	t.Setenv("SHELL", bashPath)

	inv, err := ResolveShell(config.ShellUser, false)
	require.NoError(t, err)
	assert.Equal(t, bashPath, inv.Path)
}

func TestResolveShellUserRejectsRelativeSHELL(t *testing.T) {
	t.Setenv("SHELL", "bash")
	_, err := ResolveShell(config.ShellUser, false)
	assert.Error(t, err)
}

func TestResolveShellUserRejectsUnknownShellName(t *testing.T) {
	t.Setenv("SHELL", "/usr/bin/python3")
	_, err := ResolveShell(config.ShellUser, false)
	assert.Error(t, err)
}

func TestResolveShellUserRequiresSHELLSet(t *testing.T) {
	t.Setenv("SHELL", "")
	_, err := ResolveShell(config.ShellUser, false)
	assert.Error(t, err)
}
