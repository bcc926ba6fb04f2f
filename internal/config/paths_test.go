package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandConfigPathTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got := ExpandConfigPath("~/no-such-subdir/f.txt")
	assert.Equal(t, filepath.Join(home, "no-such-subdir/f.txt"), got)

	bare := ExpandConfigPath("~")
	assert.True(t, filepath.IsAbs(bare))
	assert.NotContains(t, bare, "~")
}

func TestExpandConfigPathRelativeBecomesAbsolute(t *testing.T) {
	got := ExpandConfigPath("out/file.txt")
	assert.True(t, filepath.IsAbs(got))
}

func TestExpandConfigPathGlobPatternUntouched(t *testing.T) {
	assert.Equal(t, "**/.git/hooks/**", ExpandConfigPath("**/.git/hooks/**"))
}

func TestExpandConfigPathTildeGlobExpandsHomeOnly(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".cache")+"/**", ExpandConfigPath("~/.cache/**"))
}

func TestContainsGlobChars(t *testing.T) {
	assert.True(t, ContainsGlobChars("*.log"))
	assert.True(t, ContainsGlobChars("a?c"))
	assert.False(t, ContainsGlobChars("/usr/bin/ls"))
}

func TestParseShellMode(t *testing.T) {
	mode, err := ParseShellMode("")
	require.NoError(t, err)
	assert.Equal(t, ShellDefault, mode)

	mode, err = ParseShellMode("user")
	require.NoError(t, err)
	assert.Equal(t, ShellUser, mode)

	_, err = ParseShellMode("csh")
	assert.Error(t, err)
}
