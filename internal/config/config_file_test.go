package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpip/pipsandbox/internal/pathutil"
)

func canonPath(atoms ...string) pathutil.CanonicalPath {
	return pathutil.CanonicalPath{Atoms: atoms}
}

func TestMarshalConfigJSON_OmitsEmptySections(t *testing.T) {
	cfg := &PipConfig{Executable: "/usr/bin/true"}
	cfg.Command.Deny = []string{"curl"}

	data, err := MarshalConfigJSON(cfg)
	require.NoError(t, err)

	output := string(data)
	assert.Contains(t, output, `"curl"`)
	assert.NotContains(t, output, `"manifest"`)
	assert.NotContains(t, output, `"policy"`)
}

func TestFormatConfigForFile_WithHeaderLines(t *testing.T) {
	cfg := &PipConfig{Executable: "/bin/echo"}
	cfg.Extends = "base"

	output, err := FormatConfigForFile(cfg, FileWriteOptions{
		HeaderLines: []string{
			"// line 1",
			"// line 2",
		},
	})
	require.NoError(t, err)

	assert.Contains(t, output, "// line 1\n// line 2\n{")
	assert.Contains(t, output, `"extends": "base"`)
}

func TestWriteAndLoadConfigFileRoundTrip(t *testing.T) {
	fsys := afero.NewMemMapFs()

	cfg := &PipConfig{Executable: "/usr/bin/make"}
	cfg.Args = []string{"-j4"}
	cfg.Manifest.PlatformDefaults = true
	cfg.Manifest.Entries = []PathPolicyConfig{
		{Path: "/workspace", Scope: true, AllowRead: true, AllowWrite: true},
	}

	require.NoError(t, WriteConfigFile(fsys, cfg, "/pip.json", FileWriteOptions{}))

	got, err := Load(fsys, "/pip.json")
	require.NoError(t, err)
	assert.Equal(t, cfg.Executable, got.Executable)
	assert.Equal(t, cfg.Args, got.Args)
	require.Len(t, got.Manifest.Entries, 1)
	assert.Equal(t, "/workspace", got.Manifest.Entries[0].Path)
	assert.True(t, got.Manifest.PlatformDefaults)
}

func TestLoadStripsJSONCComments(t *testing.T) {
	fsys := afero.NewMemMapFs()
	doc := []byte(`{
  // the executable to sandbox
  "executable": "/bin/ls",
  "args": ["-la"] // trailing comment
}`)
	require.NoError(t, afero.WriteFile(fsys, "/pip.jsonc", doc, 0o600))

	cfg, err := Load(fsys, "/pip.jsonc")
	require.NoError(t, err)
	assert.Equal(t, "/bin/ls", cfg.Executable)
	assert.Equal(t, []string{"-la"}, cfg.Args)
}

func TestBuildManifestAppliesPlatformDefaultsAndEntries(t *testing.T) {
	mc := ManifestConfig{
		PlatformDefaults: true,
		Entries: []PathPolicyConfig{
			{Path: "/workspace", Scope: true, AllowRead: true, AllowWrite: true},
		},
		DenyGlobs: []string{"**/.bashrc"},
	}

	m, err := BuildManifest(mc)
	require.NoError(t, err)

	policy, _ := m.Lookup(canonPath("workspace", "out.txt"))
	assert.True(t, policy.AllowWrite)

	sysPolicy, _ := m.Lookup(canonPath("usr", "bin", "ls"))
	assert.True(t, sysPolicy.AllowRead)
}
