package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeAbsolute(t *testing.T) {
	c := New(nil)
	cwd := CanonicalPath{Atoms: []string{"home", "user"}}

	got, err := c.Canonicalize("/a/b/../c/./d", cwd)
	require.NoError(t, err)
	assert.Equal(t, "/a/c/d", got.String())
}

func TestCanonicalizeRelative(t *testing.T) {
	c := New(nil)
	cwd := CanonicalPath{Atoms: []string{"home", "user", "proj"}}

	got, err := c.Canonicalize("../out/file.txt", cwd)
	require.NoError(t, err)
	assert.Equal(t, "/home/user/out/file.txt", got.String())
}

func TestCanonicalizeClampsAtRoot(t *testing.T) {
	c := New(nil)
	cwd := CanonicalPath{}

	got, err := c.Canonicalize("/../../etc/passwd", cwd)
	require.NoError(t, err)
	assert.Equal(t, "/etc/passwd", got.String())
}

func TestCanonicalizeStripsDevicePrefix(t *testing.T) {
	c := New(nil)
	got, err := c.Canonicalize(`\\?\C:\Users\a.txt`, CanonicalPath{})
	require.NoError(t, err)
	assert.Equal(t, `\\?\`, got.DevicePrefix)
	assert.Equal(t, "/C:/Users/a.txt", got.String())
}

func TestCanonicalizeInvalidCharacter(t *testing.T) {
	c := New(nil)
	_, err := c.Canonicalize("/a/b\x00c", CanonicalPath{})
	require.ErrorIs(t, err, ErrInvalidCharacter)
}

func TestCanonicalizeCaseFolding(t *testing.T) {
	c := New(func(string) bool { return true })
	got, err := c.Canonicalize("/Users/Alice/Docs", CanonicalPath{})
	require.NoError(t, err)
	assert.Equal(t, "/users/alice/docs", got.String())
	assert.True(t, got.CaseFolded)
}

// Canonicalization idempotence: canonicalize(canonicalize(x)) == canonicalize(x).
func TestCanonicalizeIdempotent(t *testing.T) {
	c := New(nil)
	cwd := CanonicalPath{Atoms: []string{"a"}}
	inputs := []string{"/a/b/../c", "rel/./d", "/x//y/", "/..", "/a/b/c"}

	for _, in := range inputs {
		once, err := c.Canonicalize(in, cwd)
		require.NoError(t, err)
		twice, err := c.Canonicalize(once.String(), cwd)
		require.NoError(t, err)
		assert.True(t, once.Equal(twice), "not idempotent for %q: %q vs %q", in, once.String(), twice.String())
	}
}

func TestHasPrefixAtomBoundary(t *testing.T) {
	p := CanonicalPath{Atoms: []string{"foo", "barbaz"}}
	prefix := CanonicalPath{Atoms: []string{"foo", "bar"}}
	assert.False(t, p.HasPrefix(prefix), "atom-boundary prefix must not match substring")

	exact := CanonicalPath{Atoms: []string{"foo"}}
	assert.True(t, p.HasPrefix(exact))
}
