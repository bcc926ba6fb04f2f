package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpip/pipsandbox/internal/translate"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := NewBuilder().
		WithDefaultPolicy(PolicyBits{ReportAccess: true}).
		Add(PathPolicy{Path: cp("a", "b"), Policy: PolicyBits{PolicyScope: true, AllowRead: true, ReportAllAccesses: true}}).
		Add(PathPolicy{Path: cp("a", "b", "c"), Policy: PolicyBits{AllowWrite: true}}).
		Add(PathPolicy{Path: cp("x"), Policy: PolicyBits{AllowProbe: true}}).
		AllowGlob("**/*.log", PolicyBits{AllowWrite: true}).
		DenyGlob("**/.bashrc").
		WithTranslation(translate.Rule{From: cp("mnt", "d"), To: cp("d")}).
		Build()

	data, err := Encode(orig)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	for _, path := range []struct {
		p        []string
		wantRead bool
	}{
		{[]string{"a", "b"}, true},
		{[]string{"a", "b", "z"}, true},
	} {
		origPolicy, _ := orig.Lookup(cp(path.p...))
		gotPolicy, _ := got.Lookup(cp(path.p...))
		assert.Equal(t, origPolicy, gotPolicy, "lookup(%v) diverged after round-trip", path.p)
	}

	cPolicyOrig, _ := orig.Lookup(cp("a", "b", "c"))
	cPolicyGot, _ := got.Lookup(cp("a", "b", "c"))
	assert.Equal(t, cPolicyOrig, cPolicyGot)

	logOrig, _ := orig.Lookup(cp("var", "out.log"))
	logGot, _ := got.Lookup(cp("var", "out.log"))
	assert.Equal(t, logOrig, logGot)
	assert.True(t, logGot.AllowWrite)

	bashrcGot, _ := got.Lookup(cp("home", ".bashrc"))
	assert.False(t, bashrcGot.AllowRead)

	require.Len(t, got.Translations, 1)
	assert.Equal(t, "/mnt/d", got.Translations[0].From.String())
	assert.Equal(t, "/d", got.Translations[0].To.String())
}

// An intermediate trie node (one that exists only because a descendant
// entry does) must not come back from the wire as an exact-match entry:
// a lookup landing on it still falls through to the manifest default.
func TestRoundTripPreservesIntermediateNodeFallthrough(t *testing.T) {
	orig := NewBuilder().
		WithDefaultPolicy(PolicyBits{ReportAccess: true}).
		Add(PathPolicy{Path: cp("a", "b", "c"), Policy: PolicyBits{AllowRead: true}}).
		Build()

	data, err := Encode(orig)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	origPolicy, _ := orig.Lookup(cp("a"))
	gotPolicy, _ := got.Lookup(cp("a"))
	assert.Equal(t, origPolicy, gotPolicy)
	assert.True(t, gotPolicy.ReportAccess, "intermediate node must fall through to the default policy")
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte("NOPE0000000000"))
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsCorruptedChecksum(t *testing.T) {
	orig := NewBuilder().Add(PathPolicy{Path: cp("a"), Policy: PolicyBits{AllowRead: true}}).Build()
	data, err := Encode(orig)
	require.NoError(t, err)

	corrupted := append([]byte{}, data...)
	corrupted[len(corrupted)-1] ^= 0xFF

	_, err = Decode(corrupted)
	require.ErrorIs(t, err, ErrChecksum)
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	orig := NewBuilder().Add(PathPolicy{Path: cp("a"), Policy: PolicyBits{AllowRead: true}}).Build()
	data, err := Encode(orig)
	require.NoError(t, err)

	_, err = Decode(data[:len(data)-10])
	require.Error(t, err)
}
