package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buildpip/pipsandbox/internal/pathutil"
)

func cp(a ...string) pathutil.CanonicalPath { return pathutil.CanonicalPath{Atoms: a} }

func TestLookupExactMatchWins(t *testing.T) {
	m := NewBuilder().
		Add(PathPolicy{Path: cp("a", "b"), Policy: PolicyBits{PolicyScope: true, AllowRead: true}}).
		Add(PathPolicy{Path: cp("a", "b", "c"), Policy: PolicyBits{AllowWrite: true}}).
		Build()

	policy, manifestPath := m.Lookup(cp("a", "b", "c"))
	assert.True(t, policy.AllowWrite)
	assert.False(t, policy.AllowRead, "exact node's policy should not inherit the scope carrier's bits")
	assert.Equal(t, "/a/b/c", manifestPath.String())
}

func TestLookupFallsBackToScopeCarrier(t *testing.T) {
	m := NewBuilder().
		Add(PathPolicy{Path: cp("a", "b"), Policy: PolicyBits{PolicyScope: true, AllowRead: true}}).
		Build()

	policy, manifestPath := m.Lookup(cp("a", "b", "c", "d"))
	assert.True(t, policy.AllowRead)
	assert.Equal(t, "/a/b", manifestPath.String())
}

func TestLookupDefaultWhenNoScopeCarrier(t *testing.T) {
	m := NewBuilder().WithDefaultPolicy(PolicyBits{ReportAccess: true}).Build()

	policy, manifestPath := m.Lookup(cp("x", "y"))
	assert.False(t, policy.AllowRead)
	assert.True(t, policy.ReportAccess)
	assert.Equal(t, "/", manifestPath.String())
}

func TestBuildMergesDuplicateEntries(t *testing.T) {
	m := NewBuilder().
		Add(PathPolicy{Path: cp("a"), Policy: PolicyBits{AllowRead: true}}).
		Add(PathPolicy{Path: cp("a"), Policy: PolicyBits{AllowWrite: true, PolicyScope: true}}).
		Build()

	policy, _ := m.Lookup(cp("a"))
	assert.True(t, policy.AllowRead)
	assert.True(t, policy.AllowWrite)
	assert.True(t, policy.PolicyScope, "policy_scope comes from the most specific (last) entry")
}

func TestDenyGlobOverridesAllowingTrieEntry(t *testing.T) {
	m := NewBuilder().
		Add(PathPolicy{Path: cp("home", "u"), Policy: PolicyBits{PolicyScope: true, AllowRead: true, AllowWrite: true}}).
		DenyGlob("**/.bashrc").
		Build()

	policy, _ := m.Lookup(cp("home", "u", ".bashrc"))
	assert.False(t, policy.AllowWrite)
	assert.False(t, policy.AllowRead)
	assert.True(t, policy.ReportAccess)
}

func TestAllowGlobGrantsAdditionalBits(t *testing.T) {
	m := NewBuilder().
		AllowGlob("**/*.log", PolicyBits{AllowWrite: true}).
		Build()

	policy, _ := m.Lookup(cp("var", "out.log"))
	assert.True(t, policy.AllowWrite)
}

// Manifest determinism: repeated lookups of the same path against the
// same manifest never change.
func TestLookupDeterministic(t *testing.T) {
	m := NewBuilder().
		Add(PathPolicy{Path: cp("a", "b"), Policy: PolicyBits{PolicyScope: true, AllowRead: true}}).
		Build()

	first, firstPath := m.Lookup(cp("a", "b", "c"))
	for i := 0; i < 10; i++ {
		again, againPath := m.Lookup(cp("a", "b", "c"))
		assert.Equal(t, first, again)
		assert.True(t, firstPath.Equal(againPath))
	}
}

func TestWithPlatformDefaultsGrantsSystemReadsAndBlocksDotfiles(t *testing.T) {
	m := NewBuilder().WithPlatformDefaults(false).Build()

	usrPolicy, _ := m.Lookup(cp("usr", "bin", "ls"))
	assert.True(t, usrPolicy.AllowRead)

	rcPolicy, _ := m.Lookup(cp("home", "dev", ".bashrc"))
	assert.False(t, rcPolicy.AllowRead)

	gitConfigPolicy, _ := m.Lookup(cp("home", "dev", "proj", ".git", "config"))
	assert.False(t, gitConfigPolicy.AllowRead)
}
