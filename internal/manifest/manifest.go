package manifest

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/buildpip/pipsandbox/internal/pathutil"
	"github.com/buildpip/pipsandbox/internal/translate"
)

// PathPolicy is one manifest entry as supplied by a pip definition: an
// absolute canonical path plus the bits that apply to it.
type PathPolicy struct {
	Path   pathutil.CanonicalPath
	Policy PolicyBits
}

// GlobOverride is a glob-style rule (e.g. "**/.git/hooks/**") evaluated
// independently of the atom trie. Overrides model manifest-wide rules that
// don't correspond to one exact node — mandatory deny patterns, dangerous
// dotfile protection, and similar cross-cutting policy the build-system
// caller wants enforced regardless of what any single trie entry says.
//
// Overrides are consulted after the trie lookup. An allow override (see
// Builder.AllowGlob) ORs its bits into the effective policy rather than
// replacing it; a deny override (see Builder.DenyGlob) clears every allow
// bit and sets ReportAccess, and is applied after all allow overrides so
// that nothing can re-grant what it takes away.
type GlobOverride struct {
	Pattern string
	Policy  PolicyBits
	deny    bool
}

// Manifest is the frozen, read-only policy trie plus its glob-override
// layer and manifest-wide default. It is immutable after Build returns and
// therefore safe for concurrent Lookup calls without synchronization.
type Manifest struct {
	root          *node
	overrides     []GlobOverride
	denyOverrides []GlobOverride
	defaultPolicy PolicyBits
	// Translations is carried alongside the trie because the wire format
	// bundles the Directory Translator's rules into the same buffer as the
	// policy trie — a Manifest is the immutable policy trie plus
	// translations plus defaults handed to the agent.
	Translations []translate.Rule
}

// Builder accumulates PathPolicy entries and glob overrides before freezing
// them into a Manifest via Build.
type Builder struct {
	entries       []PathPolicy
	overrides     []GlobOverride
	denyOverrides []GlobOverride
	defaultPolicy PolicyBits
	translations  []translate.Rule
}

// NewBuilder returns a Builder whose manifest default denies everything and
// reports it.
func NewBuilder() *Builder {
	return &Builder{defaultPolicy: PolicyBits{ReportAccess: true}}
}

// WithDefaultPolicy overrides the manifest-wide default policy returned when
// no trie entry and no scope carrier covers a lookup path.
func (b *Builder) WithDefaultPolicy(p PolicyBits) *Builder {
	b.defaultPolicy = p
	return b
}

// Add registers a single PathPolicy entry. Duplicate entries at the same
// canonical path are merged by Build (OR of allow/report bits, PolicyScope
// taken from the most specific — i.e. the last — entry at that path).
func (b *Builder) Add(entry PathPolicy) *Builder {
	b.entries = append(b.entries, entry)
	return b
}

// AllowGlob adds a glob-pattern override (matched with doublestar semantics,
// "**" crossing path separators) whose bits are OR'd into any path matching
// pattern, in addition to whatever the trie says.
func (b *Builder) AllowGlob(pattern string, policy PolicyBits) *Builder {
	b.overrides = append(b.overrides, GlobOverride{Pattern: pattern, Policy: policy})
	return b
}

// DenyGlob registers a mandatory-deny glob pattern: a path matching pattern
// is always denied regardless of what the trie or any AllowGlob override
// says. This is how mandatory protections (git hooks, shell rc files) are
// expressed without requiring every allow-rule author to know about them.
func (b *Builder) DenyGlob(pattern string) *Builder {
	b.denyOverrides = append(b.denyOverrides, GlobOverride{Pattern: pattern, deny: true})
	return b
}

// WithTranslation appends a directory-translation rule that will be bundled
// into the serialized manifest and handed to the agent's Translator.
func (b *Builder) WithTranslation(r translate.Rule) *Builder {
	b.translations = append(b.translations, r)
	return b
}

// Build freezes the trie. At most one node exists per canonical path;
// duplicate Add calls targeting the same path are merged in encounter order.
func (b *Builder) Build() *Manifest {
	root := newNode()
	for _, e := range b.entries {
		n := root
		for _, atom := range e.Path.Atoms {
			n = n.ensureChild(atom)
		}
		if n.hasNode {
			merged := n.policy.Merge(e.Policy)
			merged.PolicyScope = e.Policy.PolicyScope
			n.policy = merged
		} else {
			n.policy = e.Policy
			n.hasNode = true
		}
	}

	overrides := make([]GlobOverride, len(b.overrides))
	copy(overrides, b.overrides)
	denyOverrides := make([]GlobOverride, len(b.denyOverrides))
	copy(denyOverrides, b.denyOverrides)

	translations := make([]translate.Rule, len(b.translations))
	copy(translations, b.translations)

	return &Manifest{
		root:          root,
		overrides:     overrides,
		denyOverrides: denyOverrides,
		defaultPolicy: b.defaultPolicy,
		Translations:  translations,
	}
}

// DefaultPolicy returns the manifest-wide fallback policy.
func (m *Manifest) DefaultPolicy() PolicyBits { return m.defaultPolicy }

// Lookup descends the trie by atoms,
// tracking the last ancestor with PolicyScope set as the scope carrier. The
// returned ManifestPath is the longest-matching node's path — the exact node
// if one exists, else the scope carrier — for use when the caller cannot
// construct the full canonical path for reporting.
func (m *Manifest) Lookup(p pathutil.CanonicalPath) (PolicyBits, pathutil.CanonicalPath) {
	n := m.root
	var scopeCarrier *node
	var scopeDepth int
	matchedDepth := 0

	if n.hasNode && n.policy.PolicyScope {
		scopeCarrier = n
		scopeDepth = 0
	}

	depth := 0
	for _, atom := range p.Atoms {
		child, ok := n.child(atom)
		if !ok {
			break
		}
		n = child
		depth++
		matchedDepth = depth
		if n.hasNode && n.policy.PolicyScope {
			scopeCarrier = n
			scopeDepth = depth
		}
	}

	var policy PolicyBits
	var manifestDepth int
	switch {
	case matchedDepth == len(p.Atoms) && n.hasNode:
		policy = n.policy
		manifestDepth = matchedDepth
	case scopeCarrier != nil:
		policy = scopeCarrier.policy
		manifestDepth = scopeDepth
	default:
		policy = m.defaultPolicy
		manifestDepth = matchedDepth
	}

	policy = m.applyOverrides(p, policy)

	manifestPath := pathutil.CanonicalPath{Atoms: p.Atoms[:manifestDepth], CaseFolded: p.CaseFolded}
	return policy, manifestPath
}

func (m *Manifest) applyOverrides(p pathutil.CanonicalPath, policy PolicyBits) PolicyBits {
	full := p.String()
	for _, ov := range m.overrides {
		if globMatch(ov.Pattern, full) {
			policy = policy.Merge(ov.Policy)
		}
	}
	for _, ov := range m.denyOverrides {
		if globMatch(ov.Pattern, full) {
			policy.AllowRead = false
			policy.AllowWrite = false
			policy.AllowProbe = false
			policy.AllowEnumerate = false
			policy.AllowSymlinkCreate = false
			policy.ReportAccess = true
		}
	}
	return policy
}

func globMatch(pattern, target string) bool {
	ok, err := doublestar.Match(pattern, target)
	return err == nil && ok
}
