// Package translate implements the directory translator: an ordered set of
// prefix rewrites applied once to a canonical path before policy lookup and
// reparse-point resolution.
package translate

import "github.com/buildpip/pipsandbox/internal/pathutil"

// Rule is a single (from, to) prefix rewrite, compared on atom boundaries.
type Rule struct {
	From pathutil.CanonicalPath
	To   pathutil.CanonicalPath
}

// Translator holds an ordered, frozen list of rules. Ties among equally long
// matching From prefixes are broken by insertion order (first rule wins).
type Translator struct {
	rules []Rule
}

// Builder accumulates rules in insertion order before freezing them into a
// Translator.
type Builder struct {
	rules []Rule
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// Add appends a rewrite rule. Order of Add calls is the tie-break order used
// by Build's resulting Translator.
func (b *Builder) Add(from, to pathutil.CanonicalPath) *Builder {
	b.rules = append(b.rules, Rule{From: from, To: to})
	return b
}

// Build freezes the accumulated rules into a Translator.
func (b *Builder) Build() *Translator {
	rules := make([]Rule, len(b.rules))
	copy(rules, b.rules)
	return &Translator{rules: rules}
}

// Translate applies the longest matching From prefix to p exactly once.
// The translator is never re-entered on its own output:
// Translate always operates on the caller-supplied path, never recursively
// on its own result, so repeated calls against the same input are
// idempotent by construction.
func (t *Translator) Translate(p pathutil.CanonicalPath) pathutil.CanonicalPath {
	best := -1
	bestLen := -1
	for i, r := range t.rules {
		if !p.HasPrefix(r.From) {
			continue
		}
		if len(r.From.Atoms) > bestLen {
			bestLen = len(r.From.Atoms)
			best = i
		}
	}
	if best == -1 {
		return p
	}

	rule := t.rules[best]
	remainder := p.Atoms[len(rule.From.Atoms):]
	return rule.To.Join(remainder...)
}

// Rules returns a copy of the frozen rule list, longest-from-first is NOT
// guaranteed; callers needing match order should use Translate.
func (t *Translator) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}
