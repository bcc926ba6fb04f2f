// Package reparse implements the reparse-point resolver: it walks a
// canonical path segment by segment, expanding symlinks and junctions into
// an ordered chain, consulting a process-wide Resolved-Path Cache along the
// way.
package reparse

import (
	"fmt"
	"path"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/buildpip/pipsandbox/internal/pathutil"
)

// LinkKind classifies one entry of a Reparse-Point Chain.
type LinkKind int

const (
	// Final marks the terminal, non-link element of a chain.
	Final LinkKind = iota
	FileSymlink
	DirectorySymlink
	Junction
	// Absent marks a chain that stopped because a segment does not exist.
	Absent
)

func (k LinkKind) String() string {
	switch k {
	case Final:
		return "Final"
	case FileSymlink:
		return "FileSymlink"
	case DirectorySymlink:
		return "DirectorySymlink"
	case Junction:
		return "Junction"
	case Absent:
		return "Absent"
	default:
		return "Unknown"
	}
}

// MaxChainLength bounds the number of links a single resolution may
// traverse, matching common OS limits.
const MaxChainLength = 63

// Link is one element of a Chain: the canonical path of the link itself and
// its kind.
type Link struct {
	Path pathutil.CanonicalPath
	Kind LinkKind
}

// Chain is the ordered, finite, acyclic sequence produced by Resolve. Final
// is the last element's Kind unless resolution hit Absent (returned with a
// nil error), preserved a terminal link, or stopped with a CyclicLinkError
// or DeniedLinkError (in which case Chain is still returned partially
// populated, alongside that non-nil error from Resolve).
type Chain struct {
	Links []Link
	// Real is the fully resolved canonical path once every link in the
	// chain has been expanded; meaningless when the chain ends in Absent.
	Real pathutil.CanonicalPath
}

// CyclicLinkError is returned when a resolution exceeds MaxChainLength,
// classified by the Access Classifier as a cyclic link (a ResolutionError).
type CyclicLinkError struct {
	Path pathutil.CanonicalPath
}

func (e *CyclicLinkError) Error() string {
	return fmt.Sprintf("reparse: chain exceeds %d links starting at %s", MaxChainLength, e.Path.String())
}

// DeniedLinkError is returned when report denied the synthetic Read access
// generated for an intermediate link: the walk stops at that link rather
// than substituting its target and continuing toward the real path.
type DeniedLinkError struct {
	Path pathutil.CanonicalPath
}

func (e *DeniedLinkError) Error() string {
	return fmt.Sprintf("reparse: intermediate link %s denied", e.Path.String())
}

// Info describes what the filesystem reports about a single path element,
// as needed by the resolver. It deliberately mirrors lstat semantics: it
// never itself follows a link.
type Info struct {
	Exists bool
	IsDir  bool
	Kind   LinkKind // Final when not a link
	// Target is the link's raw target text, meaningful only when Kind is a
	// link kind. It may be relative, in which case it is combined with the
	// link's parent directory.
	Target string
}

// FileSystem is the resolver's sole dependency on the outside world. A
// production agent backs it with lstat/readlink syscalls; tests use an
// in-memory fake.
type FileSystem interface {
	Lstat(p pathutil.CanonicalPath) (Info, error)
}

// AccessReporter receives the synthetic Read access generated for every
// intermediate link the resolver traverses — each must be permitted by the
// manifest. The caller (normally backed by a manifest Lookup, since the
// resolver itself has no policy knowledge) reports the access and returns
// whether it was allowed; when it returns false, walk stops at that link
// instead of substituting its target and continuing.
type AccessReporter func(link Link) bool

// Cache is the Resolved-Path Cache: a mapping from (raw input
// path, preserve-last-segment flag) to Chain, invalidated whenever a write
// or delete touches any path that appears in a cached chain. It is safe for
// concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]Chain
}

type cacheKey struct {
	path         string
	preserveLast bool
}

// NewCache returns an empty, ready-to-use Resolved-Path Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]Chain)}
}

func (c *Cache) get(raw string, preserveLast bool) (Chain, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chain, ok := c.entries[cacheKey{path: raw, preserveLast: preserveLast}]
	return chain, ok
}

func (c *Cache) put(raw string, preserveLast bool, chain Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{path: raw, preserveLast: preserveLast}] = chain
}

// Invalidate removes every cached chain whose Links or Real path contains p.
// It evicts precisely the affected entries rather than flushing the whole
// cache; the scan needed to decide "contains p" is cheap relative to a full
// agent-wide flush.
func (c *Cache) Invalidate(p pathutil.CanonicalPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := p.String()
	for key, chain := range c.entries {
		if chainContains(chain, target) {
			delete(c.entries, key)
		}
	}
}

// Flush empties the entire cache, the coarse alternative for callers that
// cannot tell which entries a write affected.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[cacheKey]Chain)
}

func chainContains(chain Chain, target string) bool {
	if chain.Real.String() == target {
		return true
	}
	for _, l := range chain.Links {
		if l.Path.String() == target {
			return true
		}
	}
	return false
}

// Resolver walks canonical paths into Reparse-Point Chains.
type Resolver struct {
	fs    FileSystem
	cache *Cache
}

// New builds a Resolver. cache may be shared across many Resolve calls from
// the same agent process; it must not be shared across processes.
func New(fs FileSystem, cache *Cache) *Resolver {
	if cache == nil {
		cache = NewCache()
	}
	return &Resolver{fs: fs, cache: cache}
}

// Cache returns the Resolved-Path Cache backing this Resolver, so callers
// can invalidate it after a successful Write or Delete verdict.
func (r *Resolver) Cache() *Cache { return r.cache }

// Cached reports whether the cache currently holds this exact (path,
// preserveLast) pair — used by callers to decide between reporting
// ReparsePointTarget and ReparsePointTargetCached.
func (r *Resolver) Cached(raw string, preserveLast bool) bool {
	_, ok := r.cache.get(raw, preserveLast)
	return ok
}

// CachedChain returns the cached chain for (raw, preserveLast), if any.
// Callers that hit use it to re-report each traversed link as
// ReparsePointTargetCached without re-walking the path.
func (r *Resolver) CachedChain(raw string, preserveLast bool) (Chain, bool) {
	return r.cache.get(raw, preserveLast)
}

// Resolve walks a path, expanding reparse points into a Chain. raw is the
// canonical (already translated) starting path; preserveLast, when true,
// stops before expanding a reparse
// point occupying the final segment (open-with-no-follow semantics).
// report, if non-nil, is invoked once per intermediate link traversed on a
// cache miss; it is never invoked on a cache hit, since no traversal occurs.
func (r *Resolver) Resolve(p pathutil.CanonicalPath, preserveLast bool, report AccessReporter) (Chain, error) {
	raw := p.String()
	if chain, ok := r.cache.get(raw, preserveLast); ok {
		return chain, nil
	}

	chain, err := r.walk(p, preserveLast, report)
	if err == nil {
		r.cache.put(raw, preserveLast, chain)
	}
	return chain, err
}

// walk resolves start segment by segment, rather than lstat-ing the whole
// path at once, so that a directory symlink or junction anywhere along the
// path (not just its final component) is expanded.
func (r *Resolver) walk(start pathutil.CanonicalPath, preserveLast bool, report AccessReporter) (Chain, error) {
	var chain Chain
	visited := mapset.NewSet[string]()

	prefix := pathutil.CanonicalPath{CaseFolded: start.CaseFolded}
	remaining := append([]string{}, start.Atoms...)
	steps := 0

	for {
		if len(remaining) == 0 {
			chain.Real = prefix
			return chain, nil
		}

		candidate := prefix.Join(remaining[0])

		info, err := r.fs.Lstat(candidate)
		if err != nil {
			return chain, fmt.Errorf("reparse: lstat %s: %w", candidate.String(), err)
		}
		if !info.Exists {
			chain.Links = append(chain.Links, Link{Path: candidate, Kind: Absent})
			chain.Real = candidate
			return chain, nil
		}

		isLastSegment := len(remaining) == 1

		if info.Kind == Final {
			prefix = candidate
			remaining = remaining[1:]
			if len(remaining) == 0 {
				chain.Links = append(chain.Links, Link{Path: candidate, Kind: Final})
				chain.Real = candidate
				return chain, nil
			}
			continue
		}

		// candidate is itself a reparse point.
		if isLastSegment && preserveLast {
			chain.Links = append(chain.Links, Link{Path: candidate, Kind: info.Kind})
			chain.Real = candidate
			return chain, nil
		}

		// Both the visited set and the length bound track links actually
		// expanded; re-walking a plain directory prefix that a target shares
		// with its source is not a cycle.
		key := candidate.String()
		if visited.Contains(key) {
			return chain, &CyclicLinkError{Path: start}
		}
		visited.Add(key)
		steps++
		if steps > MaxChainLength {
			return chain, &CyclicLinkError{Path: start}
		}

		link := Link{Path: candidate, Kind: info.Kind}
		chain.Links = append(chain.Links, link)
		if report != nil && !report(link) {
			chain.Real = candidate
			return chain, &DeniedLinkError{Path: link.Path}
		}

		target := resolveTarget(candidate, info.Target)
		prefix = pathutil.CanonicalPath{CaseFolded: start.CaseFolded}
		remaining = append(append([]string{}, target.Atoms...), remaining[1:]...)
	}
}

// resolveTarget combines a link's raw target text with the link's parent
// directory when the target is relative.
func resolveTarget(link pathutil.CanonicalPath, target string) pathutil.CanonicalPath {
	target = strings.ReplaceAll(target, `\`, "/")
	if strings.HasPrefix(target, "/") {
		return pathutil.CanonicalPath{Atoms: splitAtoms(target), CaseFolded: link.CaseFolded}
	}
	joined := path.Join(link.Parent().String(), target)
	return pathutil.CanonicalPath{Atoms: splitAtoms(joined), CaseFolded: link.CaseFolded}
}

func splitAtoms(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
