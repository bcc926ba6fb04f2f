// Package classify implements the Access Classifier: the
// component that turns a canonicalized, translated, reparse-resolved
// syscall into a Verdict, an OperationKind, a RequestedAccess bitset, and
// the report record(s) that result from it.
package classify

import (
	"github.com/buildpip/pipsandbox/internal/accesskind"
	"github.com/buildpip/pipsandbox/internal/manifest"
	"github.com/buildpip/pipsandbox/internal/pathutil"
)

// Verdict is the sum type returned for every classified access.
type Verdict int

const (
	Allow Verdict = iota
	AllowAndReport
	Deny
	DenyAndReport
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "Allow"
	case AllowAndReport:
		return "AllowAndReport"
	case Deny:
		return "Deny"
	case DenyAndReport:
		return "DenyAndReport"
	default:
		return "Unknown"
	}
}

// Denied reports whether v should fail the underlying syscall when the
// manifest's fail_unexpected_file_accesses bit is set. A Deny verdict does
// not abort the OS call unless that bit is set.
func (v Verdict) Denied() bool { return v == Deny || v == DenyAndReport }

// Result is what a single classification decision produces: enough to both
// emit a ReportRecord and decide whether to forward the call to the OS.
type Result struct {
	Verdict            Verdict
	Operation          accesskind.OperationKind
	Access             accesskind.RequestedAccess
	Status             accesskind.ResultStatus
	Path               pathutil.CanonicalPath
	ManifestPath       pathutil.CanonicalPath
	ExplicitlyReported bool
}

// Classifier evaluates classified accesses against a frozen Policy
// Manifest. It holds no other mutable state and is safe for concurrent use:
// manifest lookups require no synchronization once frozen.
type Classifier struct {
	manifest                              *manifest.Manifest
	enforceCreationPolicy                 bool
	deniedExecutables                     map[string]struct{}
	failUnexpectedFileAccesses            bool
	existingDirectoryProbesAsEnumerations bool
	probeDirectorySymlinkAsDirectory      bool
}

// Option configures a Classifier at construction.
type Option func(*Classifier)

// WithFailUnexpectedFileAccesses records the manifest's fail_unexpected bit:
// a Deny verdict does not abort the OS call unless this is set. The
// Classifier itself never aborts a call — that decision belongs to whatever
// drives the syscall boundary — but it exposes the bit via
// FailUnexpectedFileAccesses so that caller can decide.
func WithFailUnexpectedFileAccesses(fail bool) Option {
	return func(c *Classifier) { c.failUnexpectedFileAccesses = fail }
}

// FailUnexpectedFileAccesses reports whether a Denied verdict should abort
// the underlying syscall rather than merely being reported.
func (c *Classifier) FailUnexpectedFileAccesses() bool { return c.failUnexpectedFileAccesses }

// WithExistingDirectoryProbesAsEnumerations resolves a configurable policy
// question: whether a read-open of an existing directory that does not
// itself enumerate entries is classified under AllowProbe (false, the
// default — it's a plain existence check) or under AllowEnumerate (true —
// probing a directory is treated as the start of an enumeration for policy
// purposes). Decision recorded in DESIGN.md; preserved literally once set
// for a given manifest/build rather than guessed per call.
func WithExistingDirectoryProbesAsEnumerations(enumerate bool) Option {
	return func(c *Classifier) { c.existingDirectoryProbesAsEnumerations = enumerate }
}

// WithProbeDirectorySymlinkAsDirectory resolves the companion open question:
// whether a directory symlink probed with preserve-last semantics (not
// followed) counts as "a directory" for
// WithExistingDirectoryProbesAsEnumerations's purposes, or is treated as an
// ordinary file-like probe on the link itself.
func WithProbeDirectorySymlinkAsDirectory(asDirectory bool) Option {
	return func(c *Classifier) { c.probeDirectorySymlinkAsDirectory = asDirectory }
}

// WithEnforceCreationPolicy controls how directory creation is classified:
// when true, CreateDirectory on an already-existing directory is classified
// as Write rather than Probe.
func WithEnforceCreationPolicy(enforce bool) Option {
	return func(c *Classifier) { c.enforceCreationPolicy = enforce }
}

// WithDeniedExecutables installs the runtime executable deny-list:
// CreateProcess against any of these canonical paths is always denied,
// regardless of manifest policy.
func WithDeniedExecutables(paths []pathutil.CanonicalPath) Option {
	return func(c *Classifier) {
		c.deniedExecutables = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			c.deniedExecutables[p.String()] = struct{}{}
		}
	}
}

// New builds a Classifier bound to a frozen manifest.
func New(m *manifest.Manifest, opts ...Option) *Classifier {
	c := &Classifier{manifest: m}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// decide applies the manifest's effective policy at p to a single requested
// access bit, returning the verdict, result status, and whether the access
// was explicitly reported.
func (c *Classifier) decide(p pathutil.CanonicalPath, access accesskind.RequestedAccess, allowedBit func(manifest.PolicyBits) bool) (Verdict, accesskind.ResultStatus, pathutil.CanonicalPath) {
	policy, manifestPath := c.manifest.Lookup(p)
	if !allowedBit(policy) {
		return DenyAndReport, accesskind.Denied, manifestPath
	}
	if policy.ReportAllAccesses || policy.ReportAccess {
		return AllowAndReport, accesskind.Allowed, manifestPath
	}
	return Allow, accesskind.Allowed, manifestPath
}

func explicitlyReported(v Verdict) bool { return v == AllowAndReport || v == DenyAndReport }

// OpenRequest describes a read/write-open syscall after canonicalization,
// translation, and reparse-point resolution.
type OpenRequest struct {
	Operation     accesskind.OperationKind
	Path          pathutil.CanonicalPath
	Exists        bool
	RequestsWrite bool
	ReadsData     bool
	// IsDirectory is true when the resolved target exists and is a plain
	// directory (not a symlink to one).
	IsDirectory bool
	// IsDirectorySymlink is true when the resolved target (without having
	// been followed) is itself a directory symlink, e.g. an open issued
	// with the "do not follow reparse points" flag against a link whose
	// target is a directory.
	IsDirectorySymlink bool
}

// ClassifyOpen classifies a read- or write-open against the manifest. A
// read-open that does not request write bits is a Read if it actually reads
// data, else a Probe; a Probe against an absent target is Allowed only when
// the manifest's scope grants AllowProbe, otherwise Denied. When the
// resolved target is a directory (or, per
// WithProbeDirectorySymlinkAsDirectory, a directory symlink) and
// WithExistingDirectoryProbesAsEnumerations is set, the probe is classified
// under AllowEnumerate instead of AllowProbe.
func (c *Classifier) ClassifyOpen(req OpenRequest) Result {
	if req.RequestsWrite {
		verdict, status, mp := c.decide(req.Path, accesskind.Write, func(p manifest.PolicyBits) bool { return p.AllowWrite })
		return Result{Verdict: verdict, Operation: req.Operation, Access: accesskind.Write, Status: status, Path: req.Path, ManifestPath: mp, ExplicitlyReported: explicitlyReported(verdict)}
	}

	access := accesskind.Probe
	if req.Exists && req.ReadsData {
		access = accesskind.Read
	}

	bit := func(p manifest.PolicyBits) bool { return p.AllowProbe }
	if access == accesskind.Read {
		bit = func(p manifest.PolicyBits) bool { return p.AllowRead }
	}

	isDir := req.IsDirectory || (req.IsDirectorySymlink && c.probeDirectorySymlinkAsDirectory)
	if access == accesskind.Probe && isDir && c.existingDirectoryProbesAsEnumerations {
		access = accesskind.Enumerate
		bit = func(p manifest.PolicyBits) bool { return p.AllowEnumerate }
	}

	verdict, status, mp := c.decide(req.Path, access, bit)
	return Result{Verdict: verdict, Operation: req.Operation, Access: access, Status: status, Path: req.Path, ManifestPath: mp, ExplicitlyReported: explicitlyReported(verdict)}
}

// ClassifyEnumerate handles FindFirstFile/NtQueryDirectoryFile:
// enumeration on
// a directory classifies as Enumerate on the directory itself, and every
// returned name classifies as EnumerationProbe against the manifest. The
// first Result is the directory enumeration; the rest, in the same order as
// names, are the per-entry probes.
func (c *Classifier) ClassifyEnumerate(dir pathutil.CanonicalPath, names []string) []Result {
	results := make([]Result, 0, len(names)+1)

	dirVerdict, dirStatus, dirMP := c.decide(dir, accesskind.Enumerate, func(p manifest.PolicyBits) bool { return p.AllowEnumerate })
	results = append(results, Result{
		Verdict: dirVerdict, Operation: accesskind.FindFirstFile, Access: accesskind.Enumerate,
		Status: dirStatus, Path: dir, ManifestPath: dirMP, ExplicitlyReported: explicitlyReported(dirVerdict),
	})

	for _, name := range names {
		entry := dir.Join(name)
		verdict, status, mp := c.decide(entry, accesskind.EnumerationProbe, func(p manifest.PolicyBits) bool { return p.AllowProbe })
		results = append(results, Result{
			Verdict: verdict, Operation: accesskind.FindNextFile, Access: accesskind.EnumerationProbe,
			Status: status, Path: entry, ManifestPath: mp, ExplicitlyReported: explicitlyReported(verdict),
		})
	}
	return results
}

// ClassifyCreateDirectory classifies a CreateDirectory call, honoring the
// WithEnforceCreationPolicy knob for already-existing targets.
func (c *Classifier) ClassifyCreateDirectory(path pathutil.CanonicalPath, exists bool) Result {
	if exists && !c.enforceCreationPolicy {
		verdict, status, mp := c.decide(path, accesskind.Probe, func(p manifest.PolicyBits) bool { return p.AllowProbe })
		return Result{Verdict: verdict, Operation: accesskind.CreateFile, Access: accesskind.Probe, Status: status, Path: path, ManifestPath: mp, ExplicitlyReported: explicitlyReported(verdict)}
	}
	verdict, status, mp := c.decide(path, accesskind.Write, func(p manifest.PolicyBits) bool { return p.AllowWrite })
	return Result{Verdict: verdict, Operation: accesskind.CreateFile, Access: accesskind.Write, Status: status, Path: path, ManifestPath: mp, ExplicitlyReported: explicitlyReported(verdict)}
}

// ClassifyReparsePointCreation handles CreateSymbolicLink and
// CreateHardLink classify as a Write on the link path only — the target is
// never accessed, so no read is synthesized on it. AllowSymlinkCreate gates
// the access in addition to AllowWrite, since a manifest may grant general
// write access to a directory without intending to permit new links inside
// it.
func (c *Classifier) ClassifyReparsePointCreation(op accesskind.OperationKind, linkPath pathutil.CanonicalPath) Result {
	verdict, status, mp := c.decide(linkPath, accesskind.Write, func(p manifest.PolicyBits) bool {
		return p.AllowWrite && p.AllowSymlinkCreate
	})
	return Result{Verdict: verdict, Operation: op, Access: accesskind.Write, Status: status, Path: linkPath, ManifestPath: mp, ExplicitlyReported: explicitlyReported(verdict)}
}

// ClassifyRename classifies a rename/move as a Write on both source and
// destination. If
// src is a directory, its subtree is denied-by-default unless the manifest
// grants a scope write on src's containing directory — modeled here by
// simply deferring to whatever policy covers src itself, since a directory
// scope write is exactly a PolicyScope node with AllowWrite set covering
// src's parent.
func (c *Classifier) ClassifyRename(src, dst pathutil.CanonicalPath) []Result {
	srcVerdict, srcStatus, srcMP := c.decide(src, accesskind.Write, func(p manifest.PolicyBits) bool { return p.AllowWrite })
	dstVerdict, dstStatus, dstMP := c.decide(dst, accesskind.Write, func(p manifest.PolicyBits) bool { return p.AllowWrite })
	return []Result{
		{Verdict: srcVerdict, Operation: accesskind.MoveFile, Access: accesskind.Write, Status: srcStatus, Path: src, ManifestPath: srcMP, ExplicitlyReported: explicitlyReported(srcVerdict)},
		{Verdict: dstVerdict, Operation: accesskind.MoveFile, Access: accesskind.Write, Status: dstStatus, Path: dst, ManifestPath: dstMP, ExplicitlyReported: explicitlyReported(dstVerdict)},
	}
}

// ClassifyDelete classifies a delete: deleting an existing file is always a
// Write; deleting a non-existent file is a Probe — callers rely on this
// distinction to tell a missing-file delete from a real content removal.
func (c *Classifier) ClassifyDelete(path pathutil.CanonicalPath, exists bool) Result {
	if !exists {
		verdict, status, mp := c.decide(path, accesskind.Probe, func(p manifest.PolicyBits) bool { return p.AllowProbe })
		return Result{Verdict: verdict, Operation: accesskind.DeleteFile, Access: accesskind.Probe, Status: status, Path: path, ManifestPath: mp, ExplicitlyReported: explicitlyReported(verdict)}
	}
	verdict, status, mp := c.decide(path, accesskind.Write, func(p manifest.PolicyBits) bool { return p.AllowWrite })
	return Result{Verdict: verdict, Operation: accesskind.DeleteFile, Access: accesskind.Write, Status: status, Path: path, ManifestPath: mp, ExplicitlyReported: explicitlyReported(verdict)}
}

// ClassifyProcessCreation classifies a CreateProcess call against the
// executable's path. The path is checked
// against the runtime deny-list before the manifest, since an executable
// the build operator has explicitly blocked must never be reachable through
// an otherwise-permissive directory scope.
func (c *Classifier) ClassifyProcessCreation(exePath pathutil.CanonicalPath) Result {
	if _, denied := c.deniedExecutables[exePath.String()]; denied {
		return Result{Verdict: DenyAndReport, Operation: accesskind.CreateProcess, Access: accesskind.Probe, Status: accesskind.Denied, Path: exePath, ManifestPath: exePath, ExplicitlyReported: true}
	}
	verdict, status, mp := c.decide(exePath, accesskind.Probe, func(p manifest.PolicyBits) bool { return p.AllowProbe || p.AllowRead })
	return Result{Verdict: verdict, Operation: accesskind.CreateProcess, Access: accesskind.Probe, Status: status, Path: exePath, ManifestPath: mp, ExplicitlyReported: explicitlyReported(verdict)}
}

// ClassifyPipeCreation handles pipe creation: no path policy applies to pipe
// creation, so it is always Allowed; named is true for CreateNamedPipe,
// false for the anonymous CreatePipe.
func (c *Classifier) ClassifyPipeCreation(named bool) Result {
	op := accesskind.CreatePipe
	if named {
		op = accesskind.CreateNamedPipe
	}
	return Result{Verdict: Allow, Operation: op, Access: 0, Status: accesskind.Allowed}
}

// ClassifyPathError handles the canonicalization-failure branch: the access
// is reported against the Unknown-Path manifest default, with status
// CannotDetermineByPolicy. The verdict is AllowAndReport when that default
// grants read or probe, and DenyAndReport otherwise.
func (c *Classifier) ClassifyPathError() Result {
	policy := c.manifest.DefaultPolicy()
	verdict := DenyAndReport
	if policy.AllowRead || policy.AllowProbe {
		verdict = AllowAndReport
	}
	status := accesskind.CannotDetermineByPolicy
	return Result{Verdict: verdict, Operation: accesskind.CreateFile, Status: status, ExplicitlyReported: true}
}

// ClassifyResolutionError handles a reparse-point chain that overflowed or
// cycled: the call fails and the access is reported as undetermined.
func (c *Classifier) ClassifyResolutionError(path pathutil.CanonicalPath) Result {
	return Result{
		Verdict: DenyAndReport, Operation: accesskind.ReparsePointTarget,
		Status: accesskind.CannotDetermineByPolicy, Path: path, ManifestPath: path, ExplicitlyReported: true,
	}
}

// ClassifyReparseLink classifies the synthetic Read access generated for an
// intermediate link traversed during resolution — every intermediate link
// must be permitted by the manifest. cached selects between
// ReparsePointTarget and ReparsePointTargetCached.
func (c *Classifier) ClassifyReparseLink(link pathutil.CanonicalPath, cached bool) Result {
	op := accesskind.ReparsePointTarget
	if cached {
		op = accesskind.ReparsePointTargetCached
	}
	verdict, status, mp := c.decide(link, accesskind.Read, func(p manifest.PolicyBits) bool { return p.AllowRead })
	return Result{Verdict: verdict, Operation: op, Access: accesskind.Read, Status: status, Path: link, ManifestPath: mp, ExplicitlyReported: explicitlyReported(verdict)}
}
