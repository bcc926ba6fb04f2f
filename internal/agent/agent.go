// Package agent implements the in-process component that intercepts a
// single process's syscalls and drives them through the data-flow
// pipeline: Path Canonicalizer → Directory Translator → Reparse-Point
// Resolver → Access Classifier → Report Channel.
package agent

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/buildpip/pipsandbox/internal/accesskind"
	"github.com/buildpip/pipsandbox/internal/classify"
	"github.com/buildpip/pipsandbox/internal/pathutil"
	"github.com/buildpip/pipsandbox/internal/reparse"
	"github.com/buildpip/pipsandbox/internal/report"
	"github.com/buildpip/pipsandbox/internal/translate"
)

// Agent ties one process's interception pipeline together. It is
// constructed once per monitored process; its Resolver's cache is the only
// state shared across the threads of that process.
type Agent struct {
	ProcessID       uint32
	ParentProcessID uint32

	canon      *pathutil.Canonicalizer
	translator *translate.Translator
	resolver   *reparse.Resolver
	classifier *classify.Classifier
	channel    *report.Channel
	log        *logrus.Entry
}

// New builds an Agent. log may be nil, in which case a discarding entry is
// used (tests and short-lived tools don't need a configured logger).
func New(processID, parentProcessID uint32, canon *pathutil.Canonicalizer, translator *translate.Translator, resolver *reparse.Resolver, classifier *classify.Classifier, channel *report.Channel, log *logrus.Entry) *Agent {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Agent{
		ProcessID: processID, ParentProcessID: parentProcessID,
		canon: canon, translator: translator, resolver: resolver, classifier: classifier, channel: channel,
		log: log.WithField("pid", processID),
	}
}

// Call describes one intercepted syscall's arguments, already stripped to
// what Prepare needs: the OS-level raw path, the process's current working
// directory, and the desired-access/share-mode/flags values that are
// passed straight through onto the wire.
type Call struct {
	ThreadID            uint64
	RawPath             string
	Cwd                 pathutil.CanonicalPath
	NoFollow            bool // "do not follow reparse points" flag
	DesiredAccess       uint32
	ShareMode           uint32
	CreationDisposition uint32
	FlagsAndAttributes  uint32
	// EnumeratePattern is the wildcard the syscall enumerated with
	// (FindFirstFile's lpFileName pattern); empty for every other operation.
	EnumeratePattern string
}

// resolved is what Prepare produces once canonicalization, translation, and
// reparse-point resolution have all succeeded.
type resolved struct {
	path  pathutil.CanonicalPath
	chain reparse.Chain
}

// ErrUnresolvable is returned by Prepare when canonicalization or
// reparse-point resolution failed; the caller has already received the
// synthesized Deny+Report classification for the failure and should fail
// the underlying OS call.
var ErrUnresolvable = errors.New("agent: path could not be resolved")

// ErrLinkDenied is returned by prepare when an intermediate reparse link's
// synthetic Read access was denied by policy. The denial has already been
// emitted as that link's own report, so the caller must fail the call
// without ever classifying or reporting the final target.
var ErrLinkDenied = errors.New("agent: intermediate reparse link denied")

// prepare runs the Canonicalize → Translate → Resolve prefix of the state
// machine, emitting the synthetic reparse-link reports and the
// Unknown-Path / ResolutionError reports along the way. It returns
// ErrUnresolvable or ErrLinkDenied (after already emitting the appropriate
// report) when the pipeline cannot produce a usable, permitted path.
func (a *Agent) prepare(call Call) (resolved, error) {
	canonical, err := a.canon.Canonicalize(call.RawPath, call.Cwd)
	if err != nil {
		a.emit(a.classifier.ClassifyPathError(), call.ThreadID, call)
		return resolved{}, ErrUnresolvable
	}

	translated := a.translator.Translate(canonical)

	// A cache hit skips the walk entirely, so the resolver never invokes the
	// reporter; the links already recorded in the cached chain are re-reported
	// here as ReparsePointTargetCached instead.
	if chain, ok := a.resolver.CachedChain(translated.String(), call.NoFollow); ok {
		for _, link := range chain.Links {
			if link.Kind == reparse.Final || link.Kind == reparse.Absent {
				continue
			}
			if link.Path.Equal(chain.Real) {
				// Terminal link preserved by NoFollow: it was never
				// traversed on the original walk, so no synthetic read.
				continue
			}
			result := a.classifier.ClassifyReparseLink(link.Path, true)
			a.emit(result, call.ThreadID, call)
			if result.Verdict.Denied() {
				return resolved{}, ErrLinkDenied
			}
		}
		return resolved{path: chain.Real, chain: chain}, nil
	}

	chain, err := a.resolver.Resolve(translated, call.NoFollow, func(link reparse.Link) bool {
		result := a.classifier.ClassifyReparseLink(link.Path, false)
		a.emit(result, call.ThreadID, call)
		return !result.Verdict.Denied()
	})
	if err != nil {
		var cyc *reparse.CyclicLinkError
		if errors.As(err, &cyc) {
			a.emit(a.classifier.ClassifyResolutionError(translated), call.ThreadID, call)
			return resolved{}, ErrUnresolvable
		}
		var denied *reparse.DeniedLinkError
		if errors.As(err, &denied) {
			return resolved{}, ErrLinkDenied
		}
		a.log.WithError(err).Error("reparse resolution failed")
		a.emit(a.classifier.ClassifyResolutionError(translated), call.ThreadID, call)
		return resolved{}, ErrUnresolvable
	}

	return resolved{path: chain.Real, chain: chain}, nil
}

// HandleOpen drives a read- or write-open end to end, including the
// reparse-resolution prefix shared by every path-based operation.
func (a *Agent) HandleOpen(call Call, operation accesskind.OperationKind, exists, requestsWrite, readsData bool) (classify.Verdict, error) {
	r, err := a.prepare(call)
	if err != nil {
		return classify.DenyAndReport, err
	}
	result := a.classifier.ClassifyOpen(classify.OpenRequest{
		Operation: operation, Path: r.path, Exists: exists, RequestsWrite: requestsWrite, ReadsData: readsData,
	})
	a.emit(result, call.ThreadID, call)
	a.invalidateOnWrite(result)
	return result.Verdict, nil
}

// HandleEnumerate drives a directory enumeration: one Enumerate verdict for
// the directory, one EnumerationProbe per returned name.
func (a *Agent) HandleEnumerate(call Call, names []string) ([]classify.Result, error) {
	r, err := a.prepare(call)
	if err != nil {
		return nil, err
	}
	results := a.classifier.ClassifyEnumerate(r.path, names)
	for _, res := range results {
		a.emit(res, call.ThreadID, call)
	}
	return results, nil
}

// HandleCreateDirectory drives a CreateDirectory call.
func (a *Agent) HandleCreateDirectory(call Call, exists bool) (classify.Verdict, error) {
	r, err := a.prepare(call)
	if err != nil {
		return classify.DenyAndReport, err
	}
	result := a.classifier.ClassifyCreateDirectory(r.path, exists)
	a.emit(result, call.ThreadID, call)
	a.invalidateOnWrite(result)
	return result.Verdict, nil
}

// HandleReparsePointCreation drives CreateSymbolicLink/CreateHardLink: a
// Write on the link path only, no synthesized read on the target.
func (a *Agent) HandleReparsePointCreation(call Call, operation accesskind.OperationKind) (classify.Verdict, error) {
	r, err := a.prepare(call)
	if err != nil {
		return classify.DenyAndReport, err
	}
	result := a.classifier.ClassifyReparsePointCreation(operation, r.path)
	a.emit(result, call.ThreadID, call)
	a.invalidateOnWrite(result)
	return result.Verdict, nil
}

// HandleRename drives a rename/move; dstCall reuses srcCall's thread id and
// flags, varying only the raw path.
func (a *Agent) HandleRename(srcCall, dstCall Call) ([]classify.Result, error) {
	src, err := a.prepare(srcCall)
	if err != nil {
		return nil, err
	}
	dst, err := a.prepare(dstCall)
	if err != nil {
		return nil, err
	}
	results := a.classifier.ClassifyRename(src.path, dst.path)
	for _, res := range results {
		a.emit(res, srcCall.ThreadID, srcCall)
		a.invalidateOnWrite(res)
	}
	return results, nil
}

// HandleDelete drives a delete, distinguishing an existing target (Write)
// from an absent one (Probe).
func (a *Agent) HandleDelete(call Call, exists bool) (classify.Verdict, error) {
	r, err := a.prepare(call)
	if err != nil {
		return classify.DenyAndReport, err
	}
	result := a.classifier.ClassifyDelete(r.path, exists)
	a.emit(result, call.ThreadID, call)
	a.invalidateOnWrite(result)
	return result.Verdict, nil
}

// HandleProcessCreation drives a CreateProcess check. It does not run the reparse
// prefix — the executable path is checked directly, matching the source's
// treatment of CreateProcess as its own classification kind rather than a
// file open.
func (a *Agent) HandleProcessCreation(call Call) classify.Verdict {
	canonical, err := a.canon.Canonicalize(call.RawPath, call.Cwd)
	if err != nil {
		result := a.classifier.ClassifyPathError()
		a.emit(result, call.ThreadID, call)
		return result.Verdict
	}
	translated := a.translator.Translate(canonical)
	result := a.classifier.ClassifyProcessCreation(translated)
	a.emit(result, call.ThreadID, call)
	return result.Verdict
}

// HandlePipeCreation reports pipe creation; no path policy applies.
func (a *Agent) HandlePipeCreation(threadID uint64, named bool) classify.Verdict {
	result := a.classifier.ClassifyPipeCreation(named)
	a.emit(result, threadID, Call{ThreadID: threadID})
	return result.Verdict
}

// ShouldAbort reports whether a classified verdict must fail the underlying
// syscall rather than merely being reported and allowed to proceed: a Deny
// verdict does not abort the OS call unless the manifest sets
// fail_unexpected. Callers driving the actual syscall boundary consult
// this after every Handle* call.
func (a *Agent) ShouldAbort(v classify.Verdict) bool {
	return v.Denied() && a.classifier.FailUnexpectedFileAccesses()
}

// invalidateOnWrite implements the Resolved-Path Cache invalidation rule:
// any successful Write or Delete verdict for P invalidates every cached
// chain containing P.
func (a *Agent) invalidateOnWrite(result classify.Result) {
	if result.Verdict.Denied() {
		return
	}
	if result.Access == accesskind.Write {
		a.resolver.Cache().Invalidate(result.Path)
	}
}

func (a *Agent) emit(result classify.Result, threadID uint64, call Call) {
	errorCode := uint32(0)
	if result.Status != accesskind.Allowed {
		errorCode = 1
	}
	rec := report.ReportRecord{
		Kind:                report.FileAccess,
		ProcessID:           a.ProcessID,
		ParentProcessID:     a.ParentProcessID,
		ThreadID:            threadID,
		Operation:           result.Operation,
		RequestedAccess:     result.Access,
		Status:              result.Status,
		ExplicitlyReported:  result.ExplicitlyReported,
		ErrorCode:           errorCode,
		DesiredAccess:       call.DesiredAccess,
		ShareMode:           call.ShareMode,
		CreationDisposition: call.CreationDisposition,
		FlagsAndAttributes:  call.FlagsAndAttributes,
		Path:                result.Path.String(),
	}
	if result.Access == accesskind.Enumerate {
		rec.EnumeratePattern = call.EnumeratePattern
	}
	if err := a.channel.Emit(rec); err != nil {
		a.log.WithError(err).WithField("path", rec.Path).Error("report channel emit failed")
	}
}
