package agent

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpip/pipsandbox/internal/accesskind"
	"github.com/buildpip/pipsandbox/internal/classify"
	"github.com/buildpip/pipsandbox/internal/manifest"
	"github.com/buildpip/pipsandbox/internal/pathutil"
	"github.com/buildpip/pipsandbox/internal/reparse"
	"github.com/buildpip/pipsandbox/internal/report"
	"github.com/buildpip/pipsandbox/internal/translate"
)

func cp(a ...string) pathutil.CanonicalPath { return pathutil.CanonicalPath{Atoms: a} }

type fakeFS struct{ entries map[string]reparse.Info }

func newFakeFS() *fakeFS { return &fakeFS{entries: make(map[string]reparse.Info)} }

func (f *fakeFS) file(path string) *fakeFS {
	f.entries[path] = reparse.Info{Exists: true, Kind: reparse.Final}
	return f
}

func (f *fakeFS) symlink(path, target string) *fakeFS {
	f.entries[path] = reparse.Info{Exists: true, Kind: reparse.FileSymlink, Target: target}
	return f
}

func (f *fakeFS) Lstat(p pathutil.CanonicalPath) (reparse.Info, error) {
	info, ok := f.entries[p.String()]
	if !ok {
		return reparse.Info{Exists: false}, nil
	}
	return info, nil
}

type recorder struct {
	buf []byte
}

func (r *recorder) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	return len(p), nil
}

func newTestAgent(t *testing.T, m *manifest.Manifest, fs reparse.FileSystem) (*Agent, *report.Channel) {
	t.Helper()
	ch := report.NewChannel(&recorder{}, 64)
	t.Cleanup(func() { _ = ch.Close() })
	a := New(100, 1, pathutil.New(nil), translate.NewBuilder().Build(), reparse.New(fs, nil), classify.New(m), ch, nil)
	return a, ch
}

// Open through a chain of two symlinks to a real file.
func TestHandleOpenChainOfTwoSymlinks(t *testing.T) {
	fs := newFakeFS().
		symlink("/src.lnk", "/mid.lnk").
		symlink("/mid.lnk", "/target.txt").
		file("/target.txt")

	m := manifest.NewBuilder().
		Add(manifest.PathPolicy{Path: cp(), Policy: manifest.PolicyBits{PolicyScope: true, AllowRead: true}}).
		Build()

	a, _ := newTestAgent(t, m, fs)

	verdict, err := a.HandleOpen(Call{RawPath: "/src.lnk"}, accesskind.ReadFile, true, false, true)
	require.NoError(t, err)
	assert.False(t, verdict.Denied())
}

// An intermediate link not permitted by the manifest fails the open.
func TestHandleOpenDeniesWhenIntermediateLinkNotPermitted(t *testing.T) {
	fs := newFakeFS().
		symlink("/src.lnk", "/mid.lnk").
		symlink("/mid.lnk", "/target.txt").
		file("/target.txt")

	m := manifest.NewBuilder().
		Add(manifest.PathPolicy{Path: cp("src.lnk"), Policy: manifest.PolicyBits{AllowRead: true}}).
		Add(manifest.PathPolicy{Path: cp("target.txt"), Policy: manifest.PolicyBits{AllowRead: true}}).
		Build()

	a, _ := newTestAgent(t, m, fs)
	verdict, err := a.HandleOpen(Call{RawPath: "/src.lnk"}, accesskind.ReadFile, true, false, true)
	require.Error(t, err)
	assert.True(t, verdict.Denied())
}

// Deleting a non-existent file is a Probe, not a Write.
func TestHandleDeleteNonExistentIsProbe(t *testing.T) {
	m := manifest.NewBuilder().
		Add(manifest.PathPolicy{Path: cp(), Policy: manifest.PolicyBits{PolicyScope: true, AllowProbe: true}}).
		Build()
	a, _ := newTestAgent(t, m, newFakeFS())

	verdict, err := a.HandleDelete(Call{RawPath: "/ghost.txt"}, false)
	require.NoError(t, err)
	assert.False(t, verdict.Denied())
}

// Enumerating a directory with two members yields one Enumerate plus two
// EnumerationProbe results.
func TestHandleEnumerateDirectoryWithTwoMembers(t *testing.T) {
	m := manifest.NewBuilder().
		Add(manifest.PathPolicy{Path: cp("d"), Policy: manifest.PolicyBits{PolicyScope: true, AllowEnumerate: true, AllowProbe: true}}).
		Build()
	a, _ := newTestAgent(t, m, newFakeFS())

	results, err := a.HandleEnumerate(Call{RawPath: "/d"}, []string{"a.txt", "b.txt"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, accesskind.Enumerate, results[0].Access)
	assert.Equal(t, accesskind.EnumerationProbe, results[1].Access)
}

// The first read through a link reports ReparsePointTarget; the
// second, served from the Resolved-Path Cache, reports
// ReparsePointTargetCached instead.
func TestHandleOpenCachedResolutionReportsCachedKind(t *testing.T) {
	fs := newFakeFS().symlink("/a.lnk", "/target.txt").file("/target.txt")
	m := manifest.NewBuilder().
		Add(manifest.PathPolicy{Path: cp(), Policy: manifest.PolicyBits{PolicyScope: true, AllowRead: true}}).
		Build()

	rec := &recorder{}
	ch := report.NewChannel(rec, 64)
	a := New(100, 1, pathutil.New(nil), translate.NewBuilder().Build(), reparse.New(fs, nil), classify.New(m), ch, nil)

	_, err := a.HandleOpen(Call{RawPath: "/a.lnk"}, accesskind.ReadFile, true, false, true)
	require.NoError(t, err)
	_, err = a.HandleOpen(Call{RawPath: "/a.lnk"}, accesskind.ReadFile, true, false, true)
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	var ops []accesskind.OperationKind
	buf := bytes.NewReader(rec.buf)
	for {
		r, err := report.Decode(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if r.Path == "/a.lnk" {
			ops = append(ops, r.Operation)
		}
	}
	assert.Equal(t, []accesskind.OperationKind{accesskind.ReparsePointTarget, accesskind.ReparsePointTargetCached}, ops)
}

func TestHandleWriteInvalidatesReparseCache(t *testing.T) {
	fs := newFakeFS().symlink("/a.lnk", "/target.txt").file("/target.txt")
	m := manifest.NewBuilder().
		Add(manifest.PathPolicy{Path: cp(), Policy: manifest.PolicyBits{PolicyScope: true, AllowRead: true, AllowWrite: true, AllowProbe: true}}).
		Build()
	a, _ := newTestAgent(t, m, fs)

	_, err := a.HandleOpen(Call{RawPath: "/a.lnk"}, accesskind.ReadFile, true, false, true)
	require.NoError(t, err)
	assert.True(t, a.resolver.Cached("/a.lnk", false))

	_, err = a.HandleDelete(Call{RawPath: "/target.txt"}, true)
	require.NoError(t, err)
	assert.False(t, a.resolver.Cached("/a.lnk", false), "deleting a path inside a cached chain must evict it")
}

func TestHandleOpenCanonicalizationFailureReportsAndDenies(t *testing.T) {
	m := manifest.NewBuilder().Build()
	a, _ := newTestAgent(t, m, newFakeFS())

	verdict, err := a.HandleOpen(Call{RawPath: "bad\x00path"}, accesskind.OpenFile, false, false, false)
	require.Error(t, err)
	assert.True(t, verdict.Denied())
}

func TestHandleProcessCreationChecksExecutablePath(t *testing.T) {
	m := manifest.NewBuilder().
		Add(manifest.PathPolicy{Path: cp("usr", "bin"), Policy: manifest.PolicyBits{PolicyScope: true, AllowProbe: true}}).
		Build()
	a, _ := newTestAgent(t, m, newFakeFS())

	verdict := a.HandleProcessCreation(Call{RawPath: "/usr/bin/make"})
	assert.False(t, verdict.Denied())
}

func TestHandlePipeCreationAlwaysAllowed(t *testing.T) {
	a, _ := newTestAgent(t, manifest.NewBuilder().Build(), newFakeFS())
	assert.False(t, a.HandlePipeCreation(1, false).Denied())
}

func TestShouldAbortOnlyWhenFailUnexpectedFileAccessesSet(t *testing.T) {
	m := manifest.NewBuilder().Build()

	lenient := New(100, 1, pathutil.New(nil), translate.NewBuilder().Build(), reparse.New(newFakeFS(), nil), classify.New(m), report.NewChannel(&recorder{}, 64), nil)
	assert.False(t, lenient.ShouldAbort(classify.DenyAndReport), "without the flag, a Deny must not abort the call")

	strict := New(100, 1, pathutil.New(nil), translate.NewBuilder().Build(), reparse.New(newFakeFS(), nil), classify.New(m, classify.WithFailUnexpectedFileAccesses(true)), report.NewChannel(&recorder{}, 64), nil)
	assert.True(t, strict.ShouldAbort(classify.DenyAndReport))
	assert.False(t, strict.ShouldAbort(classify.Allow))
}
