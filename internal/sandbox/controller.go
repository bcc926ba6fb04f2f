package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/buildpip/pipsandbox/internal/accesskind"
	"github.com/buildpip/pipsandbox/internal/config"
	"github.com/buildpip/pipsandbox/internal/manifest"
	"github.com/buildpip/pipsandbox/internal/report"
)

// Status is the terminal state of a sandboxed run.
type Status int

const (
	Succeeded Status = iota
	ExecutionFailed
	TimedOut
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "Succeeded"
	case ExecutionFailed:
		return "ExecutionFailed"
	case TimedOut:
		return "TimedOut"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// SandboxedProcessResult is the Controller-facing return value: exit code,
// terminal status, the full access log, the denied subset, and the
// directory enumerations the caching layer needs.
type SandboxedProcessResult struct {
	ExitCode                      int
	Status                        Status
	Accesses                      []report.ReportRecord
	Violations                    []report.ReportRecord
	ObservedDirectoryEnumerations map[string][]string
	// ProcessParents maps each observed process id to its parent's,
	// reconstructed from the report stream. Attribution is keyed off each
	// record's agent instance id, so a pid the OS recycles mid-run
	// re-attaches to the tree under its new parent.
	ProcessParents map[uint32]uint32
}

// LaunchError wraps a failure to spawn the root process.
type LaunchError struct{ Err error }

func (e *LaunchError) Error() string { return fmt.Sprintf("sandbox: launch failed: %v", e.Err) }
func (e *LaunchError) Unwrap() error { return e.Err }

// TransportError wraps a Report Channel failure observed by the Controller.
// It is fatal to the sandbox instance; the Controller returns
// ExecutionFailed.
type TransportError struct{ Err error }

func (e *TransportError) Error() string {
	return fmt.Sprintf("sandbox: report transport failed: %v", e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// reportFDEnv names the environment variable the spawned process tree
// consults to learn which inherited file descriptor carries its Report
// Channel transport. Actual syscall interception and agent injection are
// abstracted away; this is the seam a real injector would hand off to.
const reportFDEnv = "PIPSANDBOX_REPORT_FD"

// ManifestPathEnv names the environment variable carrying the path of the
// serialized Policy Manifest (manifest.Encode wire buffer) handed to every
// agent instance in the spawned tree.
const ManifestPathEnv = "PIPSANDBOX_MANIFEST_PATH"

// Controller spawns a pip's root process, multiplexes its Report Channel,
// enforces timeout/cancellation, and assembles the SandboxedProcessResult.
type Controller struct {
	log *logrus.Entry
}

// NewController builds a Controller. log may be nil.
func NewController(log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{log: log}
}

// Run implements the Controller-facing `run(executable, args, env, cwd,
// manifest, timeout) -> SandboxedProcessResult` contract. m is serialized
// into a temp file whose path reaches the process tree via ManifestPathEnv,
// so every agent instance validates and loads the same frozen trie before
// user code runs; this Controller's own decisions are otherwise limited to
// orchestration, since classification happens in the agent.
func (c *Controller) Run(ctx context.Context, pip config.PipConfig, m *manifest.Manifest, env []string) (SandboxedProcessResult, error) {
	if m != nil {
		manifestPath, cleanup, err := WriteManifestFile(m)
		if err != nil {
			return SandboxedProcessResult{Status: ExecutionFailed}, &LaunchError{Err: err}
		}
		defer cleanup()
		env = append(append([]string{}, env...), fmt.Sprintf("%s=%s", ManifestPathEnv, manifestPath))
	}

	if pip.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(pip.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	reportRead, reportWrite, err := os.Pipe()
	if err != nil {
		return SandboxedProcessResult{Status: ExecutionFailed}, &LaunchError{Err: err}
	}

	cmd := exec.Command(pip.Executable, pip.Args...)
	cmd.Dir = pip.Cwd
	cmd.Env = append(append([]string{}, env...), fmt.Sprintf("%s=3", reportFDEnv))
	cmd.ExtraFiles = []*os.File{reportWrite}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	agg := newAggregator()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		agg.drain(reportRead)
	}()

	if startErr := cmd.Start(); startErr != nil {
		_ = reportWrite.Close()
		_ = reportRead.Close()
		wg.Wait()
		return SandboxedProcessResult{Status: ExecutionFailed}, &LaunchError{Err: startErr}
	}
	_ = reportWrite.Close() // the Controller's copy; the child holds its own duplicate

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	var timedOut, cancelled bool
	select {
	case waitErr = <-waitDone:
	case <-ctx.Done():
		_ = killProcessTree(cmd)
		waitErr = <-waitDone
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			timedOut = true
		} else {
			cancelled = true
		}
	}

	// The child's exit closes its write end; drain returns at transport EOF.
	wg.Wait()
	_ = reportRead.Close()

	result := SandboxedProcessResult{
		Accesses:                      agg.accesses,
		Violations:                    agg.violations,
		ObservedDirectoryEnumerations: agg.enumerations,
		ProcessParents:                agg.parents,
	}

	switch {
	case timedOut:
		result.Status = TimedOut
		result.ExitCode = -1
		return result, nil
	case cancelled:
		result.Status = Cancelled
		result.ExitCode = -1
		return result, nil
	}

	if agg.transportErr != nil {
		result.Status = ExecutionFailed
		return result, &TransportError{Err: agg.transportErr}
	}
	if agg.reportsLost > 0 {
		result.Status = ExecutionFailed
		return result, &TransportError{Err: fmt.Errorf("%w: %d report(s)", report.ErrReportLost, agg.reportsLost)}
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		result.Status = ExecutionFailed
		result.ExitCode = -1
		return result, &LaunchError{Err: waitErr}
	}

	result.ExitCode = cmd.ProcessState.ExitCode()
	if pip.Policy.UnexpectedFileAccessesAreErrors && len(result.Violations) > 0 {
		result.Status = ExecutionFailed
	} else {
		result.Status = Succeeded
	}
	return result, nil
}

// WriteManifestFile serializes m to a temp file for the ManifestPathEnv
// handoff and returns its path plus a cleanup that removes it. Exposed so
// launch paths that bypass Run (cmd/pipbox's --pty mode) can still hand the
// manifest to an injector.
func WriteManifestFile(m *manifest.Manifest) (string, func(), error) {
	data, err := manifest.Encode(m)
	if err != nil {
		return "", nil, err
	}
	f, err := os.CreateTemp("", "pipsandbox-manifest-*.bin")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	path := f.Name()
	return path, func() { _ = os.Remove(path) }, nil
}

// aggregator consumes the Report Channel transport and sorts records into
// the buckets SandboxedProcessResult needs.
type aggregator struct {
	mu           sync.Mutex
	accesses     []report.ReportRecord
	violations   []report.ReportRecord
	enumerations map[string][]string
	parents      map[uint32]uint32
	agentForPID  map[uint32]uuid.UUID
	transportErr error
	reportsLost  int
}

func newAggregator() *aggregator {
	return &aggregator{
		enumerations: make(map[string][]string),
		parents:      make(map[uint32]uint32),
		agentForPID:  make(map[uint32]uuid.UUID),
	}
}

// drain reads records until the transport reaches EOF or a transport error
// occurs; it is exercised directly in tests against an in-memory transport,
// independent of process spawning.
func (a *aggregator) drain(r io.Reader) {
	for {
		rec, err := report.Decode(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				a.mu.Lock()
				a.transportErr = err
				a.mu.Unlock()
			}
			return
		}
		a.record(rec)
	}
}

func (a *aggregator) record(rec report.ReportRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.Kind == report.DebugMessage {
		a.reportsLost++
		return
	}

	// First sighting of this pid, or the OS recycled it for a new agent
	// instance: (re)attach it to its parent.
	if prev, ok := a.agentForPID[rec.ProcessID]; !ok || prev != rec.AgentID {
		a.agentForPID[rec.ProcessID] = rec.AgentID
		a.parents[rec.ProcessID] = rec.ParentProcessID
	}

	a.accesses = append(a.accesses, rec)
	if rec.Status == accesskind.Denied {
		a.violations = append(a.violations, rec)
	}
	if rec.Operation == accesskind.FindNextFile {
		dir := path.Dir(rec.Path)
		a.enumerations[dir] = append(a.enumerations[dir], path.Base(rec.Path))
	}
}
