package report

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpip/pipsandbox/internal/accesskind"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := ReportRecord{
		Kind:                FileAccess,
		ProcessID:           1234,
		ParentProcessID:     1,
		ThreadID:            9876543210,
		Operation:           accesskind.ReadFile,
		RequestedAccess:     accesskind.Read,
		Status:              accesskind.Allowed,
		ExplicitlyReported:  true,
		ErrorCode:           0,
		DesiredAccess:       0x80000000,
		ShareMode:           1,
		CreationDisposition: 3,
		FlagsAndAttributes:  0x80,
		Path:                "/home/user/target.txt",
		EnumeratePattern:    "",
		AgentID:             uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
	}

	var buf bytes.Buffer
	buf.Write(Encode(rec))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestDecodeEOFOnEmptyStream(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

func TestDecodeTruncatedRecordErrors(t *testing.T) {
	rec := ReportRecord{Operation: accesskind.ReadFile, Path: "/x"}
	data := Encode(rec)
	_, err := Decode(bytes.NewReader(data[:len(data)-3]))
	require.ErrorIs(t, err, ErrTruncated)
}

// blockingWriter lets the test pace consumption to exercise back-pressure.
type blockingWriter struct {
	mu      sync.Mutex
	records [][]byte
	gate    chan struct{}
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{gate: make(chan struct{}, 1_000_000)}
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	<-w.gate
	w.mu.Lock()
	cp := append([]byte{}, p...)
	w.records = append(w.records, cp)
	w.mu.Unlock()
	return len(p), nil
}

func (w *blockingWriter) release(n int) {
	for i := 0; i < n; i++ {
		w.gate <- struct{}{}
	}
}

func (w *blockingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

func TestChannelDeduplicatesIdenticalTuples(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	out := &mutexWriter{mu: &mu, w: &buf}
	ch := NewChannel(out, 16)

	rec := ReportRecord{Operation: accesskind.ReadFile, RequestedAccess: accesskind.Read, Status: accesskind.Allowed, Path: "/a", ErrorCode: 42}
	dup := rec
	dup.ErrorCode = 99

	require.NoError(t, ch.Emit(rec))
	require.NoError(t, ch.Emit(dup))
	require.NoError(t, ch.Close())

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), got.ErrorCode, "dedup must preserve the first occurrence's error code")

	_, err = Decode(&buf)
	require.ErrorIs(t, err, io.EOF, "the duplicate must never reach the transport")
}

type mutexWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (m *mutexWriter) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w.Write(p)
}

func TestChannelBackPressureBlocksUntilDrained(t *testing.T) {
	w := newBlockingWriter()
	ch := NewChannel(w, 2)

	// The background writer parks the first record in an in-flight Write
	// against the closed gate; the next two fill the queue to capacity.
	for _, p := range []string{"/p0", "/p1", "/p2"} {
		require.NoError(t, ch.Emit(ReportRecord{Path: p}))
	}

	done := make(chan struct{})
	go func() {
		_ = ch.Emit(ReportRecord{Path: "/blocked"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Emit should have blocked while the queue is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	w.release(4)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit never unblocked after capacity freed")
	}

	require.NoError(t, ch.Close())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("transport gone") }

func TestChannelReportsTransportErrorOnClose(t *testing.T) {
	ch := NewChannel(failingWriter{}, 4)
	require.NoError(t, ch.Emit(ReportRecord{Path: "/x"}))

	err := ch.Close()
	require.Error(t, err)

	err2 := ch.Emit(ReportRecord{Path: "/y"})
	require.ErrorIs(t, err2, ErrChannelBroken)
	assert.Equal(t, uint64(1), ch.Lost())
}

func TestChannelEmitReturnsErrReportLostOnSustainedOverflow(t *testing.T) {
	w := newBlockingWriter() // gate stays closed: run() never finishes its first Write
	ch := NewChannel(w, 1)

	require.NoError(t, ch.Emit(ReportRecord{Path: "/first"}))
	require.NoError(t, ch.Emit(ReportRecord{Path: "/second"}))

	err := ch.Emit(ReportRecord{Path: "/third"})
	require.ErrorIs(t, err, ErrReportLost)
	assert.Equal(t, uint64(1), ch.Lost())

	w.release(3)
	require.NoError(t, ch.Close())
}

func TestChannelStampsAgentIDOnEveryRecord(t *testing.T) {
	var buf bytes.Buffer
	ch := NewChannel(&buf, 8)
	require.NoError(t, ch.Emit(ReportRecord{Path: "/a"}))
	require.NoError(t, ch.Close())

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, ch.AgentID(), got.AgentID)
}

func TestAgentIDIsUnique(t *testing.T) {
	a := NewChannel(&bytes.Buffer{}, 4)
	b := NewChannel(&bytes.Buffer{}, 4)
	defer a.Close()
	defer b.Close()
	assert.NotEqual(t, a.AgentID(), b.AgentID())
}
