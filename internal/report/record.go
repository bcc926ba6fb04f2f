// Package report implements the Report Channel: the ordered,
// back-pressured, length-prefixed stream of access reports from an agent
// instance to the Controller, plus the wire codec shared by both ends.
package report

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/buildpip/pipsandbox/internal/accesskind"
)

// RecordKind is the wire-level record_kind discriminant.
type RecordKind uint8

const (
	FileAccess RecordKind = iota
	DebugMessage
	ProcessData
	DetoursStatus
)

// ReportRecord is the Reported Access Record, one wire record.
type ReportRecord struct {
	Kind               RecordKind
	ProcessID          uint32
	ParentProcessID    uint32
	ThreadID           uint64
	Operation          accesskind.OperationKind
	RequestedAccess    accesskind.RequestedAccess
	Status             accesskind.ResultStatus
	ExplicitlyReported bool
	ErrorCode          uint32
	DesiredAccess      uint32
	ShareMode          uint32
	CreationDisposition uint32
	FlagsAndAttributes uint32
	Path               string
	EnumeratePattern   string
	// AgentID identifies the emitting agent instance; the Channel stamps it
	// on every record so the Controller can tell a recycled process id apart
	// from the same process. Encoded after the fixed and variable-length
	// fields above so their wire offsets stay unchanged.
	AgentID uuid.UUID
}

var (
	ErrTruncated = errors.New("report: truncated record")
)

// Encode serializes r: a u32 record_length prefix (the byte count of
// everything that follows it) followed by the fixed and variable-length
// fields, little-endian throughout.
func Encode(r ReportRecord) []byte {
	var body bytes.Buffer
	body.WriteByte(byte(r.Kind))
	writeU32(&body, r.ProcessID)
	writeU32(&body, r.ParentProcessID)
	writeU64(&body, r.ThreadID)
	body.WriteByte(byte(r.Operation))
	body.WriteByte(byte(r.RequestedAccess))
	body.WriteByte(byte(r.Status))
	writeBool(&body, r.ExplicitlyReported)
	writeU32(&body, r.ErrorCode)
	writeU32(&body, r.DesiredAccess)
	writeU32(&body, r.ShareMode)
	writeU32(&body, r.CreationDisposition)
	writeU32(&body, r.FlagsAndAttributes)
	writeString(&body, r.Path)
	writeString(&body, r.EnumeratePattern)
	body.Write(r.AgentID[:])

	out := make([]byte, 4+body.Len())
	binary.LittleEndian.PutUint32(out, uint32(body.Len()))
	copy(out[4:], body.Bytes())
	return out
}

// Decode reads one record from r, including its length prefix. Unknown
// record_kind values are returned to the caller rather than skipped here;
// skipping-by-length is the caller's responsibility, since Decode must
// still hand back the raw kind for logging.
func Decode(r io.Reader) (ReportRecord, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return ReportRecord{}, io.EOF
		}
		return ReportRecord{}, fmt.Errorf("report: read record_length: %w", err)
	}
	recordLen := binary.LittleEndian.Uint32(lenBuf[:])

	body := make([]byte, recordLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return ReportRecord{}, fmt.Errorf("%w: %v", ErrTruncated, err)
	}

	br := &byteReader{buf: body}
	var rec ReportRecord
	rec.Kind = RecordKind(br.readByte())
	rec.ProcessID = br.readU32()
	rec.ParentProcessID = br.readU32()
	rec.ThreadID = br.readU64()
	rec.Operation = accesskind.OperationKind(br.readByte())
	rec.RequestedAccess = accesskind.RequestedAccess(br.readByte())
	rec.Status = accesskind.ResultStatus(br.readByte())
	rec.ExplicitlyReported = br.readByte() != 0
	rec.ErrorCode = br.readU32()
	rec.DesiredAccess = br.readU32()
	rec.ShareMode = br.readU32()
	rec.CreationDisposition = br.readU32()
	rec.FlagsAndAttributes = br.readU32()
	rec.Path = br.readString()
	rec.EnumeratePattern = br.readString()
	br.readInto(rec.AgentID[:])

	if br.err != nil {
		return ReportRecord{}, fmt.Errorf("%w: %v", ErrTruncated, br.err)
	}
	return rec, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// byteReader is a minimal cursor over an in-memory record body; it records
// the first error encountered and becomes a no-op afterward so call sites
// don't need to check every individual read.
type byteReader struct {
	buf []byte
	pos int
	err error
}

func (r *byteReader) readByte() byte {
	if r.err != nil || r.pos >= len(r.buf) {
		r.err = ErrTruncated
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *byteReader) readU32() uint32 {
	if r.err != nil || r.pos+4 > len(r.buf) {
		r.err = ErrTruncated
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *byteReader) readU64() uint64 {
	if r.err != nil || r.pos+8 > len(r.buf) {
		r.err = ErrTruncated
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *byteReader) readInto(dst []byte) {
	if r.err != nil || r.pos+len(dst) > len(r.buf) {
		r.err = ErrTruncated
		return
	}
	copy(dst, r.buf[r.pos:])
	r.pos += len(dst)
}

func (r *byteReader) readString() string {
	n := r.readU32()
	if r.err != nil || r.pos+int(n) > len(r.buf) {
		r.err = ErrTruncated
		return ""
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s
}
