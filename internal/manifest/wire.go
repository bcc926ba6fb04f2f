package manifest

// Wire format for the Manifest -> Agent boundary:
//
//	magic              "PMAN" (4 bytes)
//	version            u32
//	default_policy     u8
//	translation_count  u32
//	translations       [(from_len u32, from utf8, to_len u32, to utf8)]
//	trie               depth-first (atom_len u32, atom utf8, policy_bits u16, child_count u32);
//	                   policy_bits' low byte holds the policy flags, bit 8 marks
//	                   a node carrying a real entry (vs a structural intermediate)
//	override_count     u32   -- extension: glob-override layer (GlobOverride), appended
//	                            after the trie and before the checksum so every documented
//	                            field keeps its position.
//	overrides          [(pattern_len u32, pattern utf8, policy_bits u16, deny u8)]
//	footer_checksum    crc32 (of every byte preceding it)
//
// Byte order is little-endian throughout.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/buildpip/pipsandbox/internal/pathutil"
	"github.com/buildpip/pipsandbox/internal/translate"
)

const (
	wireMagic   = "PMAN"
	wireVersion = uint32(1)

	// wireHasEntry marks a trie node that carries a real PathPolicy entry, as
	// opposed to an intermediate node that only exists because a descendant
	// does. Encoded in the high byte of policy_bits so the documented low-byte
	// flags keep their positions.
	wireHasEntry = uint16(1) << 8
)

// ErrBadMagic, ErrBadVersion and ErrChecksum are returned by Decode when the
// buffer fails agent-side validation. Any such failure must abort the
// process before user code runs — Decode's caller is responsible for that.
var (
	ErrBadMagic   = fmt.Errorf("manifest: bad magic")
	ErrBadVersion = fmt.Errorf("manifest: unsupported version")
	ErrChecksum   = fmt.Errorf("manifest: checksum mismatch")
	ErrTruncated  = fmt.Errorf("manifest: truncated buffer")
)

// Encode serializes m into the Manifest -> Agent wire buffer.
func Encode(m *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(wireMagic)
	writeU32(&buf, wireVersion)
	buf.WriteByte(byte(encodePolicyBits(m.defaultPolicy)))

	writeU32(&buf, uint32(len(m.Translations)))
	for _, r := range m.Translations {
		writeString(&buf, r.From.String())
		writeString(&buf, r.To.String())
	}

	writeTrie(&buf, m.root)

	writeU32(&buf, uint32(len(m.overrides)+len(m.denyOverrides)))
	for _, ov := range m.overrides {
		writeString(&buf, ov.Pattern)
		writeU16(&buf, encodePolicyBits(ov.Policy))
		buf.WriteByte(0)
	}
	for _, ov := range m.denyOverrides {
		writeString(&buf, ov.Pattern)
		writeU16(&buf, 0)
		buf.WriteByte(1)
	}

	checksum := crc32.ChecksumIEEE(buf.Bytes())
	writeU32(&buf, checksum)

	return buf.Bytes(), nil
}

// Decode parses a Manifest -> Agent wire buffer, validating magic, version,
// and checksum before returning the reconstructed Manifest.
func Decode(data []byte) (*Manifest, error) {
	if len(data) < 4+4+1+4 {
		return nil, ErrTruncated
	}
	body := data[:len(data)-4]
	wantChecksum := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != wantChecksum {
		return nil, ErrChecksum
	}

	r := &reader{buf: data}
	magic, err := r.readN(4)
	if err != nil {
		return nil, ErrTruncated
	}
	if string(magic) != wireMagic {
		return nil, ErrBadMagic
	}

	version, err := r.readU32()
	if err != nil {
		return nil, ErrTruncated
	}
	if version != wireVersion {
		return nil, ErrBadVersion
	}

	defaultByte, err := r.readByte()
	if err != nil {
		return nil, ErrTruncated
	}

	b := NewBuilder().WithDefaultPolicy(decodePolicyBits(uint16(defaultByte)))

	translationCount, err := r.readU32()
	if err != nil {
		return nil, ErrTruncated
	}
	for i := uint32(0); i < translationCount; i++ {
		from, err := r.readString()
		if err != nil {
			return nil, ErrTruncated
		}
		to, err := r.readString()
		if err != nil {
			return nil, ErrTruncated
		}
		b.WithTranslation(translate.Rule{From: parsePath(from), To: parsePath(to)})
	}

	root := newNode()
	if err := readTrie(r, root, nil, b); err != nil {
		return nil, err
	}

	overrideCount, err := r.readU32()
	if err != nil {
		return nil, ErrTruncated
	}
	for i := uint32(0); i < overrideCount; i++ {
		pattern, err := r.readString()
		if err != nil {
			return nil, ErrTruncated
		}
		bits, err := r.readU16()
		if err != nil {
			return nil, ErrTruncated
		}
		denyByte, err := r.readByte()
		if err != nil {
			return nil, ErrTruncated
		}
		if denyByte != 0 {
			b.DenyGlob(pattern)
		} else {
			b.AllowGlob(pattern, decodePolicyBits(bits))
		}
	}

	return b.Build(), nil
}

func writeTrie(buf *bytes.Buffer, n *node) {
	// root atom is always empty; its policy_bits/child_count still encode.
	writeU16(buf, encodeNodeBits(n))
	writeU32(buf, uint32(len(n.children)))
	writeTrieChildren(buf, n)
}

func writeTrieChildren(buf *bytes.Buffer, n *node) {
	for atom, child := range n.children {
		writeString(buf, atom)
		writeU16(buf, encodeNodeBits(child))
		writeU32(buf, uint32(len(child.children)))
		writeTrieChildren(buf, child)
	}
}

func encodeNodeBits(n *node) uint16 {
	bits := encodePolicyBits(n.policy)
	if n.hasNode {
		bits |= wireHasEntry
	}
	return bits
}

// readTrie reads the root's (policy_bits, child_count) header then its
// children, reconstructing PathPolicy entries into b as it walks so Build
// merges them the same way Add would. Only nodes flagged wireHasEntry are
// replayed; intermediate nodes re-materialize from their descendants.
func readTrie(r *reader, root *node, prefix []string, b *Builder) error {
	bits, err := r.readU16()
	if err != nil {
		return ErrTruncated
	}
	root.policy = decodePolicyBits(bits)
	root.hasNode = bits&wireHasEntry != 0
	if root.hasNode {
		b.Add(PathPolicy{Path: pathutil.CanonicalPath{Atoms: append([]string{}, prefix...)}, Policy: root.policy})
	}

	childCount, err := r.readU32()
	if err != nil {
		return ErrTruncated
	}
	for i := uint32(0); i < childCount; i++ {
		atom, err := r.readString()
		if err != nil {
			return ErrTruncated
		}
		child := root.ensureChild(atom)
		if err := readTrie(r, child, append(append([]string{}, prefix...), atom), b); err != nil {
			return err
		}
	}
	return nil
}

func parsePath(s string) pathutil.CanonicalPath {
	atoms := splitPath(s)
	return pathutil.CanonicalPath{Atoms: atoms}
}

func splitPath(s string) []string {
	var atoms []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			if i > start {
				atoms = append(atoms, s[start:i])
			}
			start = i + 1
		}
	}
	return atoms
}

func encodePolicyBits(p PolicyBits) uint16 {
	var v uint16
	if p.AllowRead {
		v |= 1 << 0
	}
	if p.AllowWrite {
		v |= 1 << 1
	}
	if p.AllowProbe {
		v |= 1 << 2
	}
	if p.AllowEnumerate {
		v |= 1 << 3
	}
	if p.AllowSymlinkCreate {
		v |= 1 << 4
	}
	if p.ReportAccess {
		v |= 1 << 5
	}
	if p.ReportAllAccesses {
		v |= 1 << 6
	}
	if p.PolicyScope {
		v |= 1 << 7
	}
	return v
}

func decodePolicyBits(v uint16) PolicyBits {
	return PolicyBits{
		AllowRead:          v&(1<<0) != 0,
		AllowWrite:         v&(1<<1) != 0,
		AllowProbe:         v&(1<<2) != 0,
		AllowEnumerate:     v&(1<<3) != 0,
		AllowSymlinkCreate: v&(1<<4) != 0,
		ReportAccess:       v&(1<<5) != 0,
		ReportAllAccesses:  v&(1<<6) != 0,
		PolicyScope:        v&(1<<7) != 0,
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readN(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) readByte() (byte, error) {
	b, err := r.readN(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readU32() (uint32, error) {
	b, err := r.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) readU16() (uint16, error) {
	b, err := r.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	b, err := r.readN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
