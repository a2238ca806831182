// Package buffer implements a segment-backed, mostly-zero-copy byte
// sequence used throughout the codec and ring packages. A Buffer is an
// ordered list of segments; each segment borrows, owns, or points at
// static memory, matching the three memory modes the chunk wire format
// is read out of: a frame borrowed from the ring (Volatile), a header
// constant (Static), or bytes that have been decompressed or copied
// out for storage across chunks (Owned).
package buffer

import (
	"bytes"
	"fmt"
)

// MemoryMode tags how a segment's backing bytes are held.
type MemoryMode uint8

const (
	// Owned segments hold an allocation the Buffer is responsible for.
	Owned MemoryMode = iota
	// Static segments point at memory with the lifetime of the program
	// (string literals, pre-built header-name constants).
	Static
	// Volatile segments borrow memory with a lifetime bounded by the
	// caller — typically a ring frame that is only valid until the next
	// Pop. Go has no deterministic destructors, so the "copy-in on last
	// holder destroyed" contract from the original design is realized
	// as an explicit Own call (see Buffer.Own) rather than an automatic
	// one; callers that must retain bytes past the borrow window call
	// Own explicitly.
	Volatile
)

type segment struct {
	mode MemoryMode
	data []byte
}

// Buffer is an ordered, possibly-discontiguous byte sequence.
type Buffer struct {
	segments []segment
	length   int
}

// New builds an Owned buffer from a freshly-allocated copy of data.
func New(data []byte) Buffer {
	owned := make([]byte, len(data))
	copy(owned, data)
	return Buffer{segments: []segment{{mode: Owned, data: owned}}, length: len(owned)}
}

// NewStatic builds a Static buffer over memory the caller guarantees
// outlives every copy of the returned Buffer (e.g. a package-level
// []byte literal).
func NewStatic(data []byte) Buffer {
	return Buffer{segments: []segment{{mode: Static, data: data}}, length: len(data)}
}

// NewVolatile builds a Volatile buffer borrowing data. The caller must
// not mutate data while any Buffer built from it is alive, and must not
// let data outlive the borrow window unless every consumer calls Own.
func NewVolatile(data []byte) Buffer {
	return Buffer{segments: []segment{{mode: Volatile, data: data}}, length: len(data)}
}

// Empty returns a zero-length buffer.
func Empty() Buffer { return Buffer{} }

// Len returns the total number of bytes across all segments.
func (b Buffer) Len() int { return b.length }

// IsEmpty reports whether the buffer holds no bytes.
func (b Buffer) IsEmpty() bool { return b.length == 0 }

// Own copies every Volatile segment into a fresh Owned allocation,
// leaving Owned and Static segments untouched. Call this before storing
// a Buffer anywhere that must outlive the ring frame it was parsed from.
func (b Buffer) Own() Buffer {
	out := make([]segment, len(b.segments))
	changed := false
	for i, s := range b.segments {
		if s.mode == Volatile {
			cp := make([]byte, len(s.data))
			copy(cp, s.data)
			out[i] = segment{mode: Owned, data: cp}
			changed = true
		} else {
			out[i] = s
		}
	}
	if !changed {
		return b
	}
	return Buffer{segments: out, length: b.length}
}

// Serialize idempotently collapses the buffer into a single Owned
// segment. Required before Data() can hand back one contiguous slice.
func (b *Buffer) Serialize() {
	if len(b.segments) <= 1 && (len(b.segments) == 0 || b.segments[0].mode == Owned) {
		return
	}
	combined := make([]byte, 0, b.length)
	for _, s := range b.segments {
		combined = append(combined, s.data...)
	}
	b.segments = []segment{{mode: Owned, data: combined}}
}

// Data returns one contiguous slice over the whole buffer, serializing
// first if necessary. The returned slice must not be mutated.
func (b *Buffer) Data() []byte {
	b.Serialize()
	if len(b.segments) == 0 {
		return nil
	}
	return b.segments[0].data
}

// ErrOutOfRange is returned by accessors given an offset or range past
// the end of the buffer.
type ErrOutOfRange struct {
	Offset, Length, BufferLen int
}

func (e *ErrOutOfRange) Error() string {
	return fmt.Sprintf("buffer: range [%d,%d) exceeds length %d", e.Offset, e.Offset+e.Length, e.BufferLen)
}

// ByteAt returns the byte at an absolute offset, or an error if offset
// is out of range. Use MustByteAt only for literal, programmer-known-safe
// offsets.
func (b *Buffer) ByteAt(offset int) (byte, error) {
	if offset < 0 || offset >= b.length {
		return 0, &ErrOutOfRange{Offset: offset, Length: 1, BufferLen: b.length}
	}
	pos := 0
	for _, s := range b.segments {
		if offset < pos+len(s.data) {
			return s.data[offset-pos], nil
		}
		pos += len(s.data)
	}
	return 0, &ErrOutOfRange{Offset: offset, Length: 1, BufferLen: b.length}
}

// MustByteAt indexes by a literal offset known at the call site to be in
// range; an out-of-range offset is a programmer error, not traffic, so
// it panics instead of returning a recoverable error.
func (b *Buffer) MustByteAt(offset int) byte {
	v, err := b.ByteAt(offset)
	if err != nil {
		panic(err)
	}
	return v
}

// Range copies out the bytes in [start, end) as a plain slice.
func (b *Buffer) Range(start, end int) ([]byte, error) {
	if start < 0 || end < start || end > b.length {
		return nil, &ErrOutOfRange{Offset: start, Length: end - start, BufferLen: b.length}
	}
	out := make([]byte, 0, end-start)
	pos := 0
	for _, s := range b.segments {
		segEnd := pos + len(s.data)
		if segEnd > start && pos < end {
			lo := max(0, start-pos)
			hi := min(len(s.data), end-pos)
			out = append(out, s.data[lo:hi]...)
		}
		pos = segEnd
		if pos >= end {
			break
		}
	}
	return out, nil
}

// Subbuffer returns a new Buffer sharing the underlying segment data in
// [start, end), without copying bytes. Cost is O(segments).
func (b *Buffer) Subbuffer(start, end int) (Buffer, error) {
	if start < 0 || end < start || end > b.length {
		return Buffer{}, &ErrOutOfRange{Offset: start, Length: end - start, BufferLen: b.length}
	}
	var out []segment
	pos := 0
	for _, s := range b.segments {
		segStart, segEnd := pos, pos+len(s.data)
		if segEnd > start && segStart < end {
			lo := max(0, start-segStart)
			hi := min(len(s.data), end-segStart)
			out = append(out, segment{mode: s.mode, data: s.data[lo:hi]})
		}
		pos = segEnd
		if pos >= end {
			break
		}
	}
	return Buffer{segments: out, length: end - start}, nil
}

// Concat appends b after a, sharing both buffers' segment data.
func Concat(a, b Buffer) Buffer {
	out := make([]segment, 0, len(a.segments)+len(b.segments))
	out = append(out, a.segments...)
	out = append(out, b.segments...)
	return Buffer{segments: out, length: a.length + b.length}
}

// Head returns the first n bytes; Tail returns the last n bytes.
func (b *Buffer) Head(n int) (Buffer, error) { return b.Subbuffer(0, n) }
func (b *Buffer) Tail(n int) (Buffer, error) { return b.Subbuffer(b.length-n, b.length) }

// Equal reports byte-for-byte equality across segment boundaries.
func (b Buffer) Equal(other Buffer) bool {
	if b.length != other.length {
		return false
	}
	return b.Compare(other) == 0
}

// Compare performs a byte-lexicographic comparison across segment
// boundaries, like bytes.Compare.
func (b Buffer) Compare(other Buffer) int {
	bi, oi := 0, 0
	var bs, os []byte
	for {
		for len(bs) == 0 {
			if bi >= len(b.segments) {
				bs = nil
				break
			}
			bs = b.segments[bi].data
			bi++
		}
		for len(os) == 0 {
			if oi >= len(other.segments) {
				os = nil
				break
			}
			os = other.segments[oi].data
			oi++
		}
		if len(bs) == 0 || len(os) == 0 {
			switch {
			case len(bs) == 0 && len(os) == 0:
				return 0
			case len(bs) == 0:
				return -1
			default:
				return 1
			}
		}
		n := min(len(bs), len(os))
		if c := bytes.Compare(bs[:n], os[:n]); c != 0 {
			return c
		}
		bs, os = bs[n:], os[n:]
	}
}

// IsEqualLowerCase reports whether b, compared case-insensitively
// (ASCII), equals other.
func (b Buffer) IsEqualLowerCase(other Buffer) bool {
	if b.length != other.length {
		return false
	}
	bd, _ := b.Range(0, b.length)
	od, _ := other.Range(0, other.length)
	for i := range bd {
		if toLowerASCII(bd[i]) != toLowerASCII(od[i]) {
			return false
		}
	}
	return true
}

func toLowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// Contains reports whether b has at least one byte equal to target.
func (b Buffer) Contains(target byte) bool {
	_, ok := b.FindFirstOf(target)
	return ok
}

// FindFirstOf returns the index of the first occurrence of target.
func (b Buffer) FindFirstOf(target byte) (int, bool) {
	pos := 0
	for _, s := range b.segments {
		for i, c := range s.data {
			if c == target {
				return pos + i, true
			}
		}
		pos += len(s.data)
	}
	return -1, false
}

// FindLastOf returns the index of the last occurrence of target.
func (b Buffer) FindLastOf(target byte) (int, bool) {
	pos := b.length
	for i := len(b.segments) - 1; i >= 0; i-- {
		s := b.segments[i]
		pos -= len(s.data)
		for j := len(s.data) - 1; j >= 0; j-- {
			if s.data[j] == target {
				return pos + j, true
			}
		}
	}
	return -1, false
}

// FindFirstNotOf returns the index of the first byte not equal to any
// byte in set.
func (b Buffer) FindFirstNotOf(set ...byte) (int, bool) {
	pos := 0
	for _, s := range b.segments {
		for i, c := range s.data {
			if !bytes.ContainsRune(set, rune(c)) {
				return pos + i, true
			}
		}
		pos += len(s.data)
	}
	return -1, false
}

func setToString(set []byte) string { return string(set) }

// String materializes the buffer's bytes as a Go string (copies).
func (b Buffer) String() string {
	out := make([]byte, 0, b.length)
	for _, s := range b.segments {
		out = append(out, s.data...)
	}
	return string(out)
}

// Bytes returns a copy of the buffer's bytes.
func (b Buffer) Bytes() []byte {
	out := make([]byte, 0, b.length)
	for _, s := range b.segments {
		out = append(out, s.data...)
	}
	return out
}
