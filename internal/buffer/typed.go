package buffer

import "encoding/binary"

// Uint8At reads a single byte as an unsigned 8-bit integer.
func (b *Buffer) Uint8At(offset int) (uint8, error) {
	return b.ByteAt(offset)
}

// Uint16LEAt reads a little-endian 16-bit unsigned integer.
func (b *Buffer) Uint16LEAt(offset int) (uint16, error) {
	raw, err := b.Range(offset, offset+2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(raw), nil
}

// Uint32LEAt reads a little-endian 32-bit unsigned integer.
func (b *Buffer) Uint32LEAt(offset int) (uint32, error) {
	raw, err := b.Range(offset, offset+4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// Uint64LEAt reads a little-endian 64-bit unsigned integer.
func (b *Buffer) Uint64LEAt(offset int) (uint64, error) {
	raw, err := b.Range(offset, offset+8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// Numeric is the set of wire-primitive integer types TypedView supports.
type Numeric interface {
	uint8 | uint16 | uint32 | uint64
}

// TypedView reads a little-endian numeric value of type T at offset,
// matching the original design's typed_view<T> contract. Straddling
// segment boundaries is handled transparently by the Range-based
// readers above (no forced Serialize is needed since Range already
// walks segments).
func TypedView[T Numeric](b *Buffer, offset int) (T, error) {
	var zero T
	switch any(zero).(type) {
	case uint8:
		v, err := b.Uint8At(offset)
		return T(v), err
	case uint16:
		v, err := b.Uint16LEAt(offset)
		return T(v), err
	case uint32:
		v, err := b.Uint32LEAt(offset)
		return T(v), err
	case uint64:
		v, err := b.Uint64LEAt(offset)
		return T(v), err
	default:
		return zero, nil
	}
}
