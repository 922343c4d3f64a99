// Package util contains misc internal utilities.
package util

// GetBit returns the value of a given bit in a byte
func GetBit(b byte, bitIndex uint) bool {
	return (b>>bitIndex)&1 == 1
}

// SetBit returns b with the given bit set to v
func SetBit(b byte, bitIndex uint, v bool) byte {
	if v {
		return b | (1 << bitIndex)
	}
	return b &^ (1 << bitIndex)
}

// PutUint24 writes v into the first three bytes of b, big endian.
// b must be at least three bytes long or PutUint24 panics.
func PutUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// Uint24 reads a big endian 24-bit value from the first three bytes of b
func Uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// PutUint32 writes v into the first four bytes of b, big endian
func PutUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Uint32 reads a big endian 32-bit value from the first four bytes of b
func Uint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
