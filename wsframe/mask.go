package wsframe

import (
	"encoding/binary"
	"math/bits"
)

// Mask applies the RFC 6455 section 5.3 masking algorithm to b in
// place using key, and returns the key rotated to the position the
// next call (continuing the same payload) should start from. This
// lets a payload be masked/unmasked across several short Fill calls
// without buffering it whole.
func Mask(key uint32, b []byte) uint32 {
	for len(b) >= 4 {
		v := binary.LittleEndian.Uint32(b)
		binary.LittleEndian.PutUint32(b, v^key)
		b = b[4:]
	}

	if len(b) == 0 {
		return key
	}

	var k [4]byte
	binary.LittleEndian.PutUint32(k[:], key)
	for i := range b {
		b[i] ^= k[i]
	}
	return bits.RotateLeft32(key, -8*len(b))
}
