package wsframe

import (
	"encoding/binary"
	"fmt"
	"math"
)

// First byte contains fin, rsv1, rsv2, rsv3 and the opcode.
// Second byte contains the mask flag and the payload length.
// Next 2 or 8 bytes are the extended payload length, if any.
// Last 4 bytes are the mask key, if masked.
// https://tools.ietf.org/html/rfc6455#section-5.2
const maxHeaderSize = 1 + 1 + 8 + 4

// MaxHeaderLength is the longest a frame header can be: two bytes of
// base header, eight bytes of extended length and four bytes of mask
// key. Policy.InputBufferSize must be at least this large so the
// parser can always make progress on a header.
const MaxHeaderLength = maxHeaderSize

// Header is a WebSocket frame header.
type Header struct {
	Fin  bool
	RSV1 bool
	RSV2 bool
	RSV3 bool

	Opcode Opcode

	PayloadLength int64

	Masked  bool
	MaskKey uint32
}

// AppendBytes appends the wire encoding of h to dst and returns the
// extended slice.
func (h Header) AppendBytes(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, 0, 0)

	if h.Fin {
		dst[start] |= 1 << 7
	}
	if h.RSV1 {
		dst[start] |= 1 << 6
	}
	if h.RSV2 {
		dst[start] |= 1 << 5
	}
	if h.RSV3 {
		dst[start] |= 1 << 4
	}
	dst[start] |= byte(h.Opcode)

	switch {
	case h.PayloadLength < 0:
		panic(fmt.Sprintf("wsframe: invalid header: negative length %v", h.PayloadLength))
	case h.PayloadLength <= 125:
		dst[start+1] = byte(h.PayloadLength)
	case h.PayloadLength <= math.MaxUint16:
		dst[start+1] = 126
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(h.PayloadLength))
		dst = append(dst, b[:]...)
	default:
		dst[start+1] = 127
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(h.PayloadLength))
		dst = append(dst, b[:]...)
	}

	if h.Masked {
		dst[start+1] |= 1 << 7
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], h.MaskKey)
		dst = append(dst, b[:]...)
	}

	return dst
}

// parseHeaderPrefix decodes the leading two bytes of a header and
// reports how many further bytes (extended length + mask key) must be
// read before the header is complete.
func parseHeaderPrefix(b [2]byte) (h Header, extra int) {
	h.Fin = b[0]&(1<<7) != 0
	h.RSV1 = b[0]&(1<<6) != 0
	h.RSV2 = b[0]&(1<<5) != 0
	h.RSV3 = b[0]&(1<<4) != 0
	h.Opcode = Opcode(b[0] & 0xf)

	h.Masked = b[1]&(1<<7) != 0
	if h.Masked {
		extra += 4
	}

	payloadLength := b[1] &^ (1 << 7)
	switch {
	case payloadLength < 126:
		h.PayloadLength = int64(payloadLength)
	case payloadLength == 126:
		extra += 2
	case payloadLength == 127:
		extra += 8
	}

	return h, extra
}

// finishHeader completes a header parsed by parseHeaderPrefix once the
// extra bytes (extended length, mask key) have been read into extra.
func finishHeader(h Header, rawLen byte, extra []byte) (Header, error) {
	switch {
	case rawLen == 126:
		h.PayloadLength = int64(binary.BigEndian.Uint16(extra))
		extra = extra[2:]
	case rawLen == 127:
		v := binary.BigEndian.Uint64(extra)
		if v > math.MaxInt64 {
			return Header{}, fmt.Errorf("wsframe: header payload length overflows int64: %v", v)
		}
		h.PayloadLength = int64(v)
		extra = extra[8:]
	}

	if h.Masked {
		h.MaskKey = binary.LittleEndian.Uint32(extra)
	}

	return h, nil
}
