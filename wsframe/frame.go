package wsframe

// Frame is the parser's value type: one complete WebSocket frame. Its
// Payload slice is backed by the parser's internal scratch buffer and
// is only valid until Release is called; callers that need the bytes
// afterward must copy them.
type Frame struct {
	Header  Header
	Payload []byte

	release func()
}

// Opcode returns the frame's opcode.
func (f Frame) Opcode() Opcode { return f.Header.Opcode }

// Fin returns the frame's FIN bit.
func (f Frame) Fin() bool { return f.Header.Fin }

// PayloadLen returns the declared payload length in bytes.
func (f Frame) PayloadLen() int64 { return f.Header.PayloadLength }

// Bytes returns the frame's payload. The slice is only valid until
// Release is called.
func (f Frame) Bytes() []byte { return f.Payload }

// Release signals that the caller is done observing f.Payload. It must
// be called exactly once per frame delivered by Parser.Feed before the
// parser can be fed again; failing to do so before resuming the read
// pump is a caller bug and Feed will report it.
func (f *Frame) Release() {
	if f.release != nil {
		f.release()
		f.release = nil
	}
}

// OutgoingFrame is what a caller hands to Generator to produce header
// bytes for a frame it wants to write. Unlike the parser's Frame, the
// caller owns Payload for as long as it likes -- Generator never reads
// it, only Header derived from it.
type OutgoingFrame struct {
	Opcode Opcode
	Fin    bool
	RSV1   bool
	Masked bool
	// MaskKey is only consulted when Masked is true. The caller is
	// responsible for having already masked Payload in place;
	// Generator only ever emits the header, never payload bytes.
	MaskKey uint32
	Payload []byte
}

func (f OutgoingFrame) header() Header {
	return Header{
		Fin:           f.Fin,
		RSV1:          f.RSV1,
		Opcode:        f.Opcode,
		PayloadLength: int64(len(f.Payload)),
		Masked:        f.Masked,
		MaskKey:       f.MaskKey,
	}
}
