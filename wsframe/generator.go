package wsframe

// Generator turns an OutgoingFrame into header bytes. Payload bytes
// are never touched -- the caller writes frame.Payload to the
// transport directly after the header, per the codec contract in
// spec section 6 ("payload bytes are taken directly from the frame").
type Generator struct{}

// MaxHeaderLength is the longest header this generator can produce.
// Policy.OutputBufferSize and Policy.InputBufferSize must both be at
// least this large.
func (Generator) MaxHeaderLength() int {
	return MaxHeaderLength
}

// AppendHeaderBytes appends the wire encoding of f's header to dst and
// returns the extended slice.
func (Generator) AppendHeaderBytes(dst []byte, f OutgoingFrame) []byte {
	return f.header().AppendBytes(dst)
}

// CloseFramePayload builds the 2-byte-status-code + reason payload for
// a CLOSE frame per RFC 6455 section 5.5.1. A nil slice means "no
// status code in the frame" and is only valid when code is the
// internal no-code sentinel.
func CloseFramePayload(code uint16, reason string) []byte {
	if code == 0 {
		return nil
	}
	b := make([]byte, 2+len(reason))
	b[0] = byte(code >> 8)
	b[1] = byte(code)
	copy(b[2:], reason)
	return b
}
