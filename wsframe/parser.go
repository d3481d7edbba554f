package wsframe

import "fmt"

// OnFrame is invoked synchronously by Parser.Feed for every complete
// frame. It returns true if the caller handled the frame synchronously
// (the parser may continue immediately with any bytes left in the
// current Feed call), or false if completion is deferred -- the
// parser then unconditionally stops, mirroring the read pump's
// suspension points in spec section 4.2.
type OnFrame func(Frame) (cont bool)

// ParserPolicy configures the limits Parser enforces while decoding.
type ParserPolicy struct {
	// MaxFrameSize bounds a single frame's payload length. Zero means
	// unlimited (still bounded by int64).
	MaxFrameSize int64
	// ExpectMaskedFrames is true on the server side: RFC 6455 requires
	// every frame a client sends to be masked.
	ExpectMaskedFrames bool
	// AllowRSV1 permits the RSV1 bit, set by an extension (commonly
	// permessage-deflate) via Parser.AllowRSV1.
	AllowRSV1 bool
}

type parseState int

const (
	stateHeaderPrefix parseState = iota
	stateHeaderExtra
	statePayload
)

// Parser incrementally decodes a byte stream into Frames. It is fed
// one buffer at a time -- typically a chunk just pulled off the
// transport by the read pump -- and tolerates the buffer ending
// mid-header or mid-payload; state carries across calls to Feed.
//
// A Parser must only ever be driven by one goroutine at a time; it
// performs no internal locking, matching the "no two frames in flight
// concurrently" ordering guarantee in spec section 5.
type Parser struct {
	policy  ParserPolicy
	onFrame OnFrame

	state parseState

	hdrPrefix  [2]byte
	hdrPrefixN int
	lengthCode byte

	extra     [12]byte
	extraNeed int
	extraN    int
	partial   Header

	hdr         Header
	payload     []byte
	payloadN    int64
	curMaskKey  uint32
	frameLocked bool
}

// NewParser constructs a Parser that invokes onFrame for every frame
// it completes.
func NewParser(policy ParserPolicy, onFrame OnFrame) *Parser {
	return &Parser{policy: policy, onFrame: onFrame}
}

// AllowRSV1 toggles whether the RSV1 bit is accepted on data frames.
// Called by an extension's ConfigureParser hook when it negotiates
// permessage-deflate.
func (p *Parser) AllowRSV1(allow bool) {
	p.policy.AllowRSV1 = allow
}

// Feed hands data to the parser. It returns how many leading bytes of
// data were consumed and whether the parser is willing to continue
// (true) or must stop (false, because a frame handler deferred
// completion -- see OnFrame). Any unconsumed suffix of data must be
// preserved by the caller and re-presented (prefixed to newly filled
// bytes) the next time Feed is called.
func (p *Parser) Feed(data []byte) (consumed int, cont bool, err error) {
	offset := 0
	// A zero-length payload is complete as soon as its header is, so
	// such a frame is delivered even when its header ends data.
	for offset < len(data) || (p.state == statePayload && p.payloadN == p.hdr.PayloadLength) {
		switch p.state {
		case stateHeaderPrefix:
			n := copy(p.hdrPrefix[p.hdrPrefixN:], data[offset:])
			p.hdrPrefixN += n
			offset += n
			if p.hdrPrefixN < 2 {
				return offset, true, nil
			}

			h, extra := parseHeaderPrefix(p.hdrPrefix)
			p.lengthCode = p.hdrPrefix[1] &^ (1 << 7)
			p.hdrPrefixN = 0
			p.partial = h
			p.extraNeed = extra
			p.extraN = 0

			if extra == 0 {
				if err := p.enterPayload(h); err != nil {
					return offset, false, err
				}
			} else {
				p.state = stateHeaderExtra
			}

		case stateHeaderExtra:
			n := copy(p.extra[p.extraN:p.extraNeed], data[offset:])
			p.extraN += n
			offset += n
			if p.extraN < p.extraNeed {
				return offset, true, nil
			}

			h, err := finishHeader(p.partial, p.lengthCode, p.extra[:p.extraN])
			if err != nil {
				return offset, false, err
			}
			if err := p.enterPayload(h); err != nil {
				return offset, false, err
			}

		case statePayload:
			need := p.hdr.PayloadLength - p.payloadN
			avail := int64(len(data) - offset)
			n := need
			if avail < n {
				n = avail
			}

			if n > 0 {
				chunk := p.payload[p.payloadN : p.payloadN+n]
				copy(chunk, data[offset:offset+int(n)])
				if p.hdr.Masked {
					p.curMaskKey = Mask(p.curMaskKey, chunk)
				}
				p.payloadN += n
				offset += int(n)
			}

			if p.payloadN < p.hdr.PayloadLength {
				return offset, true, nil
			}

			frame := Frame{
				Header:  p.hdr,
				Payload: p.payload[:p.payloadN],
				release: p.releaseFrame,
			}
			p.frameLocked = true
			p.state = stateHeaderPrefix
			p.payloadN = 0

			if !p.onFrame(frame) {
				return offset, false, nil
			}
		}
	}

	return offset, true, nil
}

func (p *Parser) enterPayload(h Header) error {
	if h.RSV2 || h.RSV3 {
		return fmt.Errorf("wsframe: reserved bits rsv2/rsv3 set")
	}
	if h.RSV1 && (!p.policy.AllowRSV1 || !h.Opcode.Data()) {
		return fmt.Errorf("wsframe: reserved bit rsv1 set without a negotiated extension")
	}
	if h.Opcode.Control() {
		if !h.Fin {
			return fmt.Errorf("wsframe: received fragmented control frame")
		}
		if h.PayloadLength > MaxControlFramePayload {
			return fmt.Errorf("wsframe: control frame payload too large: %d", h.PayloadLength)
		}
	} else if h.Opcode != OpContinuation && h.Opcode != OpText && h.Opcode != OpBinary {
		return fmt.Errorf("wsframe: unknown opcode %d", h.Opcode)
	}
	if p.policy.MaxFrameSize > 0 && h.PayloadLength > p.policy.MaxFrameSize {
		return fmt.Errorf("wsframe: frame payload of %d bytes exceeds max frame size %d", h.PayloadLength, p.policy.MaxFrameSize)
	}
	if p.policy.ExpectMaskedFrames && !h.Masked {
		return fmt.Errorf("wsframe: received unmasked frame from client")
	}
	if !p.policy.ExpectMaskedFrames && h.Masked {
		return fmt.Errorf("wsframe: received masked frame from server")
	}
	if p.frameLocked {
		return fmt.Errorf("wsframe: previous frame was not released before the next frame was parsed")
	}

	if cap(p.payload) < int(h.PayloadLength) {
		p.payload = make([]byte, h.PayloadLength)
	} else {
		p.payload = p.payload[:h.PayloadLength]
	}

	p.hdr = h
	p.curMaskKey = h.MaskKey
	p.state = statePayload
	return nil
}

func (p *Parser) releaseFrame() {
	p.frameLocked = false
}

// MaxControlFramePayload is the RFC 6455 section 5.5 limit on a
// control frame's payload.
const MaxControlFramePayload = 125
