package wsext

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"sync"

	"github.com/flowframe/wsdriver/wsframe"
)

// DeflateMode selects how the permessage-deflate extension (RFC 7692)
// manages its sliding compression window across messages.
type DeflateMode int

const (
	// DeflateDisabled turns the middleware into a passthrough. Prefer
	// NewChain without a Deflate at all; the mode is fixed once
	// NewDeflate has chosen it.
	DeflateDisabled DeflateMode = iota

	// DeflateContextTakeover keeps one flate.Writer/Reader pair alive
	// for the lifetime of the connection instead of drawing from the
	// shared pool per message; costs a fixed per-connection memory
	// overhead. Both are reset before every message (the reader with
	// no preset dictionary), so the sliding window is not carried from
	// one message to the next: outgoing messages never refer back to
	// earlier ones, and incoming messages that do fail to decompress.
	DeflateContextTakeover

	// DeflateNoContextTakeover grabs a fresh flate.Writer/Reader per
	// message from a shared pool. Lower steady-state memory, worse
	// compression ratio.
	DeflateNoContextTakeover
)

// These bytes make flate.Reader return when it otherwise wouldn't.
// They're stripped before sending on the wire (the frame boundary
// already tells the peer where the message ends) and re-appended
// before decompressing.
const deflateMessageTail = "\x00\x00\xff\xff"

// Deflate implements Middleware for permessage-deflate. A zero value
// is a valid no-op (DeflateMode is DeflateDisabled); the mode is
// chosen with NewDeflate, and SetPolicy does not change it.
//
// Deflate operates at message granularity: on the incoming side it
// accumulates continuation frames belonging to a compressed message
// (RSV1 set on the first frame only, per RFC 7692 section 7.2.1) and
// emits one decompressed frame once FIN is observed -- an explicit use
// of the chain's license to merge frames. On the outgoing side it
// compresses a frame's payload in one shot and sets RSV1, since the
// driver's outgoing_frame API hands it one already-complete frame per
// call.
type Deflate struct {
	mode DeflateMode

	outMu   sync.Mutex
	out     *deflateWriter
	inMu    sync.Mutex
	in      *deflateReader
	pending []byte // incoming continuation accumulator
	pendOp  wsframe.Opcode
}

// NewDeflate constructs a Deflate middleware in the given mode.
func NewDeflate(mode DeflateMode) *Deflate {
	return &Deflate{mode: mode}
}

func (d *Deflate) SetPolicy(Policy)                     {}
func (d *Deflate) ConfigureGenerator(*wsframe.Generator) {}

// ConfigureParser relaxes the parser's RSV1 rejection for data frames;
// permessage-deflate is the only negotiated use of that bit this
// driver understands.
func (d *Deflate) ConfigureParser(p *wsframe.Parser) {
	if d.mode != DeflateDisabled {
		p.AllowRSV1(true)
	}
}

func (d *Deflate) Incoming(f wsframe.Frame, next NextIncoming) {
	if d.mode == DeflateDisabled {
		next(&f, nil)
		return
	}

	if f.Opcode().Control() {
		next(&f, nil)
		return
	}

	d.inMu.Lock()
	defer d.inMu.Unlock()

	if f.Header.RSV1 {
		if len(d.pending) != 0 {
			next(nil, fmt.Errorf("wsext: deflate: RSV1 set on a continuation frame"))
			return
		}
		d.pendOp = f.Opcode()
	} else if len(d.pending) == 0 && f.Opcode() != wsframe.OpContinuation {
		// Not a compressed message; pass through untouched.
		next(&f, nil)
		return
	}

	d.pending = append(d.pending, f.Bytes()...)
	fin := f.Fin()
	f.Release()

	if !fin {
		next(nil, nil)
		return
	}

	payload := d.pending
	d.pending = nil
	op := d.pendOp

	out, err := d.decompress(payload)
	if err != nil {
		next(nil, fmt.Errorf("wsext: deflate: decompress failed: %w", err))
		return
	}

	result := wsframe.Frame{
		Header:  wsframe.Header{Fin: true, Opcode: op, PayloadLength: int64(len(out))},
		Payload: out,
	}
	next(&result, nil)
}

func (d *Deflate) Outgoing(f wsframe.OutgoingFrame, mode BatchMode, next NextOutgoing) {
	if d.mode == DeflateDisabled || f.Opcode.Control() || len(f.Payload) == 0 {
		next(f, nil)
		return
	}

	d.outMu.Lock()
	defer d.outMu.Unlock()

	out, err := d.compress(f.Payload)
	if err != nil {
		next(f, fmt.Errorf("wsext: deflate: compress failed: %w", err))
		return
	}

	f.Payload = out
	f.RSV1 = true
	next(f, nil)
}

func (d *Deflate) noContextTakeover() bool {
	return d.mode == DeflateNoContextTakeover
}

type deflateWriter struct {
	buf  bytes.Buffer
	trim *trimLastFourBytesWriter
	fw   *flate.Writer
}

func (d *Deflate) compress(p []byte) ([]byte, error) {
	if d.out == nil {
		d.out = &deflateWriter{}
		d.out.trim = &trimLastFourBytesWriter{w: &d.out.buf}
	}
	w := d.out
	w.buf.Reset()
	w.trim.reset()

	if w.fw == nil || d.noContextTakeover() {
		if w.fw != nil {
			putFlateWriter(w.fw)
		}
		w.fw = getFlateWriter(w.trim)
	} else {
		w.fw.Reset(w.trim)
	}

	if _, err := w.fw.Write(p); err != nil {
		return nil, err
	}
	if err := w.fw.Flush(); err != nil {
		return nil, err
	}

	out := make([]byte, w.buf.Len())
	copy(out, w.buf.Bytes())

	if d.noContextTakeover() {
		putFlateWriter(w.fw)
		w.fw = nil
	}

	return out, nil
}

type deflateReader struct {
	src io.Reader
	fr  io.Reader
}

func (d *Deflate) decompress(p []byte) ([]byte, error) {
	p = append(p, deflateMessageTail...)
	src := bytes.NewReader(p)

	if d.in == nil {
		d.in = &deflateReader{}
	}
	r := d.in

	if r.fr == nil || d.noContextTakeover() {
		if r.fr != nil {
			putFlateReader(r.fr)
		}
		r.fr = getFlateReader(src, nil)
	} else {
		r.fr.(flate.Resetter).Reset(src, nil)
	}

	// The message carries no final block, so once the appended tail is
	// consumed the flate reader reports io.ErrUnexpectedEOF; that marks
	// the end of the message, not a failure.
	var out bytes.Buffer
	if _, err := io.Copy(&out, r.fr); err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}

	if d.noContextTakeover() {
		putFlateReader(r.fr)
		r.fr = nil
	}

	return out.Bytes(), nil
}

// trimLastFourBytesWriter withholds the trailing 4 bytes flate always
// emits (the deflateMessageTail marker) since WebSocket framing
// already communicates the message boundary.
type trimLastFourBytesWriter struct {
	w    io.Writer
	tail []byte
}

func (tw *trimLastFourBytesWriter) reset() {
	tw.tail = tw.tail[:0]
}

func (tw *trimLastFourBytesWriter) Write(p []byte) (int, error) {
	extra := len(tw.tail) + len(p) - 4

	if extra <= 0 {
		tw.tail = append(tw.tail, p...)
		return len(p), nil
	}

	if extra > len(tw.tail) {
		extra = len(tw.tail)
	}
	if extra > 0 {
		if _, err := tw.w.Write(tw.tail[:extra]); err != nil {
			return 0, err
		}
		n := copy(tw.tail, tw.tail[extra:])
		tw.tail = tw.tail[:n]
	}

	if len(p) <= 4 {
		tw.tail = append(tw.tail, p...)
		return len(p), nil
	}

	tail := append([]byte(nil), p[len(p)-4:]...)
	p = p[:len(p)-4]
	n, err := tw.w.Write(p)
	tw.tail = append(tw.tail, tail...)
	return n + 4, err
}

var flateReaderPool sync.Pool

func getFlateReader(r io.Reader, dict []byte) io.Reader {
	fr, ok := flateReaderPool.Get().(io.Reader)
	if !ok {
		return flate.NewReaderDict(r, dict)
	}
	fr.(flate.Resetter).Reset(r, dict)
	return fr
}

func putFlateReader(fr io.Reader) {
	flateReaderPool.Put(fr)
}

var flateWriterPool sync.Pool

func getFlateWriter(w io.Writer) *flate.Writer {
	fw, ok := flateWriterPool.Get().(*flate.Writer)
	if !ok {
		fw, _ = flate.NewWriter(w, flate.BestSpeed)
		return fw
	}
	fw.Reset(w)
	return fw
}

func putFlateWriter(w *flate.Writer) {
	flateWriterPool.Put(w)
}
