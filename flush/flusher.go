// Package flush implements the frame flusher (C7): a single-writer
// outbound queue that batches frames into transport-sized writes and
// reports per-frame success or failure in enqueue order.
package flush

import (
	"errors"
	"sync"

	"github.com/flowframe/wsdriver/bufpool"
	"github.com/flowframe/wsdriver/wsext"
	"github.com/flowframe/wsdriver/wsframe"
)

// MaxBatchFrames bounds how many queued frames one flush turn will
// aggregate into a single output buffer before writing it out.
const MaxBatchFrames = 8

// ErrFlusherClosed is delivered to every callback still pending (and
// every callback of a subsequent Enqueue) once Close has run.
var ErrFlusherClosed = errors.New("flush: flusher closed")

// Callback reports a queued frame's outcome: nil on success, non-nil
// on failure (that frame's own write error, or an earlier still-
// pending frame's).
type Callback func(error)

// Writer is the transport-facing half of the Endpoint contract the
// flusher needs.
type Writer interface {
	Flush(bufs ...[]byte) (bool, error)
}

// HeaderGenerator is the Frame Codec's generator half.
type HeaderGenerator interface {
	MaxHeaderLength() int
	AppendHeaderBytes(dst []byte, f wsframe.OutgoingFrame) []byte
}

type state int

const (
	stateIdle state = iota
	stateFlushing
	stateFailed
	stateClosed
)

type entry struct {
	frame wsframe.OutgoingFrame
	cb    Callback
	mode  wsext.BatchMode
}

// Flusher is the concrete C7 implementation.
type Flusher struct {
	writer     Writer
	gen        HeaderGenerator
	pool       *bufpool.Pool
	outputSize int
	onFailure  func(error)

	mu      sync.Mutex
	st      state
	queue   []entry
	failErr error
}

// New constructs a Flusher. outputSize is the per-turn output buffer
// size (the caller is responsible for enforcing the policy minimum).
// onFailure, if non-nil, is invoked exactly once, the first time the
// flusher transitions to FAILED, so the driver can forward the error
// to the IO state machine.
func New(writer Writer, gen HeaderGenerator, pool *bufpool.Pool, outputSize int, onFailure func(error)) *Flusher {
	return &Flusher{
		writer:     writer,
		gen:        gen,
		pool:       pool,
		outputSize: outputSize,
		onFailure:  onFailure,
	}
}

// Enqueue appends (frame, cb, mode) to the FIFO and starts a flush
// turn if none is in progress. Safe to call from any goroutine.
func (f *Flusher) Enqueue(frame wsframe.OutgoingFrame, cb Callback, mode wsext.BatchMode) {
	f.mu.Lock()
	switch f.st {
	case stateFailed:
		err := f.failErr
		f.mu.Unlock()
		if cb != nil {
			cb(err)
		}
		return
	case stateClosed:
		f.mu.Unlock()
		if cb != nil {
			cb(ErrFlusherClosed)
		}
		return
	}

	f.queue = append(f.queue, entry{frame: frame, cb: cb, mode: mode})
	start := f.st == stateIdle
	if start {
		f.st = stateFlushing
	}
	f.mu.Unlock()

	if start {
		go f.run()
	}
}

// Close fails every pending callback with ErrFlusherClosed and moves
// the flusher to CLOSED. Idempotent: a Flusher already FAILED or
// CLOSED is left alone.
func (f *Flusher) Close() {
	f.mu.Lock()
	if f.st == stateClosed || f.st == stateFailed {
		f.mu.Unlock()
		return
	}
	rest := f.queue
	f.queue = nil
	f.st = stateClosed
	f.mu.Unlock()

	for _, e := range rest {
		if e.cb != nil {
			e.cb(ErrFlusherClosed)
		}
	}
}

// run drains the queue in FIFO-batched turns until it's empty, then
// returns to IDLE. Only one run goroutine is ever active per Flusher
// at a time, guaranteed by Enqueue only spawning it on the IDLE->
// FLUSHING edge.
func (f *Flusher) run() {
	for {
		f.mu.Lock()
		if f.st != stateFlushing {
			f.mu.Unlock()
			return
		}
		if len(f.queue) == 0 {
			f.st = stateIdle
			f.mu.Unlock()
			return
		}
		batch := f.takeBatchLocked()
		f.mu.Unlock()

		if err := f.writeBatch(batch); err != nil {
			f.fail(err)
			return
		}
	}
}

// takeBatchLocked removes and returns up to MaxBatchFrames entries
// from the front of the queue, stopping early (but still including)
// at the first entry whose batch mode is OFF or whose opcode is a
// control frame -- CLOSE, PING, and PONG must never be held back
// waiting for more frames to coalesce with.
func (f *Flusher) takeBatchLocked() []entry {
	n := 0
	for n < len(f.queue) && n < MaxBatchFrames {
		e := f.queue[n]
		n++
		if e.mode == wsext.BatchOff || e.frame.Opcode.Control() {
			break
		}
	}
	batch := f.queue[:n]
	f.queue = f.queue[n:]
	return batch
}

// writeBatch encodes and writes batch, coalescing consecutive frames
// into the shared output buffer and splitting into multiple transport
// writes only when a frame would overflow the buffer's capacity. On
// success every callback in batch is invoked with a nil error.
func (f *Flusher) writeBatch(batch []entry) error {
	buf := f.pool.Acquire(f.outputSize, true)
	defer f.pool.Release(buf)

	data := buf.Bytes()[:0]
	var pending []Callback

	flush := func() error {
		if len(data) == 0 {
			return nil
		}
		ok, err := f.writer.Flush(data)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("flush: transport reported a short write")
		}
		for _, cb := range pending {
			if cb != nil {
				cb(nil)
			}
		}
		pending = pending[:0]
		data = buf.Bytes()[:0]
		return nil
	}

	var hdr [wsframe.MaxHeaderLength]byte
	for i, e := range batch {
		h := f.gen.AppendHeaderBytes(hdr[:0], e.frame)
		need := len(h) + len(e.frame.Payload)

		if need > cap(buf.Bytes()) {
			// Larger than the whole output buffer: flush whatever is
			// pending, then write this frame directly, bypassing the
			// pooled buffer entirely.
			if err := flush(); err != nil {
				return f.failRemaining(batch[i:], err, pending)
			}
			ok, err := f.writer.Flush(h, e.frame.Payload)
			if err != nil {
				return f.failRemaining(batch[i:], err, nil)
			}
			if !ok {
				return f.failRemaining(batch[i:], errors.New("flush: transport reported a short write"), nil)
			}
			if e.cb != nil {
				e.cb(nil)
			}
			continue
		}

		if len(data)+need > cap(data) {
			if err := flush(); err != nil {
				return f.failRemaining(batch[i:], err, pending)
			}
		}
		data = append(data, h...)
		data = append(data, e.frame.Payload...)
		pending = append(pending, e.cb)
	}

	if err := flush(); err != nil {
		return f.failRemaining(nil, err, pending)
	}
	return nil
}

// failRemaining fails everything from cause onward: the callbacks
// already staged in the current output buffer (pending, appended but
// not yet flushed) plus whatever entries in remaining were never even
// reached. It returns cause unchanged so callers can propagate it to
// fail().
func (f *Flusher) failRemaining(remaining []entry, cause error, pending []Callback) error {
	for _, cb := range pending {
		if cb != nil {
			cb(cause)
		}
	}
	for _, e := range remaining {
		if e.cb != nil {
			e.cb(cause)
		}
	}
	return cause
}

// fail transitions the flusher to FAILED, fails every remaining
// queued entry, and notifies onFailure exactly once.
func (f *Flusher) fail(err error) {
	f.mu.Lock()
	if f.st == stateFailed || f.st == stateClosed {
		f.mu.Unlock()
		return
	}
	rest := f.queue
	f.queue = nil
	f.st = stateFailed
	f.failErr = err
	f.mu.Unlock()

	for _, e := range rest {
		if e.cb != nil {
			e.cb(err)
		}
	}

	if f.onFailure != nil {
		f.onFailure(err)
	}
}
