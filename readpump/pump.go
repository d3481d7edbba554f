// Package readpump implements the read pump (C6): the loop that pulls
// bytes off the transport and feeds them to the frame parser, handling
// suspension, backpressure, and the transport's own error reporting.
package readpump

import (
	"sync"

	"github.com/flowframe/wsdriver/bufpool"
	"github.com/flowframe/wsdriver/iostate"
)

// Parser is the frame-codec half the pump drives. It matches
// *wsframe.Parser; accepting it as an interface keeps this package
// decoupled from wsframe's concrete type.
type Parser interface {
	Feed(data []byte) (consumed int, cont bool, err error)
}

// Filler is the endpoint half the pump drives. It matches
// *endpoint.Net: Fill never blocks -- it returns (0, nil) when no
// bytes are currently available, a positive count on success, or a
// non-nil error when the transport is gone. FillInterested arms the
// endpoint to call back (via OnReadable) once more bytes arrive.
type Filler interface {
	Fill(buf []byte) (int, error)
	FillInterested()
}

// StatusCoder lets a parser error carry an explicit close status code
// -- the "codec raised a close exception requesting a specific status"
// case in the design notes. A parser error that doesn't implement it
// is treated as a generic protocol violation.
type StatusCoder interface {
	CloseStatus() uint16
}

// Callbacks are the driver hooks the pump reports outcomes through.
type Callbacks struct {
	// OnProtocolClose fires when the parser rejects the byte stream --
	// a malformed frame, a reserved bit set without a negotiated
	// extension, an oversized frame, and so on. The driver is expected
	// to route this through the local-close path with the given
	// status and reason.
	OnProtocolClose func(status uint16, reason string)
	// OnReadFailure fires on transport EOF or read error. The driver
	// is expected to report this to the IO state machine as an
	// abnormal read failure and unconditionally attempt disconnect.
	OnReadFailure func(err error)
}

// Pump is the concrete C6 implementation. The zero value is not
// usable; construct with New.
type Pump struct {
	pool     *bufpool.Pool
	filler   Filler
	parser   Parser
	callback Callbacks

	bufSize int32

	mu              sync.Mutex
	residual        []byte
	residualRelease func()
	suspended       bool
	running         bool
	resumeRequested bool
	prefillConsumed bool
}

// New constructs a Pump. bufSize is the network buffer size to
// acquire from pool on each fresh fill; it may be changed later with
// SetBufferSize.
func New(pool *bufpool.Pool, filler Filler, parser Parser, bufSize int, cb Callbacks) *Pump {
	return &Pump{
		pool:     pool,
		filler:   filler,
		parser:   parser,
		callback: cb,
		bufSize:  int32(bufSize),
	}
}

// SetBufferSize changes the buffer size used for the next fresh fill.
// A fill already in flight is unaffected.
func (p *Pump) SetBufferSize(n int) {
	p.mu.Lock()
	p.bufSize = int32(n)
	p.mu.Unlock()
}

// Open parses prefill (bytes the upgrade layer already buffered before
// handing the connection to the driver) if it hasn't already been
// consumed, then arms read-readiness. Called once, on the
// CONNECTING->OPEN transition.
func (p *Pump) Open(prefill []byte) {
	p.mu.Lock()
	if !p.prefillConsumed {
		p.prefillConsumed = true
		if len(prefill) > 0 {
			p.residual = prefill
			p.residualRelease = nil
		}
	}
	p.mu.Unlock()
	p.enter()
}

// OnReadable is the endpoint's notification that more bytes may now be
// available; it re-enters the loop.
func (p *Pump) OnReadable() { p.enter() }

// Suspend stops the pump from feeding the parser any further frames
// until the returned handle's Resume is called. While suspended the
// pump makes no fills and arms no read interest: bytes already in its
// residual buffer wait there, and newer bytes stay in the transport.
func (p *Pump) Suspend() *SuspendHandle {
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
	return &SuspendHandle{pump: p}
}

// SuspendHandle is returned by Suspend. Its Resume method is
// idempotent and safe to call from any goroutine; only the first call
// has any effect.
type SuspendHandle struct {
	pump *Pump
	once sync.Once
}

// Resume clears the suspension and re-enters the read loop. Safe to
// call multiple times or concurrently; only the first call does
// anything.
func (h *SuspendHandle) Resume() {
	h.once.Do(func() {
		h.pump.mu.Lock()
		h.pump.suspended = false
		h.pump.mu.Unlock()
		h.pump.enter()
	})
}

// ResumeAfterFrame re-enters the loop after a deferred frame
// completion (the parser's OnFrame returned false). It is distinct
// from SuspendHandle.Resume: it doesn't touch the suspended flag, so a
// connection that suspended itself mid-frame stays suspended once the
// deferred completion catches up.
func (p *Pump) ResumeAfterFrame() { p.enter() }

// enter runs the loop if nothing else is, otherwise records that the
// active run should loop again once it exits. This makes resumption
// safe to call synchronously from within an OnFrame callback that runs
// on the same goroutine that's already inside loop() -- the recursive
// enter() call just sets a flag and returns immediately instead of
// recursing or deadlocking.
func (p *Pump) enter() {
	p.mu.Lock()
	if p.running {
		p.resumeRequested = true
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	for {
		p.loop()

		p.mu.Lock()
		if p.resumeRequested {
			p.resumeRequested = false
			p.mu.Unlock()
			continue
		}
		p.running = false
		p.mu.Unlock()
		return
	}
}

// loop is the algorithm from the spec's read pump section: acquire a
// network buffer lazily, fill it, feed the parser, and repeat until
// one of four exits -- suspended, parser-requested stop, would-block,
// or transport EOF/error.
func (p *Pump) loop() {
	for {
		if p.isSuspended() {
			return
		}

		if len(p.residual) == 0 {
			p.releaseResidual()

			size, filler := p.bufferSize(), p.filler
			buf := p.pool.Acquire(size, true)
			n, err := filler.Fill(buf.Bytes())
			if err != nil {
				p.pool.Release(buf)
				p.reportReadFailure(err)
				return
			}
			if n == 0 {
				p.pool.Release(buf)
				filler.FillInterested()
				return
			}

			data := buf.Bytes()[:n]
			p.mu.Lock()
			p.residual = data
			p.residualRelease = func() { p.pool.Release(buf) }
			p.mu.Unlock()
		}

		consumed, cont, err := p.parser.Feed(p.residualBytes())
		p.advanceResidual(consumed)

		if err != nil {
			p.releaseResidual()
			p.reportProtocolError(err)
			return
		}
		if !cont {
			// Parser deferred completion of the last frame it saw.
			// Any bytes left in residual wait here until
			// ResumeAfterFrame re-enters the loop.
			return
		}
		if len(p.residualBytes()) == 0 {
			p.releaseResidual()
		}
	}
}

func (p *Pump) bufferSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.bufSize)
}

func (p *Pump) isSuspended() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspended
}

func (p *Pump) residualBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.residual
}

func (p *Pump) advanceResidual(n int) {
	p.mu.Lock()
	p.residual = p.residual[n:]
	p.mu.Unlock()
}

func (p *Pump) releaseResidual() {
	p.mu.Lock()
	release := p.residualRelease
	p.residualRelease = nil
	p.residual = nil
	p.mu.Unlock()
	if release != nil {
		release()
	}
}

func (p *Pump) reportReadFailure(err error) {
	if p.callback.OnReadFailure != nil {
		p.callback.OnReadFailure(err)
	}
}

func (p *Pump) reportProtocolError(err error) {
	status := iostate.StatusProtocolError
	if sc, ok := err.(StatusCoder); ok {
		status = sc.CloseStatus()
	}
	if p.callback.OnProtocolClose != nil {
		p.callback.OnProtocolClose(status, err.Error())
	}
}
