package wsdriver

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/flowframe/wsdriver/bufpool"
	"github.com/flowframe/wsdriver/endpoint"
	"github.com/flowframe/wsdriver/flush"
	"github.com/flowframe/wsdriver/internal/errd"
	"github.com/flowframe/wsdriver/iostate"
	"github.com/flowframe/wsdriver/readpump"
	"github.com/flowframe/wsdriver/wsext"
	"github.com/flowframe/wsdriver/wsframe"
)

// FrameHandler receives data frames that survived the incoming
// extension chain. payload is a copy safe to retain past the call.
type FrameHandler func(opcode wsframe.Opcode, payload []byte)

// Driver is the concrete connection driver (C8): it owns the IO state
// machine, read pump, and frame flusher, and wires them to the frame
// codec, extension chain, buffer pool, and transport endpoint.
type Driver struct {
	policy Policy
	id     ID

	endpoint *endpoint.Net
	pool     *bufpool.Pool
	chain    *wsext.Chain
	parser   *wsframe.Parser
	gen      wsframe.Generator
	pump     *readpump.Pump
	flusher  *flush.Flusher
	ioState  *iostate.Machine

	frameHandler FrameHandler

	opened             int32 // atomic one-shot: Open called
	closeOnce          sync.Once
	disconnectOnce     sync.Once
	shutdownOutputOnce sync.Once

	// remoteRepliedFirst records whether CLOSING was entered because
	// the peer's CLOSE arrived before any local close was initiated.
	// That case shuts down output only and waits for the peer's own
	// FIN (observed as a read failure) to complete the close; every
	// other path to CLOSED fully disconnects immediately. Atomic
	// because it's written and read from whichever goroutine happens
	// to drive the IO state machine's transitions.
	remoteRepliedFirst int32

	prefillMu sync.Mutex
	prefill   []byte

	// fragBuf/fragOp reassemble a fragmented (FIN-false first frame,
	// zero or more CONT frames, FIN-true last frame) uncompressed
	// message. Only ever touched from within dispatchFrame, which runs
	// on the single logical stream of frame completions the ordering
	// guarantee promises -- no two frames are ever in flight to the
	// session concurrently on one connection.
	fragBuf []byte
	fragOp  wsframe.Opcode

	// ctrlLimiter guards against a peer flooding PING/PONG/CLOSE
	// frames; nil when Policy.ControlFrameRate is zero. Checked once
	// per control frame in dispatchFrame.
	ctrlLimiter *rate.Limiter

	pingCounter   int64
	activePingsMu sync.Mutex
	activePings   map[string]chan struct{}

	// logf reports errors the driver swallows because there is no
	// caller left to hand them to (teardown is already underway).
	// Always set by New, same default as the teacher's Conn.logf.
	logf func(format string, v ...interface{})
}

// New constructs a Driver over conn. chain may be nil for a plain,
// extension-free connection. handler is called for every complete
// data frame (TEXT/BINARY) that survives the incoming chain; it may be
// nil if the caller only cares about the connection lifecycle.
func New(conn net.Conn, policy Policy, chain *wsext.Chain, handler FrameHandler) (_ *Driver, err error) {
	defer errd.Wrap(&err, "failed to construct connection driver")

	if err := policy.validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		policy:       policy,
		pool:         bufpool.New(),
		chain:        chain,
		frameHandler: handler,
		ioState:      iostate.New(),
		activePings:  make(map[string]chan struct{}),
		logf:         log.Printf,
	}

	if policy.ControlFrameRate > 0 {
		burst := policy.ControlFrameBurst
		if burst <= 0 {
			burst = 1
		}
		d.ctrlLimiter = rate.NewLimiter(rate.Limit(policy.ControlFrameRate), burst)
	}

	d.endpoint = endpoint.New(conn)
	d.id = newID(conn.LocalAddr(), conn.RemoteAddr())

	d.parser = wsframe.NewParser(wsframe.ParserPolicy{
		MaxFrameSize:       policy.MaxFrameSize,
		ExpectMaskedFrames: policy.Behavior == BehaviorServer,
	}, d.onFrame)
	d.chain.ConfigureParser(d.parser)
	d.chain.ConfigureGenerator(&d.gen)
	d.chain.SetPolicy(wsext.Policy{
		Behavior:       policy.Behavior,
		MaxMessageSize: policy.MaxMessageSize,
	})

	d.pump = readpump.New(d.pool, d.endpoint, d.parser, policy.InputBufferSize, readpump.Callbacks{
		OnProtocolClose: d.onProtocolError,
		OnReadFailure:   d.onReadFailure,
	})
	d.flusher = flush.New(d.endpoint, &d.gen, d.pool, policy.OutputBufferSize, d.onWriteFailure)

	d.endpoint.SetCallbacks(d.pump.OnReadable, d.onIdleTimeout)
	if policy.IdleTimeout > 0 {
		d.endpoint.SetIdleTimeout(policy.IdleTimeout.Milliseconds())
	}

	d.ioState.AddListener(d.onStateChange)

	return d, nil
}

// OnUpgradeTo records bytes the upgrade layer already read off the
// transport before handing the connection to the driver. Must be
// called, if at all, before Open.
func (d *Driver) OnUpgradeTo(prefilled []byte) {
	d.prefillMu.Lock()
	d.prefill = prefilled
	d.prefillMu.Unlock()
}

// Open transitions CONNECTING->OPEN. Must be called exactly once.
func (d *Driver) Open() {
	if !atomic.CompareAndSwapInt32(&d.opened, 0, 1) {
		return
	}
	d.ioState.OnOpened()

	d.prefillMu.Lock()
	prefill := d.prefill
	d.prefill = nil
	d.prefillMu.Unlock()

	d.pump.Open(prefill)
}

// IsOpen reports whether the connection state is OPEN.
func (d *Driver) IsOpen() bool {
	return d.ioState.State() == iostate.StateOpen
}

// GetPolicy returns the policy the driver was constructed with.
// SetInputBufferSize and SetMaxIdleTimeout do not update it.
func (d *Driver) GetPolicy() Policy { return d.policy }

// GetID returns the connection's fixed human-readable identifier.
func (d *Driver) GetID() ID { return d.id }

// GetRemoteAddress returns the transport's remote address.
func (d *Driver) GetRemoteAddress() net.Addr { return d.endpoint.RemoteAddr() }

// SetInputBufferSize validates and applies a new read-pump buffer
// size, taking effect on the next fresh fill.
func (d *Driver) SetInputBufferSize(n int) error {
	if n < MinBufferSize {
		return &InvalidArgumentError{Arg: "input_buffer_size", Reason: "must be >= MinBufferSize"}
	}
	d.pump.SetBufferSize(n)
	return nil
}

// SetMaxIdleTimeout forwards ms to the transport when ms >= 0.
func (d *Driver) SetMaxIdleTimeout(ms int64) {
	if ms < 0 {
		return
	}
	d.endpoint.SetIdleTimeout(ms)
}

// Suspend halts the read pump's delivery of further frames until the
// returned handle's Resume is called.
func (d *Driver) Suspend() *readpump.SuspendHandle { return d.pump.Suspend() }

// OutgoingFrame routes f through the extension chain's outgoing
// direction into the flusher. cb is invoked exactly once, in enqueue
// order relative to other OutgoingFrame calls.
func (d *Driver) OutgoingFrame(f wsframe.OutgoingFrame, cb func(error), mode wsext.BatchMode) {
	d.chain.Outgoing(f, mode, func(out wsframe.OutgoingFrame, err error) {
		if err != nil {
			if cb != nil {
				cb(err)
			}
			return
		}
		// Masking happens last, after every extension has had a chance
		// to transform the payload (e.g. compression), since the mask
		// must cover exactly the bytes the generator writes to the
		// wire.
		if d.policy.Behavior == BehaviorClient {
			maskFrame(&out)
		}
		d.flusher.Enqueue(out, cb, mode)
	})
}

// maskFrame applies RFC 6455 section 5.3 client-side masking to f in
// place: a fresh random key per frame, XORed into the payload, with
// Masked/MaskKey set so the generator emits the masked-bit header.
func maskFrame(f *wsframe.OutgoingFrame) {
	var key uint32
	_ = binary.Read(rand.Reader, binary.LittleEndian, &key)
	wsframe.Mask(key, f.Payload)
	f.Masked = true
	f.MaskKey = key
}

// Close initiates a local close with an empty CloseInfo, so the CLOSE
// frame carries no status code. Idempotent: only the first call
// (across Close and CloseWithStatus) enqueues a CLOSE frame.
func (d *Driver) Close() { d.CloseWithStatus(StatusNoClose, "") }

// CloseWithStatus initiates a local close carrying the given status
// and reason. Idempotent; non-blocking.
func (d *Driver) CloseWithStatus(status uint16, reason string) {
	d.closeOnce.Do(func() {
		ci := CloseInfo{StatusCode: status, Reason: reason}
		d.sendCloseFrame(ci, LocalClose(ci, nil))
	})
}

// sendCloseFrame enqueues a CLOSE frame with ci's payload. reaction
// runs once the enqueue's outcome is known, regardless of success or
// failure -- a failed CLOSE write still must report the local close to
// the state machine so shutdown proceeds.
func (d *Driver) sendCloseFrame(ci CloseInfo, reaction Reaction) {
	f := wsframe.OutgoingFrame{Opcode: wsframe.OpClose, Fin: true, Payload: ci.Frame()}
	d.OutgoingFrame(f, func(error) {
		reaction.apply(d)
	}, wsext.BatchOff)
}

// Disconnect forces transport teardown without a close handshake.
// Idempotent. Session-facing per spec.md §4.4/§6, alongside Open,
// Close, and the rest of the Driver's public surface.
func (d *Driver) Disconnect() {
	d.disconnectOnce.Do(func() {
		d.flusher.Close()
		if err := d.endpoint.ShutdownOutput(); err != nil {
			d.logf("websocket: failed to shut down write side: %+v", err)
		}
		if err := d.endpoint.Close(); err != nil {
			d.logf("websocket: failed to close connection: %+v", err)
		}
		d.ioState.OnDisconnected()
	})
}

// shutdownOutput half-closes the transport's write side, used when
// replying to a peer-initiated close so the peer's own half can still
// arrive.
func (d *Driver) shutdownOutput() {
	d.shutdownOutputOnce.Do(func() {
		_ = d.endpoint.ShutdownOutput()
	})
}

// onStateChange is the IO state machine listener realizing the
// "state-change reactions" in the design: replying to a remote-
// initiated close, and tearing down the transport once CLOSED.
func (d *Driver) onStateChange(s iostate.ConnectionState) {
	switch s {
	case iostate.StateClosing:
		if d.ioState.WasRemoteCloseInitiated() && !d.ioState.WasLocalCloseInitiated() {
			atomic.StoreInt32(&d.remoteRepliedFirst, 1)
			ci, _ := d.ioState.CloseInfo()
			d.sendCloseFrame(ci, Both(ci, true))
		}
	case iostate.StateClosed:
		switch {
		case d.ioState.WasAbnormalClose():
			ci := CloseInfo{StatusCode: StatusGoingAway, Reason: "Abnormal Closure"}
			d.sendCloseFrame(ci, Disconnect(false))
		case atomic.LoadInt32(&d.remoteRepliedFirst) == 1:
			// Output already shut down from the CLOSING reaction above;
			// the full close completes once the peer's FIN surfaces as
			// a read failure (see onReadFailure).
		default:
			// Must not call back into the state machine synchronously:
			// this listener is still running inside Machine.transition's
			// notify loop (m.notifying == true), and Disconnect ends in
			// OnDisconnected, another state-mutating event. Dispatch it
			// once notification has unwound instead of reentering.
			go d.Disconnect()
		}
	}
}

// onFrame is the parser's completion callback for every complete
// frame. Per the design notes it always defers: the frame is handed to
// the incoming chain, and the pump is only resumed from that chain's
// completion callback, whether it runs synchronously or later. This
// trades one extra pump re-entry per frame for never having to
// reconcile two different completion timings with a CAS.
func (d *Driver) onFrame(f wsframe.Frame) bool {
	d.chain.Incoming(f, func(out *wsframe.Frame, err error) {
		defer d.pump.ResumeAfterFrame()

		if err != nil {
			d.onProtocolError(StatusProtocolError, err.Error())
			return
		}
		if out == nil {
			return // swallowed by a middleware (e.g. a fragmented compressed message still assembling)
		}
		d.dispatchFrame(*out)
	})
	return false
}

func (d *Driver) dispatchFrame(f wsframe.Frame) {
	defer f.Release()

	if f.Opcode().Control() && d.ctrlLimiter != nil && !d.ctrlLimiter.Allow() {
		d.ioState.OnAbnormalClose(CloseInfo{StatusCode: StatusProtocolError, Reason: "control frame flood"})
		d.Disconnect()
		return
	}

	switch f.Opcode() {
	case wsframe.OpClose:
		ci := parseCloseFrame(f.Bytes())
		d.ioState.OnCloseRemote(ci)

	case wsframe.OpPing:
		payload := append([]byte(nil), f.Bytes()...)
		d.OutgoingFrame(wsframe.OutgoingFrame{Opcode: wsframe.OpPong, Fin: true, Payload: payload}, nil, wsext.BatchOff)

	case wsframe.OpPong:
		d.activePingsMu.Lock()
		pong, ok := d.activePings[string(f.Bytes())]
		d.activePingsMu.Unlock()
		if ok {
			close(pong)
		}

	case wsframe.OpContinuation:
		d.fragBuf = append(d.fragBuf, f.Bytes()...)
		if d.policy.MaxMessageSize > 0 && int64(len(d.fragBuf)) > d.policy.MaxMessageSize {
			d.fragBuf = nil
			d.onProtocolError(StatusMessageTooBig, "message too big")
			return
		}
		if f.Fin() {
			d.deliverMessage(d.fragOp, d.fragBuf)
			d.fragBuf = nil
		}

	default: // OpText, OpBinary
		if !f.Fin() {
			d.fragOp = f.Opcode()
			d.fragBuf = append(d.fragBuf[:0], f.Bytes()...)
			return
		}
		d.deliverMessage(f.Opcode(), f.Bytes())
	}
}

// deliverMessage copies payload (it may be backed by scratch state
// about to be reused or released) and hands it to the session's
// handler, if one was registered. A message exceeding
// Policy.MaxMessageSize is rejected with StatusMessageTooBig instead
// of being delivered.
func (d *Driver) deliverMessage(op wsframe.Opcode, payload []byte) {
	if d.policy.MaxMessageSize > 0 && int64(len(payload)) > d.policy.MaxMessageSize {
		d.onProtocolError(StatusMessageTooBig, "message too big")
		return
	}
	if d.frameHandler == nil {
		return
	}
	d.frameHandler(op, append([]byte(nil), payload...))
}

// Ping sends a PING frame and blocks until the matching PONG arrives
// or ctx is done. A PING that cannot be written returns the write
// error; once it is written, only a PONG or ctx ends the wait, even if
// the connection closes. Mirrors the teacher's
// activePings round-trip tracking: the payload is a per-call counter
// value used only as the correlation key.
func (d *Driver) Ping(ctx context.Context) error {
	p := strconv.FormatInt(atomic.AddInt64(&d.pingCounter, 1), 10)
	pong := make(chan struct{})

	d.activePingsMu.Lock()
	d.activePings[p] = pong
	d.activePingsMu.Unlock()
	defer func() {
		d.activePingsMu.Lock()
		delete(d.activePings, p)
		d.activePingsMu.Unlock()
	}()

	errCh := make(chan error, 1)
	d.OutgoingFrame(wsframe.OutgoingFrame{Opcode: wsframe.OpPing, Fin: true, Payload: []byte(p)}, func(err error) {
		errCh <- err
	}, wsext.BatchOff)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-pong:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseCloseFrame(payload []byte) CloseInfo {
	if len(payload) < 2 {
		return CloseInfo{StatusCode: StatusNoStatusReceived}
	}
	code := uint16(payload[0])<<8 | uint16(payload[1])
	return CloseInfo{StatusCode: code, Reason: string(payload[2:])}
}

func (d *Driver) onProtocolError(status uint16, reason string) {
	if d.ioState.State() == iostate.StateClosed {
		return
	}
	d.closeOnce.Do(func() {
		ci := CloseInfo{StatusCode: status, Reason: reason}
		d.sendCloseFrame(ci, LocalClose(ci, nil))
	})
}

// onReadFailure reports a transport read error (including plain EOF)
// to the state machine. If the machine was already CLOSED, this read
// failure is the peer's own FIN landing on the remote-replied-first
// path (see onStateChange), whose full disconnect was deliberately
// deferred until now; trigger it directly, since OnReadFailure itself
// is a no-op once CLOSED and won't re-fire the listener. A fresh
// abnormal failure instead lets the listener's best-effort CLOSE
// attempt run its own disconnect once that write completes.
func (d *Driver) onReadFailure(err error) {
	alreadyClosed := d.ioState.State() == iostate.StateClosed
	d.ioState.OnReadFailure(err)
	if alreadyClosed {
		d.Disconnect()
	}
}

func (d *Driver) onWriteFailure(err error) {
	if d.ioState.WasAbnormalClose() {
		return // already terminal via a read failure or abnormal close; avoid a reporting cycle
	}
	d.ioState.OnWriteFailure(err)
}

func (d *Driver) onIdleTimeout() {
	if d.ioState.State() == iostate.StateClosed {
		return
	}
	d.CloseWithStatus(StatusGoingAway, "Idle Timeout")
}
