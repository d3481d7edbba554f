// Package endpoint adapts a net.Conn into the duplex-transport
// contract (C4) the connection driver expects: non-blocking fill and
// flush, output shutdown, full close, an idle-timeout signal, and
// read-readiness notification.
//
// net.Conn itself is blocking, so Net approximates the non-blocking
// half with a single background goroutine per connection: arming read
// interest starts (at most) one blocking Read call, and its result is
// staged until the driver calls Fill to collect it. This mirrors how
// an epoll-backed reactor in another language hands a readiness event
// to the caller and lets it pull bytes at its own pace, without
// requiring a real epoll/kqueue binding.
package endpoint

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

const readAheadSize = 4096

// OnReadable is invoked once per FillInterested arming, after bytes
// (or an error) become available to Fill. It runs on the endpoint's
// background goroutine; implementations must not block it for long.
type OnReadable func()

// OnReadTimeout is invoked when no read activity has occurred within
// the configured idle timeout.
type OnReadTimeout func()

// Net is the default Endpoint, backed by a net.Conn.
type Net struct {
	conn net.Conn

	onReadable    OnReadable
	onReadTimeout OnReadTimeout

	armMu sync.Mutex
	armed bool

	stagedMu sync.Mutex
	staged   []byte
	stagedAt int
	lastErr  error

	idleMu      sync.Mutex
	idleTimeout time.Duration
	idleTimer   *time.Timer

	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// New wraps conn as an Endpoint. onReadable and onReadTimeout may be
// nil initially and set later via SetCallbacks, since the driver
// typically constructs the endpoint before it has a listener ready to
// attach.
func New(conn net.Conn) *Net {
	n := &Net{conn: conn}
	n.idleTimer = time.AfterFunc(time.Duration(1<<63-1), n.fireIdleTimeout)
	n.idleTimer.Stop()
	return n
}

// SetCallbacks attaches the driver's readiness and idle-timeout
// handlers. Must be called before FillInterested.
func (n *Net) SetCallbacks(onReadable OnReadable, onReadTimeout OnReadTimeout) {
	n.onReadable = onReadable
	n.onReadTimeout = onReadTimeout
}

// Fill copies up to len(buf) bytes into buf from whatever the most
// recent background read staged. It returns (0, nil) if nothing is
// available yet ("would block" in the non-blocking contract) and
// (0, io.EOF) (or the underlying read error) once the connection is
// done producing bytes.
func (n *Net) Fill(buf []byte) (int, error) {
	n.stagedMu.Lock()
	defer n.stagedMu.Unlock()

	if n.stagedAt < len(n.staged) {
		c := copy(buf, n.staged[n.stagedAt:])
		n.stagedAt += c
		return c, nil
	}
	if n.lastErr != nil {
		return 0, n.lastErr
	}
	return 0, nil
}

// FillInterested arms exactly one background read. It is a no-op if a
// read is already in flight. Per the read pump's contract, it must
// only be called after Fill has observed "would block".
func (n *Net) FillInterested() {
	n.armMu.Lock()
	if n.armed {
		n.armMu.Unlock()
		return
	}
	n.armed = true
	n.armMu.Unlock()

	go n.backgroundRead()
}

func (n *Net) backgroundRead() {
	buf := make([]byte, readAheadSize)
	nRead, err := n.conn.Read(buf)

	n.stagedMu.Lock()
	n.staged = buf[:nRead]
	n.stagedAt = 0
	if err != nil {
		if errors.Is(err, io.EOF) {
			n.lastErr = io.EOF
		} else {
			n.lastErr = err
		}
	}
	n.stagedMu.Unlock()

	n.armMu.Lock()
	n.armed = false
	n.armMu.Unlock()

	n.touchIdleTimer()

	if n.onReadable != nil {
		n.onReadable()
	}
}

// Flush writes bufs to the transport in order. It blocks until all
// bytes are written or a write fails -- net.Conn offers no
// non-blocking write primitive, so "flush" here means "complete
// synchronously", which still satisfies the single-writer discipline
// the flusher imposes upstream.
func (n *Net) Flush(bufs ...[]byte) (bool, error) {
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		if _, err := n.conn.Write(b); err != nil {
			return false, err
		}
	}
	n.touchIdleTimer()
	return true, nil
}

type closeWriter interface {
	CloseWrite() error
}

// ShutdownOutput half-closes the connection's write side when the
// underlying net.Conn supports it (TCP and TLS connections do); it is
// a no-op otherwise, since there's no portable way to half-close e.g.
// a net.Pipe.
func (n *Net) ShutdownOutput() error {
	var err error
	n.shutdownOnce.Do(func() {
		if cw, ok := n.conn.(closeWriter); ok {
			err = cw.CloseWrite()
		}
	})
	return err
}

// Close fully closes the transport. Safe to call more than once.
func (n *Net) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.idleTimer.Stop()
		err = n.conn.Close()
	})
	return err
}

// SetIdleTimeout configures the duration of inactivity (read or write)
// after which OnReadTimeout fires. ms <= 0 disables the timeout.
func (n *Net) SetIdleTimeout(ms int64) {
	n.idleMu.Lock()
	defer n.idleMu.Unlock()

	if ms <= 0 {
		n.idleTimeout = 0
		n.idleTimer.Stop()
		return
	}
	n.idleTimeout = time.Duration(ms) * time.Millisecond
	n.idleTimer.Reset(n.idleTimeout)
}

func (n *Net) touchIdleTimer() {
	n.idleMu.Lock()
	defer n.idleMu.Unlock()
	if n.idleTimeout > 0 {
		n.idleTimer.Reset(n.idleTimeout)
	}
}

func (n *Net) fireIdleTimeout() {
	if n.onReadTimeout != nil {
		n.onReadTimeout()
	}
}

// LocalAddr returns the underlying connection's local address.
func (n *Net) LocalAddr() net.Addr { return n.conn.LocalAddr() }

// RemoteAddr returns the underlying connection's remote address.
func (n *Net) RemoteAddr() net.Addr { return n.conn.RemoteAddr() }
