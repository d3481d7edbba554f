package wsdriver

import (
	"net"
	"testing"
	"time"

	"github.com/flowframe/wsdriver/wsframe"
)

func testPolicy() Policy {
	return Policy{
		Behavior:         BehaviorServer,
		InputBufferSize:  4096,
		OutputBufferSize: 4096,
	}
}

// writePeerFrame masks and writes a client-style frame directly onto
// conn, bypassing the driver entirely -- standing in for "the other
// side of the wire" in these tests.
func writePeerFrame(t *testing.T, conn net.Conn, op wsframe.Opcode, fin bool, payload []byte) {
	t.Helper()
	key := uint32(0x11223344)
	body := append([]byte(nil), payload...)
	wsframe.Mask(key, body)
	h := wsframe.Header{Fin: fin, Opcode: op, PayloadLength: int64(len(body)), Masked: true, MaskKey: key}
	buf := h.AppendBytes(nil)
	buf = append(buf, body...)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("writePeerFrame: %v", err)
	}
}

// readPeerFrame reads and decodes one unmasked (server-originated)
// frame from conn, blocking until a complete frame arrives or d
// elapses.
func readPeerFrame(t *testing.T, conn net.Conn, d time.Duration) wsframe.Frame {
	t.Helper()
	done := make(chan wsframe.Frame, 1)
	parser := wsframe.NewParser(wsframe.ParserPolicy{}, func(f wsframe.Frame) bool {
		done <- wsframe.Frame{Header: f.Header, Payload: append([]byte(nil), f.Bytes()...)}
		return false
	})

	conn.SetReadDeadline(time.Now().Add(d))
	buf := make([]byte, 256)
	var residual []byte
	for {
		select {
		case f := <-done:
			return f
		default:
		}
		n, err := conn.Read(buf)
		if n > 0 {
			residual = append(residual, buf[:n]...)
			for len(residual) > 0 {
				consumed, cont, ferr := parser.Feed(residual)
				residual = residual[consumed:]
				if ferr != nil {
					t.Fatalf("readPeerFrame: parse error: %v", ferr)
				}
				if !cont {
					select {
					case f := <-done:
						return f
					default:
						t.Fatalf("readPeerFrame: parser stopped with nothing delivered")
					}
				}
				if consumed == 0 {
					break
				}
			}
		}
		if err != nil {
			t.Fatalf("readPeerFrame: %v", err)
		}
	}
}

func newTestPair(t *testing.T, handler FrameHandler) (*Driver, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	d, err := New(server, testPolicy(), nil, handler)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Open()
	return d, peer
}

// S1: a locally-initiated close sends CLOSE, and once the peer replies
// in kind the connection fully disconnects.
func TestCleanClientInitiatedClose(t *testing.T) {
	d, peer := newTestPair(t, nil)
	defer peer.Close()

	d.CloseWithStatus(StatusNormalClosure, "bye")

	f := readPeerFrame(t, peer, time.Second)
	if f.Opcode() != wsframe.OpClose {
		t.Fatalf("expected CLOSE frame, got opcode %v", f.Opcode())
	}
	ci := parseCloseFrame(f.Bytes())
	if ci.StatusCode != StatusNormalClosure || ci.Reason != "bye" {
		t.Fatalf("unexpected close info: %+v", ci)
	}

	writePeerFrame(t, peer, wsframe.OpClose, true, CloseInfo{StatusCode: StatusNormalClosure}.Frame())

	deadline := time.Now().Add(time.Second)
	for d.IsOpen() || d.ioState.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("driver never reached CLOSED")
		}
		time.Sleep(time.Millisecond)
	}
}

// S2: the peer closes first; the driver must reply with its own CLOSE
// and shut down output only, not the full transport, until the peer's
// own FIN arrives.
func TestRemoteInitiatedClose(t *testing.T) {
	d, peer := newTestPair(t, nil)
	defer peer.Close()

	writePeerFrame(t, peer, wsframe.OpClose, true, CloseInfo{StatusCode: StatusNormalClosure, Reason: "done"}.Frame())

	f := readPeerFrame(t, peer, time.Second)
	if f.Opcode() != wsframe.OpClose {
		t.Fatalf("expected reply CLOSE frame, got opcode %v", f.Opcode())
	}

	// The reply's own flush completion may race the handshake straight
	// through to CLOSED (both sides had now initiated a close); either
	// CLOSING or CLOSED is a valid observation at this point.
	deadline := time.Now().Add(time.Second)
	for d.ioState.State() == StateOpen {
		if time.Now().After(deadline) {
			t.Fatalf("driver never left OPEN")
		}
		time.Sleep(time.Millisecond)
	}

	peer.Close()

	deadline = time.Now().Add(time.Second)
	for d.ioState.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatalf("driver never reached CLOSED after peer FIN")
		}
		time.Sleep(time.Millisecond)
	}
}

// S3: a malformed frame from the peer surfaces as a protocol error and
// the driver answers with a CLOSE carrying StatusProtocolError.
func TestProtocolErrorClosesWithStatus(t *testing.T) {
	d, peer := newTestPair(t, nil)
	defer peer.Close()
	_ = d

	// RSV2 set on a data frame the parser never negotiated is invalid.
	bad := []byte{0x80 | byte(wsframe.OpText) | 0x20, 0x00}
	if _, err := peer.Write(bad); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := readPeerFrame(t, peer, time.Second)
	if f.Opcode() != wsframe.OpClose {
		t.Fatalf("expected CLOSE frame, got opcode %v", f.Opcode())
	}
	ci := parseCloseFrame(f.Bytes())
	if ci.StatusCode != StatusProtocolError {
		t.Fatalf("expected StatusProtocolError, got %v", ci.StatusCode)
	}
}

// S4: idle timeout closes with GOING_AWAY, not an abnormal closure.
func TestIdleTimeoutClosesWithGoingAway(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	policy := testPolicy()
	policy.IdleTimeout = 20 * time.Millisecond
	d, err := New(server, policy, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Open()

	f := readPeerFrame(t, peer, time.Second)
	if f.Opcode() != wsframe.OpClose {
		t.Fatalf("expected CLOSE frame, got opcode %v", f.Opcode())
	}
	ci := parseCloseFrame(f.Bytes())
	if ci.StatusCode != StatusGoingAway {
		t.Fatalf("expected StatusGoingAway, got %v", ci.StatusCode)
	}
	// CloseInfo.IsAbnormal would report true for 1001 regardless of
	// cause; the idle-timeout-is-not-abnormal distinction lives on the
	// state machine instead.
	if d.ioState.WasAbnormalClose() {
		t.Fatalf("idle timeout close must not be flagged abnormal")
	}
}

// A fragmented, uncompressed message is reassembled before delivery.
func TestFragmentedMessageReassembly(t *testing.T) {
	var got []byte
	var gotOp wsframe.Opcode
	done := make(chan struct{}, 1)

	d, peer := newTestPair(t, func(op wsframe.Opcode, payload []byte) {
		gotOp = op
		got = payload
		done <- struct{}{}
	})
	defer peer.Close()

	writePeerFrame(t, peer, wsframe.OpText, false, []byte("hello "))
	writePeerFrame(t, peer, wsframe.OpContinuation, true, []byte("world"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("message never delivered")
	}

	if gotOp != wsframe.OpText || string(got) != "hello world" {
		t.Fatalf("unexpected reassembly: op=%v payload=%q", gotOp, got)
	}
	_ = d
}

// Close is idempotent: calling it repeatedly enqueues exactly one
// CLOSE frame.
func TestCloseIsIdempotent(t *testing.T) {
	d, peer := newTestPair(t, nil)
	defer peer.Close()

	d.Close()
	d.Close()
	d.CloseWithStatus(StatusProtocolError, "ignored")

	f := readPeerFrame(t, peer, time.Second)
	if f.Opcode() != wsframe.OpClose {
		t.Fatalf("expected CLOSE frame, got opcode %v", f.Opcode())
	}
	ci := parseCloseFrame(f.Bytes())
	if ci.StatusCode != StatusNoStatusReceived {
		t.Fatalf("expected the first Close() to win with an empty close payload, got status %v", ci.StatusCode)
	}
}

// A ping is answered with a pong carrying the same payload.
func TestPingIsAnsweredWithPong(t *testing.T) {
	d, peer := newTestPair(t, nil)
	defer peer.Close()
	_ = d

	writePeerFrame(t, peer, wsframe.OpPing, true, []byte("ping-payload"))

	f := readPeerFrame(t, peer, time.Second)
	if f.Opcode() != wsframe.OpPong {
		t.Fatalf("expected PONG, got opcode %v", f.Opcode())
	}
	if string(f.Bytes()) != "ping-payload" {
		t.Fatalf("unexpected pong payload: %q", f.Bytes())
	}
}
