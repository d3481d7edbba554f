package iostate_test

import (
	"errors"
	"testing"

	"github.com/flowframe/wsdriver/iostate"
)

func TestOpenTransitionsConnectingToOpen(t *testing.T) {
	t.Parallel()

	m := iostate.New()
	var got []iostate.ConnectionState
	m.AddListener(func(s iostate.ConnectionState) { got = append(got, s) })

	m.OnOpened()
	if m.State() != iostate.StateOpen {
		t.Fatalf("expected OPEN, got %v", m.State())
	}
	if len(got) != 1 || got[0] != iostate.StateOpen {
		t.Fatalf("expected exactly one OPEN notification, got %v", got)
	}

	// Idempotent: a second on_opened is a no-op.
	m.OnOpened()
	if len(got) != 1 {
		t.Fatalf("expected no further notification from a repeated on_opened, got %v", got)
	}
}

func TestLocalCloseThenRemoteCloseReachesClosed(t *testing.T) {
	t.Parallel()

	m := iostate.New()
	m.OnOpened()

	var got []iostate.ConnectionState
	m.AddListener(func(s iostate.ConnectionState) { got = append(got, s) })

	m.OnCloseLocal(iostate.CloseInfo{StatusCode: iostate.StatusNormalClosure, Reason: "bye"})
	if m.State() != iostate.StateClosing {
		t.Fatalf("expected CLOSING after local close, got %v", m.State())
	}
	if len(got) != 1 || got[0] != iostate.StateClosing {
		t.Fatalf("expected a single CLOSING notification, got %v", got)
	}

	m.OnCloseRemote(iostate.CloseInfo{StatusCode: iostate.StatusNormalClosure})
	if m.State() != iostate.StateClosed {
		t.Fatalf("expected CLOSED once both sides closed, got %v", m.State())
	}
	if len(got) != 2 || got[1] != iostate.StateClosed {
		t.Fatalf("expected a second notification for CLOSED, got %v", got)
	}
	if m.WasAbnormalClose() {
		t.Fatalf("a completed handshake must not be flagged abnormal")
	}

	ci, ok := m.CloseInfo()
	if !ok || ci.Reason != "bye" {
		t.Fatalf("expected first-wins close info to be the local one, got %+v (ok=%v)", ci, ok)
	}
}

func TestRemoteCloseInitiatedFirst(t *testing.T) {
	t.Parallel()

	m := iostate.New()
	m.OnOpened()

	m.OnCloseRemote(iostate.CloseInfo{StatusCode: iostate.StatusGoingAway, Reason: "going away"})
	if m.State() != iostate.StateClosing {
		t.Fatalf("expected CLOSING, got %v", m.State())
	}
	if !m.WasRemoteCloseInitiated() {
		t.Fatalf("expected remote close initiated to be true")
	}

	m.OnCloseLocal(iostate.CloseInfo{StatusCode: iostate.StatusGoingAway, Reason: "going away"})
	if m.State() != iostate.StateClosed {
		t.Fatalf("expected CLOSED, got %v", m.State())
	}
}

func TestAbnormalCloseSkipsClosing(t *testing.T) {
	t.Parallel()

	m := iostate.New()
	m.OnOpened()

	var got []iostate.ConnectionState
	m.AddListener(func(s iostate.ConnectionState) { got = append(got, s) })

	m.OnAbnormalClose(iostate.CloseInfo{StatusCode: iostate.StatusAbnormalClosure})
	if m.State() != iostate.StateClosed {
		t.Fatalf("expected CLOSED directly, got %v", m.State())
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one notification (CLOSING must be skipped), got %v", got)
	}
	if !m.WasAbnormalClose() {
		t.Fatalf("expected WasAbnormalClose to be true")
	}
}

func TestReadFailureSynthesizesAbnormalClose(t *testing.T) {
	t.Parallel()

	m := iostate.New()
	m.OnOpened()

	m.OnReadFailure(errors.New("connection reset"))
	if m.State() != iostate.StateClosed {
		t.Fatalf("expected CLOSED, got %v", m.State())
	}
	if !m.WasAbnormalClose() {
		t.Fatalf("expected a read failure to be flagged abnormal")
	}
	if m.IOFailure() == nil {
		t.Fatalf("expected IOFailure to record the triggering error")
	}
}

// TestIdleTimeoutIsNotAbnormal locks in the spec's explicit resolution
// of its own open question: an idle timeout closes with status 1001
// (GOING_AWAY) through the ordinary local-close path, not the
// abnormal-close path, even though GOING_AWAY is one of the status
// codes CloseInfo.IsAbnormal treats as abnormal in isolation.
func TestIdleTimeoutIsNotAbnormal(t *testing.T) {
	t.Parallel()

	m := iostate.New()
	m.OnOpened()

	idleTimeoutClose := iostate.CloseInfo{StatusCode: iostate.StatusGoingAway, Reason: "Idle Timeout"}
	if !idleTimeoutClose.IsAbnormal() {
		t.Fatalf("sanity check: GOING_AWAY must be an abnormal status code in isolation")
	}

	m.OnCloseLocal(idleTimeoutClose)

	if m.WasAbnormalClose() {
		t.Fatalf("an idle-timeout-initiated close must not be flagged abnormal on the machine, regardless of its status code")
	}
}

func TestDisconnectedIsIdempotentAndNotifiesOnlyOnChange(t *testing.T) {
	t.Parallel()

	m := iostate.New()
	m.OnOpened()

	var notifications int
	m.AddListener(func(iostate.ConnectionState) { notifications++ })

	m.OnDisconnected()
	if m.State() != iostate.StateClosed {
		t.Fatalf("expected CLOSED, got %v", m.State())
	}
	if notifications != 1 {
		t.Fatalf("expected one notification, got %d", notifications)
	}

	m.OnDisconnected()
	m.OnDisconnected()
	if notifications != 1 {
		t.Fatalf("expected no further notifications once already CLOSED, got %d", notifications)
	}
}

func TestReentrantEventFromListenerPanics(t *testing.T) {
	t.Parallel()

	m := iostate.New()
	m.OnOpened()
	m.AddListener(func(iostate.ConnectionState) {
		m.OnDisconnected()
	})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic from the reentrant event")
		}
	}()
	m.OnCloseLocal(iostate.CloseInfo{StatusCode: iostate.StatusNormalClosure})
}
