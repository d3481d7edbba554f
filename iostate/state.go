// Package iostate implements the authoritative connection lifecycle
// state machine (CONNECTING, OPEN, CLOSING, CLOSED). It knows nothing
// about frames, transports, or extensions -- only the shape of the
// WebSocket closing handshake and who's allowed to observe it.
package iostate

import (
	"fmt"
	"sync"
)

// ConnectionState is the lifecycle phase of a connection.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Listener observes state transitions. Notifications to a given
// Listener are serialized and delivered in the order the transitions
// occurred.
type Listener func(ConnectionState)

// Machine is the IO state machine (C5). The zero value is not usable;
// construct with New.
type Machine struct {
	mu sync.Mutex

	state ConnectionState

	closeInfo    CloseInfo
	closeInfoSet bool

	localCloseInitiated  bool
	remoteCloseInitiated bool
	abnormal             bool
	ioFailure            error

	listeners []Listener
	notifying bool
}

// New constructs a Machine in the CONNECTING state.
func New() *Machine {
	return &Machine{state: StateConnecting}
}

// AddListener registers l to be called on every subsequent state
// transition, in registration order relative to other listeners.
func (m *Machine) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// transition runs fn with the internal lock held to compute zero or
// more state values to notify listeners of, then releases the lock
// before delivering those notifications. Raising a state-mutating
// event from inside a listener callback (detected via the notifying
// flag) is a programming error and panics rather than silently
// corrupting ordering.
func (m *Machine) transition(fn func() []ConnectionState) {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		panic("iostate: event raised re-entrantly from within listener notification")
	}
	states := fn()
	m.mu.Unlock()

	if len(states) == 0 {
		return
	}

	m.mu.Lock()
	m.notifying = true
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, s := range states {
		for _, l := range listeners {
			l(s)
		}
	}

	m.mu.Lock()
	m.notifying = false
	m.mu.Unlock()
}

func (m *Machine) setCloseInfoLocked(ci CloseInfo) {
	if !m.closeInfoSet {
		m.closeInfo = ci
		m.closeInfoSet = true
	}
}

// OnOpened transitions CONNECTING -> OPEN. A no-op if already past
// CONNECTING.
func (m *Machine) OnOpened() {
	m.transition(func() []ConnectionState {
		if m.state != StateConnecting {
			return nil
		}
		m.state = StateOpen
		return []ConnectionState{StateOpen}
	})
}

// OnCloseLocal records a locally-initiated close. If the peer had
// already initiated its own close, this completes the handshake and
// the machine reaches CLOSED in the same call.
func (m *Machine) OnCloseLocal(ci CloseInfo) {
	m.transition(func() []ConnectionState {
		if m.state != StateOpen && m.state != StateClosing {
			return nil
		}
		m.localCloseInitiated = true
		m.setCloseInfoLocked(ci)

		var out []ConnectionState
		if m.state == StateOpen {
			m.state = StateClosing
			out = append(out, StateClosing)
		}
		if m.state == StateClosing && m.remoteCloseInitiated {
			m.state = StateClosed
			out = append(out, StateClosed)
		}
		return out
	})
}

// OnCloseRemote is the symmetric counterpart of OnCloseLocal, raised
// when the peer's CLOSE frame arrives.
func (m *Machine) OnCloseRemote(ci CloseInfo) {
	m.transition(func() []ConnectionState {
		if m.state != StateOpen && m.state != StateClosing {
			return nil
		}
		m.remoteCloseInitiated = true
		m.setCloseInfoLocked(ci)

		var out []ConnectionState
		if m.state == StateOpen {
			m.state = StateClosing
			out = append(out, StateClosing)
		}
		if m.state == StateClosing && m.localCloseInitiated {
			m.state = StateClosed
			out = append(out, StateClosed)
		}
		return out
	})
}

// OnAbnormalClose jumps straight to CLOSED, skipping CLOSING, and
// marks the close as abnormal.
func (m *Machine) OnAbnormalClose(ci CloseInfo) {
	m.transition(func() []ConnectionState {
		if m.state == StateClosed {
			return nil
		}
		m.setCloseInfoLocked(ci)
		m.abnormal = true
		m.state = StateClosed
		return []ConnectionState{StateClosed}
	})
}

// OnReadFailure records a transport read error and proceeds exactly
// as OnAbnormalClose, synthesizing a CloseInfo from the error.
func (m *Machine) OnReadFailure(err error) {
	m.onIOFailure(err)
}

// OnWriteFailure is the write-side counterpart of OnReadFailure.
func (m *Machine) OnWriteFailure(err error) {
	m.onIOFailure(err)
}

func (m *Machine) onIOFailure(err error) {
	m.transition(func() []ConnectionState {
		if m.state == StateClosed {
			return nil
		}
		m.ioFailure = err
		m.setCloseInfoLocked(CloseInfo{StatusCode: StatusAbnormalClosure, Reason: err.Error()})
		m.abnormal = true
		m.state = StateClosed
		return []ConnectionState{StateClosed}
	})
}

// OnDisconnected marks the machine CLOSED unconditionally. Unlike
// OnAbnormalClose it does not set the abnormal flag or require a
// CloseInfo -- it models the transport simply going away, not a
// classified failure. Notifies only if this call actually changed the
// state.
func (m *Machine) OnDisconnected() {
	m.transition(func() []ConnectionState {
		if m.state == StateClosed {
			return nil
		}
		m.state = StateClosed
		return []ConnectionState{StateClosed}
	})
}

// State returns the current connection state.
func (m *Machine) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WasAbnormalClose reports whether the connection reached CLOSED via
// OnAbnormalClose, OnReadFailure, or OnWriteFailure rather than a
// completed close handshake or an OnDisconnected call. An idle
// timeout is deliberately not abnormal: it is driven through
// OnCloseLocal like any other application-initiated close, even
// though its status code (GOING_AWAY/1001) would make
// CloseInfo.IsAbnormal report true.
func (m *Machine) WasAbnormalClose() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.abnormal
}

// WasRemoteCloseInitiated reports whether the peer sent a CLOSE
// frame.
func (m *Machine) WasRemoteCloseInitiated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteCloseInitiated
}

// WasLocalCloseInitiated reports whether the application (or the
// driver on its behalf) sent a CLOSE frame.
func (m *Machine) WasLocalCloseInitiated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localCloseInitiated
}

// CloseInfo returns the first CloseInfo recorded against this
// connection and whether one has been recorded at all.
func (m *Machine) CloseInfo() (CloseInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeInfo, m.closeInfoSet
}

// IOFailure returns the error recorded by OnReadFailure/OnWriteFailure,
// or nil if neither has fired.
func (m *Machine) IOFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ioFailure
}
