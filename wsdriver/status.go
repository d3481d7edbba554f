package wsdriver

import "github.com/flowframe/wsdriver/iostate"

// Status codes the driver itself knows how to emit or reason about.
// Aliased from iostate so callers never need to import that package
// directly just to build a CloseInfo.
const (
	StatusNormalClosure    = iostate.StatusNormalClosure
	StatusGoingAway        = iostate.StatusGoingAway // SHUTDOWN
	StatusProtocolError    = iostate.StatusProtocolError
	StatusUnsupportedData  = iostate.StatusUnsupportedData
	StatusNoStatusReceived = iostate.StatusNoStatusReceived
	StatusAbnormalClosure  = iostate.StatusAbnormalClosure
	StatusMessageTooBig    = iostate.StatusMessageTooBig
	StatusTLSHandshake     = iostate.StatusTLSHandshake
	StatusNoClose          = iostate.StatusNoClose
)

// CloseInfo describes the status code and optional reason of a close,
// initiated locally, by the peer, or synthesized by the driver after a
// failure.
type CloseInfo = iostate.CloseInfo

// ConnectionState is the lifecycle phase tracked by the driver's IO
// state machine; IsOpen reports whether it is StateOpen.
type ConnectionState = iostate.ConnectionState

const (
	StateConnecting = iostate.StateConnecting
	StateOpen       = iostate.StateOpen
	StateClosing    = iostate.StateClosing
	StateClosed     = iostate.StateClosed
)
