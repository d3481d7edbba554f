// Package wsdriver implements the connection driver (C8): the struct
// that owns the IO state machine, read pump, and frame flusher, and
// wires them to the frame codec, extension chain, buffer pool, and
// transport endpoint to produce the public, session-facing connection
// API.
package wsdriver

import (
	"time"

	"github.com/flowframe/wsdriver/wsext"
	"github.com/flowframe/wsdriver/wsframe"
)

// Behavior distinguishes a server-side connection (expects masked
// frames from the peer, sends unmasked frames) from a client-side one.
type Behavior = wsext.Behavior

const (
	BehaviorServer = wsext.BehaviorServer
	BehaviorClient = wsext.BehaviorClient
)

// MinBufferSize is the smallest input or output buffer size the
// driver accepts: the longest header the generator can produce, below
// which even a single-byte-payload frame wouldn't fit.
const MinBufferSize = wsframe.MaxHeaderLength

// Policy configures a Driver for its lifetime. It is read-only once
// passed to New; use SetInputBufferSize / SetMaxIdleTimeout for the
// two fields the driver allows changing after construction.
type Policy struct {
	Behavior Behavior

	// InputBufferSize is the network buffer size the read pump
	// acquires from the pool. Must be >= MinBufferSize.
	InputBufferSize int
	// OutputBufferSize is the output buffer size the flusher acquires
	// from the pool. Must be >= MinBufferSize.
	OutputBufferSize int

	// IdleTimeout is forwarded to the endpoint; zero disables it.
	IdleTimeout time.Duration

	// MaxFrameSize bounds a single frame's payload length as enforced
	// by the parser. Zero means unlimited.
	MaxFrameSize int64
	// MaxMessageSize bounds a reassembled (possibly multi-frame, and
	// possibly decompressed) message the driver will deliver to the
	// session. Zero means unlimited.
	MaxMessageSize int64

	// ControlFrameRate and ControlFrameBurst bound how fast the peer
	// may send PING/PONG/CLOSE frames before the driver treats it as a
	// flood and abnormally closes the connection. Zero ControlFrameRate
	// disables the guard entirely; a configured rate with zero burst
	// falls back to burst 1.
	ControlFrameRate  float64
	ControlFrameBurst int
}

func (p Policy) validate() error {
	if p.InputBufferSize < MinBufferSize {
		return &InvalidArgumentError{Arg: "input_buffer_size", Reason: "must be >= MinBufferSize"}
	}
	if p.OutputBufferSize < MinBufferSize {
		return &InvalidArgumentError{Arg: "output_buffer_size", Reason: "must be >= MinBufferSize"}
	}
	return nil
}
