// Package wsext is the default implementation of the extension chain
// the connection driver dispatches frames through. A chain is an
// ordered stack of Middleware values; each may transform, split,
// merge, or drop frames on their way to the codec (outgoing) or the
// session (incoming), and reports completion through a callback
// rather than a return value so that a middleware may finish
// asynchronously (compression, for instance, never needs to, but the
// contract must allow for it).
package wsext

import "github.com/flowframe/wsdriver/wsframe"

// BatchMode mirrors the flusher's hint about whether a frame may be
// coalesced with its neighbours into a single transport write.
type BatchMode int

const (
	BatchAuto BatchMode = iota
	BatchOn
	BatchOff
)

// Policy is the subset of the driver's policy an extension cares
// about.
type Policy struct {
	Behavior       Behavior
	MaxMessageSize int64
}

// Behavior distinguishes client-side from server-side masking/framing
// rules, mirrored from the driver's policy so extensions do not need
// to import the driver package.
type Behavior int

const (
	BehaviorServer Behavior = iota
	BehaviorClient
)

// NextIncoming is invoked by a middleware exactly once per frame it
// was handed. A non-nil frame and nil error deliver a (possibly
// transformed) frame further down the chain; a nil frame and nil error
// mean the middleware consumed the frame into its own state without
// producing one yet (e.g. buffering a fragmented compressed message)
// -- the original frame is still considered handled, but nothing is
// delivered to the next link this call; a non-nil error aborts the
// chain.
type NextIncoming func(*wsframe.Frame, error)

// NextOutgoing is the outgoing-direction analog of NextIncoming.
type NextOutgoing func(wsframe.OutgoingFrame, error)

// Middleware is one link in the chain. Implementations must not block
// the calling goroutine waiting on I/O; if a transform needs to defer,
// it must retain the frame and invoke next later from any goroutine.
type Middleware interface {
	SetPolicy(p Policy)
	ConfigureParser(p *wsframe.Parser)
	ConfigureGenerator(g *wsframe.Generator)
	Incoming(f wsframe.Frame, next NextIncoming)
	Outgoing(f wsframe.OutgoingFrame, mode BatchMode, next NextOutgoing)
}

// Passthrough is a Middleware that forwards every frame unchanged. It
// is mostly useful as a base to embed in middleware that only cares
// about one direction.
type Passthrough struct{}

func (Passthrough) SetPolicy(Policy)                     {}
func (Passthrough) ConfigureParser(*wsframe.Parser)       {}
func (Passthrough) ConfigureGenerator(*wsframe.Generator) {}
func (Passthrough) Incoming(f wsframe.Frame, next NextIncoming) {
	next(&f, nil)
}
func (Passthrough) Outgoing(f wsframe.OutgoingFrame, mode BatchMode, next NextOutgoing) {
	next(f, nil)
}

// Chain composes zero or more Middleware values into the single
// bidirectional pipeline the connection driver talks to. A Chain with
// no middleware is a pure passthrough and is what NewChain() without
// arguments (or a nil *Chain) behaves as.
type Chain struct {
	mw []Middleware
}

// NewChain builds a chain from mw in registration order. Incoming
// frames are dispatched mw[0] -> mw[1] -> ... -> session (outermost
// first); outgoing frames are dispatched in reverse, mirroring how a
// middleware stack wraps the wire (the layer closest to the
// application sees the frame first on the way out, last on the way
// in).
func NewChain(mw ...Middleware) *Chain {
	return &Chain{mw: mw}
}

// SetPolicy forwards p to every middleware in the chain.
func (c *Chain) SetPolicy(p Policy) {
	if c == nil {
		return
	}
	for _, mw := range c.mw {
		mw.SetPolicy(p)
	}
}

// ConfigureParser forwards to every middleware so extensions that
// need to relax parser limits (permessage-deflate's RSV1) can do so.
func (c *Chain) ConfigureParser(p *wsframe.Parser) {
	if c == nil {
		return
	}
	for _, mw := range c.mw {
		mw.ConfigureParser(p)
	}
}

// ConfigureGenerator is the outgoing-side analog of ConfigureParser.
func (c *Chain) ConfigureGenerator(g *wsframe.Generator) {
	if c == nil {
		return
	}
	for _, mw := range c.mw {
		mw.ConfigureGenerator(g)
	}
}

// Incoming runs f through the chain in registration order and invokes
// final with the result. On a nil chain (or an empty one) it degrades
// to calling final(f, nil) directly.
func (c *Chain) Incoming(f wsframe.Frame, final NextIncoming) {
	if c == nil || len(c.mw) == 0 {
		final(&f, nil)
		return
	}
	c.dispatchIncoming(0, f, final)
}

func (c *Chain) dispatchIncoming(i int, f wsframe.Frame, final NextIncoming) {
	if i >= len(c.mw) {
		final(&f, nil)
		return
	}
	c.mw[i].Incoming(f, func(f2 *wsframe.Frame, err error) {
		if err != nil || f2 == nil {
			final(f2, err)
			return
		}
		c.dispatchIncoming(i+1, *f2, final)
	})
}

// Outgoing runs f through the chain in reverse registration order and
// invokes final with the result.
func (c *Chain) Outgoing(f wsframe.OutgoingFrame, mode BatchMode, final NextOutgoing) {
	if c == nil || len(c.mw) == 0 {
		final(f, nil)
		return
	}
	c.dispatchOutgoing(len(c.mw)-1, f, mode, final)
}

func (c *Chain) dispatchOutgoing(i int, f wsframe.OutgoingFrame, mode BatchMode, final NextOutgoing) {
	if i < 0 {
		final(f, nil)
		return
	}
	c.mw[i].Outgoing(f, mode, func(f2 wsframe.OutgoingFrame, err error) {
		if err != nil {
			final(f2, err)
			return
		}
		c.dispatchOutgoing(i-1, f2, mode, final)
	})
}
