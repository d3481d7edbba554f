package wsdriver

// Reaction is a close-frame continuation: what the driver does once a
// CLOSE frame's flush outcome (success or failure -- both run the same
// continuation) is known. Modeled as small tagged values interpreted
// by apply rather than closures over the driver, per the design notes:
// no closure captures *Driver directly, so the continuation can be
// built before the driver knows which concrete frame triggered it.
type Reaction interface {
	apply(d *Driver)
}

// disconnectReaction tears the transport down; outputOnly shuts down
// only the write half (used when replying to a peer-initiated close,
// so the peer's own FIN/close_notify can still arrive). A full
// disconnect runs on its own goroutine: the reaction can be applied
// from inside a state-machine notification (a CLOSE enqueued after the
// flusher has failed) or from inside Disconnect's own flusher.Close,
// and Disconnect must not run synchronously in either place.
type disconnectReaction struct {
	outputOnly bool
}

func (r disconnectReaction) apply(d *Driver) {
	if r.outputOnly {
		d.shutdownOutput()
		return
	}
	go d.Disconnect()
}

// localCloseReaction signals the IO state machine that a local close
// completed, then runs next (if any).
type localCloseReaction struct {
	ci   CloseInfo
	next Reaction
}

func (r localCloseReaction) apply(d *Driver) {
	d.ioState.OnCloseLocal(r.ci)
	if r.next != nil {
		r.next.apply(d)
	}
}

// Disconnect builds a Reaction that tears down the transport.
func Disconnect(outputOnly bool) Reaction {
	return disconnectReaction{outputOnly: outputOnly}
}

// LocalClose builds a Reaction that reports ci to the state machine as
// a completed local close, then runs next if non-nil.
func LocalClose(ci CloseInfo, next Reaction) Reaction {
	return localCloseReaction{ci: ci, next: next}
}

// Both is LocalClose immediately followed by Disconnect -- the
// composition the driver uses (with outputOnly true) when replying to a
// peer-initiated CLOSE. Locally initiated CLOSE frames (application
// close, protocol error, idle timeout) use LocalClose alone.
func Both(ci CloseInfo, outputOnly bool) Reaction {
	return LocalClose(ci, Disconnect(outputOnly))
}
