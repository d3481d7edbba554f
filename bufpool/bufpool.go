// Package bufpool is the default buffer pool the read pump and frame
// flusher acquire their I/O buffers from. It keys a family of
// sync.Pools by requested size, the same size-classed-pool shape the
// teacher uses for its permessage-deflate sliding windows, generalized
// here to arbitrary byte buffers.
package bufpool

import "sync"

// Buffer is an acquired, size-stable byte slice. Its Bytes() slice
// must not be retained past a matching call to Pool.Release.
type Buffer struct {
	data   []byte
	direct bool
}

// Bytes returns the full backing slice, len(size) as requested at
// Acquire time.
func (b *Buffer) Bytes() []byte { return b.data }

// Direct reports whether the buffer was requested as a "direct"
// buffer -- a hint from the caller (mirrored from the endpoint
// contract) that the bytes will be handed straight to a syscall and
// so benefit from being allocated outside the regular size classes
// shared with small control-frame buffers.
func (b *Buffer) Direct() bool { return b.direct }

// Pool is the concrete Buffer Pool (C1): Acquire/Release byte buffers
// sized for I/O. It never shrinks a class once created; long-lived
// connections settle into steady-state reuse.
type Pool struct {
	mu      sync.RWMutex
	classes map[int]*sync.Pool
}

// New constructs an empty Pool. The zero value is not usable; always
// go through New.
func New() *Pool {
	return &Pool{classes: make(map[int]*sync.Pool)}
}

func (p *Pool) classFor(size int) *sync.Pool {
	p.mu.RLock()
	sp, ok := p.classes[size]
	p.mu.RUnlock()
	if ok {
		return sp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if sp, ok = p.classes[size]; ok {
		return sp
	}
	sp = &sync.Pool{
		New: func() interface{} {
			return make([]byte, size)
		},
	}
	p.classes[size] = sp
	return sp
}

// Acquire returns a buffer of exactly size bytes, either recycled from
// a prior Release of the same size class or freshly allocated. direct
// is recorded on the returned Buffer and reported back by Direct; this
// pool does not treat direct buffers differently.
func (p *Pool) Acquire(size int, direct bool) *Buffer {
	sp := p.classFor(size)
	data := sp.Get().([]byte)
	return &Buffer{data: data[:size], direct: direct}
}

// Release returns b to its size class. Release is not idempotent --
// calling it twice on the same Buffer double-frees the slice into the
// pool, which the driver's "release each acquired buffer exactly
// once" contract exists specifically to avoid.
func (p *Pool) Release(b *Buffer) {
	sp := p.classFor(len(b.data))
	sp.Put(b.data)
}
