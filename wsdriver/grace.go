package wsdriver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Grace tracks live Drivers so a listening server can drain them on
// shutdown, the same role the teacher's Grace plays for *Conn. The
// driver has no HTTP handler of its own to wrap, so registration is
// explicit: call Add right after New (or after Open) instead of
// wrapping a http.Handler.
type Grace struct {
	mu      sync.Mutex
	closing bool
	drivers map[*Driver]struct{}
}

// Add records d so Close/Shutdown will close it. Returns an error
// (and immediately closes d with StatusGoingAway) if the registry is
// already draining.
func (g *Grace) Add(d *Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		d.CloseWithStatus(StatusGoingAway, "server shutting down")
		return errors.New("wsdriver: server shutting down")
	}
	if g.drivers == nil {
		g.drivers = make(map[*Driver]struct{})
	}
	g.drivers[d] = struct{}{}
	return nil
}

// Remove drops d from the registry, e.g. once the caller observes it
// reach CLOSED on its own.
func (g *Grace) Remove(d *Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, d)
}

// Close stops accepting new drivers and closes every registered one
// with StatusGoingAway, waiting for all the CloseWithStatus calls to
// be enqueued (not for the handshakes to finish).
func (g *Grace) Close() error {
	g.mu.Lock()
	g.closing = true
	var wg sync.WaitGroup
	for d := range g.drivers {
		wg.Add(1)
		go func(d *Driver) {
			defer wg.Done()
			d.CloseWithStatus(StatusGoingAway, "server shutting down")
		}(d)
		delete(g.drivers, d)
	}
	g.mu.Unlock()

	wg.Wait()
	return nil
}

// Shutdown stops accepting new drivers, sends every registered one a
// StatusGoingAway close, and waits until each reaches CLOSED as
// reported by its IO state machine, returning ctx's error if ctx is
// done first. Close runs before Shutdown returns in either case.
func (g *Grace) Shutdown(ctx context.Context) error {
	defer g.Close()

	g.mu.Lock()
	g.closing = true
	drivers := make([]*Driver, 0, len(g.drivers))
	for d := range g.drivers {
		drivers = append(drivers, d)
	}
	g.mu.Unlock()

	for _, d := range drivers {
		d.CloseWithStatus(StatusGoingAway, "server shutting down")
	}

	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		if g.allClosed(drivers) {
			return nil
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return fmt.Errorf("wsdriver: failed to shut down gracefully: %w", ctx.Err())
		}
	}
}

func (g *Grace) allClosed(drivers []*Driver) bool {
	for _, d := range drivers {
		if d.ioState.State() != StateClosed {
			return false
		}
	}
	return true
}
