// Package rundown provides rundown protection: a reference count where new
// acquires fail once a drain has been requested, and the drain blocks until
// every outstanding reference has been released.
//
// It is used to keep a socket alive while inbound datagrams or asynchronous
// sends still reference it. Closing the socket drains rather than cancels.
package rundown

import "sync"

// Guard tracks in-flight references to a resource that is shutting down.
// The zero value is ready to use.
type Guard struct {
	mu       sync.Mutex
	count    int64
	draining bool
	drained  chan struct{}
}

// Acquire takes a reference. It returns false once Drain has been requested,
// in which case the caller must not touch the guarded resource.
func (g *Guard) Acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.draining {
		return false
	}
	g.count++
	return true
}

// Release drops a reference taken with Acquire. The last release after a
// drain request wakes the drainer.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.count <= 0 {
		panic("rundown: release without acquire")
	}
	g.count--
	if g.count == 0 && g.draining {
		close(g.drained)
		g.drained = nil
	}
}

// Drain blocks new acquires and waits for the outstanding count to reach
// zero. It is idempotent only in the sense that a second call after a
// completed drain returns immediately.
func (g *Guard) Drain() {
	g.mu.Lock()
	if g.draining {
		// Already drained (or draining elsewhere, which callers don't do).
		done := g.drained
		g.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	g.draining = true
	if g.count == 0 {
		g.mu.Unlock()
		return
	}
	done := make(chan struct{})
	g.drained = done
	g.mu.Unlock()
	<-done
}

// InFlight reports the current reference count. Diagnostic only.
func (g *Guard) InFlight() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
