// Package peer implements the peer runtime object: the ordered message
// queue, the payload pool, the handle table, the dropped-message counter,
// and the active-reference gate that serialises teardown against in-flight
// operations.
//
// A peer has exactly one lock. Transactions honour a strict one-peer-lock
// rule: no operation ever holds two peer locks at once, which is why the
// commit protocol works in per-destination rounds instead of locking the
// whole destination set.
package peer

import (
	"context"
	"sync"
)

// Active gates operations against teardown. Every operation that touches a
// peer acquires an active reference first; teardown deactivates the gate
// and then drains, so that no operation observes a half-torn-down peer.
type Active struct {
	mu          sync.Mutex
	count       int64
	deactivated bool
	drained     chan struct{}
}

// NewActive returns a gate in the active state.
func NewActive() *Active {
	return &Active{drained: make(chan struct{})}
}

// Acquire takes an active reference. It fails once the gate has been
// deactivated.
func (a *Active) Acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deactivated {
		return false
	}
	a.count++
	return true
}

// Release drops an active reference taken by Acquire.
func (a *Active) Release() {
	a.mu.Lock()
	a.count--
	if a.deactivated && a.count == 0 {
		close(a.drained)
	}
	a.mu.Unlock()
}

// Deactivate refuses all future Acquire calls. Existing references stay
// valid until released.
func (a *Active) Deactivate() {
	a.mu.Lock()
	if !a.deactivated {
		a.deactivated = true
		if a.count == 0 {
			close(a.drained)
		}
	}
	a.mu.Unlock()
}

// Drain blocks until every reference has been released. Deactivate must
// have been called first.
func (a *Active) Drain(ctx context.Context) error {
	select {
	case <-a.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
