package peer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/busd/api"
	"pkt.systems/busd/internal/handle"
	"pkt.systems/busd/internal/pool"
	"pkt.systems/busd/internal/queue"
)

// Info is the immutable identity of a peer, captured at creation.
type Info struct {
	ID          uint64
	UUID        uuid.UUID
	Creds       api.Creds
	ConnectedAt time.Time
}

// Peer is one bus endpoint. The mutex guards the queue, the pool and the
// dropped counter; the handle table and the active gate carry their own
// synchronisation.
type Peer struct {
	info   Info
	active *Active
	table  *handle.Table

	mu      sync.Mutex
	queue   *queue.Queue
	pool    *pool.Pool
	dropped uint64

	wake chan struct{}
}

// New returns a connected peer with an empty queue, an empty handle table
// and a payload pool of the given capacity.
func New(id uint64, poolCapacity int64, creds api.Creds, connectedAt time.Time) *Peer {
	return &Peer{
		info: Info{
			ID:          id,
			UUID:        uuid.New(),
			Creds:       creds,
			ConnectedAt: connectedAt,
		},
		active: NewActive(),
		table:  handle.NewTable(id),
		queue:  queue.New(),
		pool:   pool.New(poolCapacity),
		wake:   make(chan struct{}, 1),
	}
}

// ID returns the peer's numeric ID.
func (p *Peer) ID() uint64 { return p.info.ID }

// Info returns the peer's identity.
func (p *Peer) Info() Info { return p.info }

// Active returns the peer's teardown gate.
func (p *Peer) Active() *Active { return p.active }

// Handles returns the peer's handle table.
func (p *Peer) Handles() *handle.Table { return p.table }

// Wake delivers a readiness notification. Notifications coalesce; a peer
// that has not consumed the previous one is not woken twice.
func (p *Peer) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Ready returns the channel on which wake notifications arrive.
func (p *Peer) Ready() <-chan struct{} { return p.wake }

// Clock returns the peer's current logical clock value.
func (p *Peer) Clock() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Clock()
}

// SyncClock raises the peer's clock to at least t.
func (p *Peer) SyncClock(t uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Sync(t)
}

// TickClock advances the peer's clock and returns the new even value.
func (p *Peer) TickClock() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Tick()
}

// Stage syncs the peer's clock to at least remote, ticks it, and links n
// in staging state one below the tick on behalf of sender. It returns the
// tick, which the sender folds into the final commit timestamp, and the
// wake hint.
func (p *Peer) Stage(n *queue.Node, remote, sender uint64) (t uint64, wake bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue.Sync(remote)
	t = p.queue.Tick()
	wake = p.queue.Stage(n, t-1, sender)
	return t, wake
}

// Commit promotes n to the committed timestamp tFinal. The caller must
// have synced the peer's clock to tFinal beforehand, in its own round
// over every destination. A node no longer linked was flushed by a queue
// reset while staged; the commit is skipped and delivered reports false
// so the caller can release the message's resources.
func (p *Peer) Commit(n *queue.Node, tFinal uint64) (delivered, wake bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.queue.NodeIsQueued(n) {
		return false, false
	}
	return true, p.queue.Commit(n, tFinal)
}

// CommitAt syncs the peer's clock to at least t and links n in committed
// state at t, whether or not the node was staged first. This is the
// unicast path: a single-destination message skips the staging round and
// commits directly at the destination's own tick.
func (p *Peer) CommitAt(n *queue.Node, t uint64) (wake bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue.Sync(t)
	return p.queue.Commit(n, t)
}

// Remove unlinks n from the peer's queue, returning the wake hint.
func (p *Peer) Remove(n *queue.Node) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Remove(n)
}

// PopReady dequeues the front entry iff it is committed.
func (p *Peer) PopReady() *queue.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.PopReady()
}

// QueueLen returns the number of linked queue entries.
func (p *Peer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// FlushQueue unlinks every queue entry and returns them in order. Part of
// the reset and teardown paths.
func (p *Peer) FlushQueue() []*queue.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Flush()
}

// Allocate reserves a payload slice from the peer's pool.
func (p *Peer) Allocate(n int) (*pool.Slice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.Allocate(n)
}

// Free returns a payload slice to the peer's pool.
func (p *Peer) Free(s *pool.Slice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pool.Deallocate(s)
}

// PoolInUse returns the bytes currently allocated from the pool.
func (p *Peer) PoolInUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pool.InUse()
}

// NoteDropped counts one dropped message. first reports a zero-to-one
// transition, which is the only drop that wakes the peer.
func (p *Peer) NoteDropped() (first bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped++
	return p.dropped == 1
}

// DrainDropped returns the dropped-message count and resets it to zero.
func (p *Peer) DrainDropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.dropped
	p.dropped = 0
	return n
}
