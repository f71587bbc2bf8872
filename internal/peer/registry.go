package peer

import "sync"

// Registry maps peer IDs to live peers. Removal happens at teardown only,
// after the peer's active gate has drained.
type Registry struct {
	mu    sync.RWMutex
	next  uint64
	peers map[uint64]*Peer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[uint64]*Peer)}
}

// NextID allocates a fresh peer ID. IDs are never reused.
func (r *Registry) NextID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.next
}

// Add registers p under its ID.
func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	r.peers[p.ID()] = p
	r.mu.Unlock()
}

// Get returns the peer registered under id, or nil.
func (r *Registry) Get(id uint64) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

// Remove unregisters the peer under id.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Each calls fn for every registered peer. The registry lock is held for
// the duration, so fn must not call back into the registry.
func (r *Registry) Each(fn func(*Peer)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		fn(p)
	}
}
