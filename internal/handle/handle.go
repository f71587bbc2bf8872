// Package handle implements the per-peer handle tables and the shared node
// identities they reference. Handles are opaque 64-bit IDs local to one
// peer; nodes are the shared identities that handles in different peers may
// resolve to. The package also carries the two transaction-side sets: the
// sender's transfer reservation and the per-destination inflight
// translation that stays invisible until delivery.
//
// Tables and nodes use their own fine-grained locks and never take a peer
// lock, so handle operations may be called with or without a peer lock
// held.
package handle

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a handle ID does not resolve to a live node.
var ErrNotFound = errors.New("handle: not found")

// InvalidID is the reserved never-allocated handle ID.
const InvalidID uint64 = 0

// Node is a shared identity. Its reference count tracks every table entry,
// transfer reservation, and inflight entry that points at it.
type Node struct {
	mu      sync.Mutex
	ownerID uint64
	refs    int64
	live    bool
}

// OwnerID returns the peer ID of the node's owning peer.
func (n *Node) OwnerID() uint64 { return n.ownerID }

// Live reports whether the owning peer still backs this node.
func (n *Node) Live() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.live
}

// Refs returns the current reference count. Test hook for the resource
// conservation invariant.
func (n *Node) Refs() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refs
}

// Kill marks the node destroyed. References stay valid; resolution and
// export start failing.
func (n *Node) Kill() {
	n.mu.Lock()
	n.live = false
	n.mu.Unlock()
}

func (n *Node) ref() {
	n.mu.Lock()
	n.refs++
	n.mu.Unlock()
}

func (n *Node) unref() {
	n.mu.Lock()
	n.refs--
	n.mu.Unlock()
}

type entry struct {
	node *Node
	// timestamp of the commit that exported the handle, zero for anchors
	// and explicit attaches.
	ts uint64
}

// Table maps one peer's opaque handle IDs to node references. Each entry
// holds one reference on its node.
type Table struct {
	mu      sync.Mutex
	ownerID uint64
	next    uint64
	entries map[uint64]*entry
	byNode  map[*Node]uint64
}

// NewTable returns an empty table owned by the given peer ID.
func NewTable(ownerID uint64) *Table {
	return &Table{
		ownerID: ownerID,
		entries: make(map[uint64]*entry),
		byNode:  make(map[*Node]uint64),
	}
}

// Len returns the number of live table entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// CreateNode allocates a fresh node anchored in this table and returns its
// local ID.
func (t *Table) CreateNode() (uint64, *Node) {
	n := &Node{ownerID: t.ownerID, live: true, refs: 1}
	t.mu.Lock()
	t.next++
	id := t.next
	t.entries[id] = &entry{node: n}
	t.byNode[n] = id
	t.mu.Unlock()
	return id, n
}

// Resolve returns the live node behind id.
func (t *Table) Resolve(id uint64) (*Node, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok || !e.node.Live() {
		return nil, ErrNotFound
	}
	return e.node, nil
}

// Lookup returns the node behind id without a liveness check, so callers
// can tell a missing entry apart from a destroyed node.
func (t *Table) Lookup(id uint64) (*Node, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e.node, nil
}

// IDFor returns this table's local ID for n, if any.
func (t *Table) IDFor(n *Node) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byNode[n]
	return id, ok
}

// Attach maps n into this table, allocating a fresh local ID when the
// table has none. A newly created entry takes over one reference from the
// caller; an existing entry leaves the caller's reference untouched and
// taken reports which happened.
func (t *Table) Attach(n *Node, ts uint64) (id uint64, taken bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byNode[n]; ok {
		return id, false
	}
	t.next++
	id = t.next
	t.entries[id] = &entry{node: n, ts: ts}
	t.byNode[n] = id
	return id, true
}

// Flush drops every entry, releasing the references they held, and returns
// the nodes that were anchored here so the caller can kill them.
func (t *Table) Flush() []*Node {
	t.mu.Lock()
	var anchors []*Node
	for _, e := range t.entries {
		if e.node.ownerID == t.ownerID {
			anchors = append(anchors, e.node)
		}
		e.node.unref()
	}
	t.entries = make(map[uint64]*entry)
	t.byNode = make(map[*Node]uint64)
	t.mu.Unlock()
	return anchors
}
