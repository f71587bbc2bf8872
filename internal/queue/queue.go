// Package queue implements the per-peer message queue and its logical
// clock. Entries are ordered by a 64-bit timestamp whose low bit encodes
// the node state: set means staging, clear means committed. A staged entry
// at t-1 blocks delivery of everything at or behind t until its sender
// promotes or removes it, which is what makes multi-destination commits
// atomic with respect to the global causal order.
//
// The queue is not internally synchronised; the owning peer's lock guards
// every operation.
package queue

import (
	"github.com/ryszard/goskiplist/skiplist"
)

// Node is one queue entry. It is embedded in a message and carries the
// message through the unlinked, staged, and committed states.
type Node struct {
	ts     uint64
	sender uint64
	seq    uint64
	queued bool

	// Value points back at the owning message. The queue never touches it.
	Value any
}

// Timestamp returns the node's current 64-bit timestamp, including the
// staging bit.
func (n *Node) Timestamp() uint64 { return n.ts }

// IsStaging reports whether the node carries a staging timestamp.
func (n *Node) IsStaging() bool { return n.ts&1 == 1 }

type key struct {
	ts     uint64
	sender uint64
	seq    uint64
}

// Queue is one peer's ordered message queue plus its logical clock.
type Queue struct {
	clock uint64
	seq   uint64
	list  *skiplist.SkipList
}

// New returns an empty queue with its clock at zero.
func New() *Queue {
	return &Queue{
		list: skiplist.NewCustomMap(func(l, r interface{}) bool {
			a, b := l.(key), r.(key)
			if a.ts != b.ts {
				return a.ts < b.ts
			}
			if a.sender != b.sender {
				return a.sender < b.sender
			}
			return a.seq < b.seq
		}),
	}
}

// Clock returns the current clock value.
func (q *Queue) Clock() uint64 { return q.clock }

// Len returns the number of linked nodes.
func (q *Queue) Len() int { return q.list.Len() }

// Tick advances the clock to the next even value and returns it.
func (q *Queue) Tick() uint64 {
	q.clock = (q.clock + 2) &^ 1
	return q.clock
}

// Sync raises the clock to at least t and returns the resulting value.
func (q *Queue) Sync(t uint64) uint64 {
	if t > q.clock {
		q.clock = t
	}
	return q.clock
}

// NodeIsQueued reports whether n is currently linked on this queue.
func (q *Queue) NodeIsQueued(n *Node) bool { return n.queued }

// Stage links n with the staging timestamp t (low bit set) on behalf of
// sender. A node already linked is re-sorted. The return value is the wake
// hint: true iff the queue front became ready.
func (q *Queue) Stage(n *Node, t uint64, sender uint64) bool {
	wasReady := q.frontReady()
	q.unlink(n)
	n.ts = t
	n.sender = sender
	if n.seq == 0 {
		q.seq++
		n.seq = q.seq
	}
	q.list.Set(key{ts: n.ts, sender: n.sender, seq: n.seq}, n)
	n.queued = true
	return !wasReady && q.frontReady()
}

// Commit promotes n to the committed timestamp t (low bit clear). Unlinked
// nodes are linked directly in committed state, which is the unicast fast
// path. The return value is the wake hint.
func (q *Queue) Commit(n *Node, t uint64) bool {
	wasReady := q.frontReady()
	q.unlink(n)
	n.ts = t &^ 1
	if n.seq == 0 {
		q.seq++
		n.seq = q.seq
	}
	q.list.Set(key{ts: n.ts, sender: n.sender, seq: n.seq}, n)
	n.queued = true
	return !wasReady && q.frontReady()
}

// Remove unlinks n. The return value is the wake hint: removing a staged
// front entry can expose a committed entry behind it.
func (q *Queue) Remove(n *Node) bool {
	if !n.queued {
		return false
	}
	wasReady := q.frontReady()
	q.unlink(n)
	return !wasReady && q.frontReady()
}

// PeekReady returns the front node iff it is committed, else nil. A staged
// front means an in-progress multicast is ordered ahead of everything
// behind it, so delivery must hold.
func (q *Queue) PeekReady() *Node {
	front := q.front()
	if front == nil || front.IsStaging() {
		return nil
	}
	return front
}

// PopReady unlinks and returns the front node iff it is committed.
func (q *Queue) PopReady() *Node {
	front := q.PeekReady()
	if front == nil {
		return nil
	}
	q.unlink(front)
	return front
}

// Flush unlinks every node and returns them in queue order. This is the
// queue-reset operation: staged foreign nodes stay owned by their senders,
// which will observe NodeIsQueued == false at commit time and drop them.
func (q *Queue) Flush() []*Node {
	nodes := make([]*Node, 0, q.list.Len())
	it := q.list.Iterator()
	for it.Next() {
		nodes = append(nodes, it.Value().(*Node))
	}
	for _, n := range nodes {
		q.unlink(n)
	}
	return nodes
}

func (q *Queue) front() *Node {
	it := q.list.Iterator()
	if !it.Next() {
		return nil
	}
	return it.Value().(*Node)
}

func (q *Queue) frontReady() bool {
	front := q.front()
	return front != nil && !front.IsStaging()
}

func (q *Queue) unlink(n *Node) {
	if !n.queued {
		return
	}
	q.list.Delete(key{ts: n.ts, sender: n.sender, seq: n.seq})
	n.queued = false
}
