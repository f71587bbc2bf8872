package handle

import "fmt"

// Grant maps n into t as if the owning peer had exported it, taking a new
// reference when a fresh entry is created. This is how a creator hands a
// peer's anchor handle to another peer outside any transaction.
func (t *Table) Grant(n *Node) uint64 {
	n.ref()
	id, taken := t.Attach(n, 0)
	if !taken {
		n.unref()
	}
	return id
}

// Export maps n into t at commit timestamp ts and returns the table-local
// ID, allocating a fresh entry with its own reference when the table has
// none. Export fails once the node's owner is gone.
func (t *Table) Export(n *Node, ts uint64) (uint64, error) {
	if !n.Live() {
		return InvalidID, ErrNotFound
	}
	n.ref()
	id, taken := t.Attach(n, ts)
	if !taken {
		n.unref()
	}
	return id, nil
}

// TransferSet is the sender-side reservation of a transaction's handles.
// It pins one reference per handle for the lifetime of the transaction so
// that concurrent releases cannot invalidate the transfer.
type TransferSet struct {
	nodes []*Node
	done  bool
}

// TransferImport resolves ids against the sender's table and reserves one
// reference per resolved node. On any failure the partial reservation is
// released and the failing ID is reported.
func TransferImport(t *Table, ids []uint64) (*TransferSet, error) {
	s := &TransferSet{nodes: make([]*Node, 0, len(ids))}
	for _, id := range ids {
		n, err := t.Resolve(id)
		if err != nil {
			s.Destroy()
			return nil, fmt.Errorf("handle: transfer of %d: %w", id, err)
		}
		n.ref()
		s.nodes = append(s.nodes, n)
	}
	return s, nil
}

// Len returns the number of reserved handles.
func (s *TransferSet) Len() int { return len(s.nodes) }

// Nodes exposes the reserved nodes in caller order.
func (s *TransferSet) Nodes() []*Node { return s.nodes }

// Destroy releases the reservation. Idempotent.
func (s *TransferSet) Destroy() {
	if s.done {
		return
	}
	s.done = true
	for _, n := range s.nodes {
		n.unref()
	}
}

// InflightSet is one destination's private copy of a transfer. Until it is
// installed the set carries bare node pointers kept alive by the sender's
// reservation; InflightInstall acquires the set's own references at commit
// time, so the reservation can be released the moment the transaction
// closes while undelivered messages keep their handles alive until
// reception or teardown.
type InflightSet struct {
	nodes     []*Node
	installed bool
	done      bool
}

// InflightInstantiate returns the per-destination set over the nodes of
// src. The entries are not yet importable; the transaction installs the
// set when it consumes the destination.
func InflightInstantiate(src *TransferSet) *InflightSet {
	s := &InflightSet{nodes: make([]*Node, len(src.nodes))}
	copy(s.nodes, src.nodes)
	return s
}

// InflightInstall makes s importable: one reference per carried node is
// acquired on behalf of the destination. Runs during the per-destination
// commit round, while the sender's reservation still pins every node.
// Safe on a nil or already installed set.
func InflightInstall(s *InflightSet) {
	if s == nil || s.installed {
		return
	}
	s.installed = true
	for _, n := range s.nodes {
		n.ref()
	}
}

// Len returns the number of inflight handles.
func (s *InflightSet) Len() int { return len(s.nodes) }

// ImportInto translates the set into dst's local IDs at commit timestamp
// ts, consuming the set. A node whose owner died maps to InvalidID and its
// reference is dropped. A node dst already maps keeps its existing ID and
// the duplicate reference is dropped; otherwise the fresh table entry
// takes over the inflight reference.
func (s *InflightSet) ImportInto(dst *Table, ts uint64) []uint64 {
	ids := make([]uint64, len(s.nodes))
	for i, n := range s.nodes {
		if !n.Live() {
			n.unref()
			ids[i] = InvalidID
			continue
		}
		id, taken := dst.Attach(n, ts)
		if !taken {
			n.unref()
		}
		ids[i] = id
	}
	s.nodes = nil
	s.done = true
	return ids
}

// Destroy drops every reference the set still holds. A set that was
// never installed holds none. Idempotent; a set already consumed by
// ImportInto is a no-op.
func (s *InflightSet) Destroy() {
	if s.done {
		return
	}
	s.done = true
	if s.installed {
		for _, n := range s.nodes {
			n.unref()
		}
	}
	s.nodes = nil
}
