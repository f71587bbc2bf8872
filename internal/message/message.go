// Package message implements the per-destination message object. A
// transaction instantiates one message per destination; each message owns
// its payload slice on the destination's pool, its inflight handle set and
// its cloned file descriptors, so that delivery, drop and teardown all
// release exactly the resources this one copy holds.
package message

import (
	"pkt.systems/busd/api"
	"pkt.systems/busd/internal/files"
	"pkt.systems/busd/internal/handle"
	"pkt.systems/busd/internal/peer"
	"pkt.systems/busd/internal/pool"
	"pkt.systems/busd/internal/queue"
)

// Message is one destination's private copy of a transaction.
type Message struct {
	// Node links the message on the destination's queue. Its Value points
	// back at the message.
	Node queue.Node

	// Dest is the destination peer; the slice below lives on its pool.
	Dest *peer.Peer

	// DestNode is the node the transaction addressed. At commit it is
	// exported into the destination's table and the resulting ID sealed
	// into the header.
	DestNode *handle.Node

	// SenderID is the sending peer's ID.
	SenderID uint64

	// Creds are the sender's credentials, captured at send time, sealed
	// raw into the header, and translated through the receiver's view at
	// delivery.
	Creds api.Creds

	// Slice is nil for a message whose pool allocation was refused under
	// the continue flag. Sliceless messages are never delivered; they
	// surface as dropped events.
	Slice   *pool.Slice
	Handles *handle.InflightSet
	Files   []*files.Holder

	// Silent marks a message whose enqueueing must not wake the receiver.
	Silent bool

	released bool
}

// New returns a message bound to dest, addressed at destNode, with its
// queue node pointing back at itself.
func New(dest *peer.Peer, destNode *handle.Node, senderID uint64, creds api.Creds) *Message {
	m := &Message{
		Dest:     dest,
		DestNode: destNode,
		SenderID: senderID,
		Creds:    creds,
	}
	m.Node.Value = m
	return m
}

// FromNode recovers the message a queue node belongs to.
func FromNode(n *queue.Node) *Message {
	return n.Value.(*Message)
}

// Seal writes the header into the slice head. destID is the destination
// handle ID as exported into the receiver's table.
func (m *Message) Seal(destID uint64) error {
	h := Header{
		UID:         m.Creds.UID,
		GID:         m.Creds.GID,
		PID:         m.Creds.PID,
		TID:         m.Creds.TID,
		Destination: destID,
	}
	b, err := h.Encode()
	if err != nil {
		return err
	}
	return m.Slice.WriteAt(0, b)
}

// Deliver consumes the message into the receiver-facing form: the header
// decoded from the slice head, the payload copied out of the pool, the
// inflight handles imported into the destination's table at the commit
// timestamp, the file descriptors released to the caller, and the
// credentials translated through view. Every resource the message owned
// is freed.
func (m *Message) Deliver(view api.View) (*api.Message, error) {
	hdr, err := DecodeHeader(m.Slice.Bytes())
	if err != nil {
		m.Release()
		return nil, err
	}
	out := &api.Message{
		Timestamp:   m.Node.Timestamp(),
		UID:         view.MapUID(hdr.UID),
		GID:         view.MapGID(hdr.GID),
		PID:         view.MapPID(hdr.PID),
		TID:         view.MapPID(hdr.TID),
		Destination: hdr.Destination,
	}
	out.Payload = append([]byte(nil), m.Slice.Bytes()[HeaderSpace:]...)
	m.Dest.Free(m.Slice)
	m.Slice = nil
	if m.Handles != nil {
		out.Handles = m.Handles.ImportInto(m.Dest.Handles(), m.Node.Timestamp())
		m.Handles = nil
	}
	if len(m.Files) > 0 {
		out.FDs = make([]int32, len(m.Files))
		for i, h := range m.Files {
			out.FDs[i] = int32(h.Release())
		}
		m.Files = nil
	}
	m.released = true
	return out, nil
}

// Release frees every resource the message still owns: the payload slice
// back to the destination's pool, the inflight handle references, and the
// cloned descriptors. Safe to call more than once.
func (m *Message) Release() {
	if m.released {
		return
	}
	m.released = true
	if m.Slice != nil {
		m.Dest.Free(m.Slice)
		m.Slice = nil
	}
	if m.Handles != nil {
		m.Handles.Destroy()
		m.Handles = nil
	}
	for _, h := range m.Files {
		h.Close()
	}
	m.Files = nil
}
