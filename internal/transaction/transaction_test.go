package transaction

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"pkt.systems/busd/api"
	"pkt.systems/busd/internal/clock"
	"pkt.systems/busd/internal/loggingutil"
	"pkt.systems/busd/internal/message"
	"pkt.systems/busd/internal/peer"
	"pkt.systems/busd/usermem"
)

const (
	vecBase     = 0x1000
	handleBase  = 0x2000
	destBase    = 0x3000
	slotPtrBase = 0x4000
	slotBase    = 0x5000
	payloadBase = 0x10000
)

type harness struct {
	t      *testing.T
	reg    *peer.Registry
	space  *usermem.Mapped
	sender *peer.Peer
	slots  []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		reg:   peer.NewRegistry(),
		space: usermem.NewMapped(),
	}
	h.sender = h.newPeer(1 << 16)
	return h
}

func (h *harness) newPeer(poolCapacity int64) *peer.Peer {
	p := peer.New(h.reg.NextID(), poolCapacity, api.Creds{UID: 1000, GID: 100, PID: 7, TID: 7}, time.Unix(0, 0))
	h.reg.Add(p)
	return p
}

// destFor anchors a node at p and maps it into the sender's table.
func (h *harness) destFor(p *peer.Peer) uint64 {
	h.t.Helper()
	_, n := p.Handles().CreateNode()
	return h.sender.Handles().Grant(n)
}

// params maps the payload and parameter arrays into the harness space and
// returns send parameters addressing them. Each destination gets a reply
// slot at slotBase + 8*i.
func (h *harness) params(payload []byte, dests []uint64, handles []uint64) api.SendParams {
	h.t.Helper()
	var p api.SendParams
	mustMap := func(base uint64, buf []byte) {
		if err := h.space.Map(base, buf); err != nil {
			h.t.Fatalf("map %#x: %v", base, err)
		}
	}

	if len(payload) > 0 {
		mustMap(payloadBase, payload)
		vec := make([]byte, 16)
		binary.LittleEndian.PutUint64(vec[0:], payloadBase)
		binary.LittleEndian.PutUint64(vec[8:], uint64(len(payload)))
		mustMap(vecBase, vec)
		p.PtrVecs = vecBase
		p.NVecs = 1
	}
	if len(handles) > 0 {
		buf := make([]byte, 8*len(handles))
		for i, id := range handles {
			binary.LittleEndian.PutUint64(buf[8*i:], id)
		}
		mustMap(handleBase, buf)
		p.PtrHandles = handleBase
		p.NHandles = uint32(len(handles))
	}
	if len(dests) > 0 {
		buf := make([]byte, 8*len(dests))
		for i, id := range dests {
			binary.LittleEndian.PutUint64(buf[8*i:], id)
		}
		mustMap(destBase, buf)
		p.PtrDestinations = destBase
		p.NDestinations = uint32(len(dests))

		h.slots = make([]byte, 8*len(dests))
		mustMap(slotBase, h.slots)
		ptrs := make([]byte, 8*len(dests))
		for i := range dests {
			binary.LittleEndian.PutUint64(ptrs[8*i:], slotBase+uint64(8*i))
		}
		mustMap(slotPtrBase, ptrs)
		p.PtrReplySlots = slotPtrBase
	}
	return p
}

func (h *harness) slot(i int) uint64 {
	return binary.LittleEndian.Uint64(h.slots[8*i:])
}

func (h *harness) send(space usermem.Space, params api.SendParams) error {
	h.t.Helper()
	txn, err := New(h.reg, h.sender, space, params, h.sender.Info().Creds,
		clock.Real{}, loggingutil.EnsureLogger(nil), nil)
	if err != nil {
		return err
	}
	defer txn.Close()
	return txn.Commit(context.Background())
}

func receive(t *testing.T, p *peer.Peer) *api.Message {
	t.Helper()
	n := p.PopReady()
	if n == nil {
		t.Fatalf("peer %d has no ready message", p.ID())
	}
	out, err := message.FromNode(n).Deliver(api.View{})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	return out
}

func TestUnicastHappyPath(t *testing.T) {
	h := newHarness(t)
	h.sender.SyncClock(10)
	d := h.newPeer(1 << 16)
	d.SyncClock(7)

	params := h.params([]byte("PING"), []uint64{h.destFor(d)}, nil)
	if err := h.send(h.space, params); err != nil {
		t.Fatalf("send: %v", err)
	}

	out := receive(t, d)
	if !bytes.Equal(out.Payload, []byte("PING")) {
		t.Fatalf("unexpected payload %q", out.Payload)
	}
	if out.Timestamp != 8 {
		t.Fatalf("expected commit at the destination's own tick 8, got %d", out.Timestamp)
	}
	if h.sender.Clock() < 8 {
		t.Fatalf("sender clock %d fell behind the commit", h.sender.Clock())
	}
	if h.slot(0) == api.InvalidHandle || h.slot(0) != out.Destination {
		t.Fatalf("reply slot %d does not carry the exported destination %d", h.slot(0), out.Destination)
	}
	if d.PoolInUse() != 0 {
		t.Fatalf("delivery leaked %d pool bytes", d.PoolInUse())
	}
}

func TestMulticastSharedFinalTimestamp(t *testing.T) {
	h := newHarness(t)
	h.sender.SyncClock(10)
	d1 := h.newPeer(1 << 16)
	d1.SyncClock(5)
	d2 := h.newPeer(1 << 16)
	d2.SyncClock(100)

	params := h.params([]byte("fan"), []uint64{h.destFor(d1), h.destFor(d2)}, nil)
	if err := h.send(h.space, params); err != nil {
		t.Fatalf("send: %v", err)
	}

	m1 := receive(t, d1)
	m2 := receive(t, d2)
	if m1.Timestamp != m2.Timestamp {
		t.Fatalf("copies committed at %d and %d", m1.Timestamp, m2.Timestamp)
	}
	if m1.Timestamp < 101 {
		t.Fatalf("final timestamp %d below the fastest destination clock", m1.Timestamp)
	}
	if d1.Clock() < m1.Timestamp || d2.Clock() < m1.Timestamp || h.sender.Clock() < m1.Timestamp {
		t.Fatalf("a clock fell behind the final timestamp %d", m1.Timestamp)
	}
}

func TestPerPeerTimestampsStrictlyIncrease(t *testing.T) {
	h := newHarness(t)
	d := h.newPeer(1 << 16)
	params := h.params([]byte("x"), []uint64{h.destFor(d)}, nil)

	var last uint64
	for i := 0; i < 4; i++ {
		if err := h.send(h.space, params); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		out := receive(t, d)
		if out.Timestamp <= last {
			t.Fatalf("send %d: timestamp %d not above %d", i, out.Timestamp, last)
		}
		last = out.Timestamp
	}
}

func TestContinueDowngradesPoolRefusal(t *testing.T) {
	h := newHarness(t)
	d1 := h.newPeer(16) // too small for header space plus payload
	d2 := h.newPeer(1 << 16)
	dests := []uint64{h.destFor(d1), h.destFor(d2)}

	params := h.params([]byte("data"), dests, nil)
	if err := h.send(h.space, params); !api.IsCode(err, api.CodePeerUnreachable) {
		t.Fatalf("without continue: want peer-unreachable, got %v", err)
	}
	if d2.QueueLen() != 0 {
		t.Fatalf("failed construction must not leave a delivery on the healthy destination")
	}

	params.Flags = api.SendContinue
	if err := h.send(h.space, params); err != nil {
		t.Fatalf("with continue: %v", err)
	}
	if n := d1.DrainDropped(); n != 1 {
		t.Fatalf("refusing destination: want 1 drop, got %d", n)
	}
	out := receive(t, d2)
	if !bytes.Equal(out.Payload, []byte("data")) {
		t.Fatalf("healthy destination got %q", out.Payload)
	}
}

func TestWriteBackFaultStillDelivers(t *testing.T) {
	h := newHarness(t)
	d1 := h.newPeer(1 << 16)
	d2 := h.newPeer(1 << 16)
	dests := []uint64{h.destFor(d1), h.destFor(d2)}

	params := h.params([]byte("pay"), dests, nil)
	// Point the second reply slot at an unmapped page.
	if err := h.space.WriteU64(slotPtrBase+8, 0xdead0000); err != nil {
		t.Fatalf("rewrite slot pointer: %v", err)
	}

	if err := h.send(h.space, params); !api.IsCode(err, api.CodeFault) {
		t.Fatalf("want fault, got %v", err)
	}

	m1 := receive(t, d1)
	m2 := receive(t, d2)
	if !bytes.Equal(m1.Payload, []byte("pay")) || !bytes.Equal(m2.Payload, []byte("pay")) {
		t.Fatalf("a destination missed the payload despite the fault")
	}
	if h.slot(0) != m1.Destination || h.slot(0) == api.InvalidHandle {
		t.Fatalf("the healthy reply slot must hold the exported ID, got %d", h.slot(0))
	}
}

// resetOnWrite flushes a peer's queue the first time the transaction
// writes a reply slot, which lands between the staging and commit rounds.
type resetOnWrite struct {
	*usermem.Mapped
	target *peer.Peer
	done   bool
}

func (s *resetOnWrite) WriteU64(addr uint64, v uint64) error {
	if !s.done {
		s.done = true
		for _, n := range s.target.FlushQueue() {
			if !n.IsStaging() {
				message.FromNode(n).Release()
			}
		}
	}
	return s.Mapped.WriteU64(addr, v)
}

func TestQueueResetBetweenStageAndCommit(t *testing.T) {
	h := newHarness(t)
	d1 := h.newPeer(1 << 16)
	d2 := h.newPeer(1 << 16)
	dests := []uint64{h.destFor(d1), h.destFor(d2)}

	params := h.params([]byte("race"), dests, nil)
	space := &resetOnWrite{Mapped: h.space, target: d1}

	if err := h.send(space, params); err != nil {
		t.Fatalf("a reset race must not fail the commit: %v", err)
	}
	if d1.QueueLen() != 0 {
		t.Fatalf("reset destination must not carry the message")
	}
	if n := d1.DrainDropped(); n != 1 {
		t.Fatalf("a reset race counts one drop on the reset destination, counted %d", n)
	}
	if d1.PoolInUse() != 0 {
		t.Fatalf("the flushed copy leaked %d pool bytes", d1.PoolInUse())
	}
	out := receive(t, d2)
	if !bytes.Equal(out.Payload, []byte("race")) {
		t.Fatalf("surviving destination got %q", out.Payload)
	}
}

func TestTransferOfUnknownHandleFails(t *testing.T) {
	h := newHarness(t)
	d := h.newPeer(1 << 16)
	params := h.params([]byte("x"), []uint64{h.destFor(d)}, []uint64{12345})

	if err := h.send(h.space, params); !api.IsCode(err, api.CodeHandleNotFound) {
		t.Fatalf("want handle-not-found, got %v", err)
	}
	if d.QueueLen() != 0 || d.PoolInUse() != 0 {
		t.Fatalf("failed construction touched the destination")
	}
}

func TestSendToDestroyedNodeUnreachable(t *testing.T) {
	h := newHarness(t)
	d := h.newPeer(1 << 16)
	_, n := d.Handles().CreateNode()
	id := h.sender.Handles().Grant(n)
	n.Kill()

	params := h.params([]byte("x"), []uint64{id}, nil)
	if err := h.send(h.space, params); !api.IsCode(err, api.CodePeerUnreachable) {
		t.Fatalf("want peer-unreachable, got %v", err)
	}
}

func TestZeroDestinationsCommits(t *testing.T) {
	h := newHarness(t)
	params := h.params([]byte("noop"), nil, nil)
	before := h.sender.Clock()
	if err := h.send(h.space, params); err != nil {
		t.Fatalf("zero-destination send: %v", err)
	}
	if h.sender.Clock() != before {
		t.Fatalf("zero-destination send moved the sender clock")
	}
}

func TestAbandonedTransactionLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	d := h.newPeer(1 << 16)
	carriedID, carried := h.sender.Handles().CreateNode()
	params := h.params([]byte("undo"), []uint64{h.destFor(d)}, []uint64{carriedID})

	txn, err := New(h.reg, h.sender, h.space, params, h.sender.Info().Creds,
		clock.Real{}, loggingutil.EnsureLogger(nil), nil)
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	txn.Close()
	txn.Close()

	if d.QueueLen() != 0 || d.PoolInUse() != 0 {
		t.Fatalf("abandoned transaction touched the destination")
	}
	if carried.Refs() != 1 {
		t.Fatalf("abandoned transaction leaked handle references: %d", carried.Refs())
	}
}

func TestSilentSendStillOrders(t *testing.T) {
	h := newHarness(t)
	d := h.newPeer(1 << 16)
	params := h.params([]byte("hush"), []uint64{h.destFor(d)}, nil)
	params.Flags = api.SendSilent

	if err := h.send(h.space, params); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-d.Ready():
		t.Fatalf("silent send must not wake the destination")
	default:
	}
	out := receive(t, d)
	if out.Timestamp == 0 || out.Timestamp%2 != 0 {
		t.Fatalf("silent message must still take a fresh committed timestamp, got %d", out.Timestamp)
	}
}
