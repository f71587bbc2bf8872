// Package transaction implements the multicast send protocol. A
// transaction imports the caller's resources once, instantiates one
// private message per destination, and runs the staged commit that gives
// every copy the same final timestamp: the sender ticks its clock, each
// destination syncs, ticks and holds the message in staging state one
// below its own tick, the maximum of those ticks becomes the commit
// timestamp, every destination clock is raised to it, and only then are
// the copies committed. A staged entry blocks delivery behind it, so no
// destination can observe a partially committed multicast.
//
// The protocol never holds two peer locks at once; each phase works
// through per-destination rounds.
package transaction

import (
	"context"
	"errors"
	"math"

	"github.com/rs/xid"

	"pkt.systems/busd/api"
	"pkt.systems/busd/internal/clock"
	"pkt.systems/busd/internal/files"
	"pkt.systems/busd/internal/handle"
	"pkt.systems/busd/internal/loggingutil"
	"pkt.systems/busd/internal/message"
	"pkt.systems/busd/internal/peer"
	"pkt.systems/busd/internal/pool"
	"pkt.systems/busd/usermem"
	"pkt.systems/pslog"
)

type dest struct {
	// slot is the caller address the exported destination ID is written to
	// at commit; zero means the caller asked for no write-back.
	slot uint64
	node *handle.Node
	peer *peer.Peer
	msg  *message.Message
}

// Transaction is one in-progress send. It holds an active reference on
// every destination and a transfer reservation on every carried handle
// from construction until Close.
type Transaction struct {
	reg     *peer.Registry
	sender  *peer.Peer
	space   usermem.Space
	flags   api.SendFlags
	creds   api.Creds
	clk     clock.Clock
	logger  pslog.Logger
	metrics *Metrics
	id      string

	vecs     []usermem.Vec
	total    uint64
	transfer *handle.TransferSet
	files    []*files.Holder
	dests    []*dest

	closed bool
}

// New imports the caller's vectors, handles, descriptors and destinations
// and pins every destination against teardown. On error everything
// already imported is released.
func New(reg *peer.Registry, sender *peer.Peer, space usermem.Space, params api.SendParams, creds api.Creds, clk clock.Clock, logger pslog.Logger, metrics *Metrics) (*Transaction, error) {
	t := &Transaction{
		reg:     reg,
		sender:  sender,
		space:   space,
		flags:   params.Flags,
		creds:   creds,
		clk:     clk,
		logger:  loggingutil.WithSubsystem(logger, "txn"),
		metrics: metrics,
		id:      xid.New().String(),
	}
	if err := t.importResources(params); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transaction) importResources(params api.SendParams) error {
	if params.NVecs > api.VecMax {
		return api.InvalidArgument("vector count %d exceeds %d", params.NVecs, api.VecMax)
	}
	if params.NFDs > api.FDMax {
		return api.InvalidArgument("descriptor count %d exceeds %d", params.NFDs, api.FDMax)
	}

	vecs, err := usermem.ReadVecs(t.space, params.PtrVecs, int(params.NVecs))
	if err != nil {
		return api.Fault("read vectors: %v", err)
	}
	t.vecs = vecs
	for _, v := range vecs {
		if v.Len > math.MaxUint64-t.total {
			return api.InvalidArgument("vector lengths overflow")
		}
		t.total += v.Len
	}
	if t.total > math.MaxInt32 {
		return api.InvalidArgument("payload of %d bytes too large", t.total)
	}

	handleIDs, err := usermem.ReadU64s(t.space, params.PtrHandles, int(params.NHandles))
	if err != nil {
		return api.Fault("read handles: %v", err)
	}
	transfer, err := handle.TransferImport(t.sender.Handles(), handleIDs)
	if err != nil {
		return api.HandleNotFound("%v", err)
	}
	t.transfer = transfer

	rawFDs, err := usermem.ReadFDs(t.space, params.PtrFDs, int(params.NFDs))
	if err != nil {
		return api.Fault("read descriptors: %v", err)
	}
	for _, raw := range rawFDs {
		h, err := files.Import(raw)
		if err != nil {
			return api.InvalidArgument("%v", err)
		}
		t.files = append(t.files, h)
	}

	destIDs, err := usermem.ReadU64s(t.space, params.PtrDestinations, int(params.NDestinations))
	if err != nil {
		return api.Fault("read destinations: %v", err)
	}
	var slots []uint64
	if params.PtrReplySlots != 0 {
		slots, err = usermem.ReadU64s(t.space, params.PtrReplySlots, int(params.NDestinations))
		if err != nil {
			return api.Fault("read reply slots: %v", err)
		}
	}
	for i, id := range destIDs {
		node, err := t.sender.Handles().Lookup(id)
		if err != nil {
			return api.HandleNotFound("destination %d: %v", id, err)
		}
		if !node.Live() {
			return api.PeerUnreachable("destination %d: node destroyed", id)
		}
		dp := t.reg.Get(node.OwnerID())
		if dp == nil || !dp.Active().Acquire() {
			return api.PeerUnreachable("destination peer %d is gone", node.OwnerID())
		}
		d := &dest{node: node, peer: dp}
		if slots != nil {
			d.slot = slots[i]
		}
		t.dests = append(t.dests, d)
	}
	return nil
}

// Commit instantiates one message per destination and runs the commit
// protocol: the unicast fast path when there is a single destination,
// the staged multicast round otherwise. A committed transaction may be
// committed again; each commit is a fresh set of messages carrying the
// same vectors.
func (t *Transaction) Commit(ctx context.Context) error {
	if t.closed {
		return api.InvalidArgument("transaction is closed")
	}
	start := t.clk.Now()
	for _, d := range t.dests {
		if err := t.instantiate(d); err != nil {
			t.metrics.recordSend(ctx, "error", 0, 0, t.clk.Now().Sub(start))
			return err
		}
	}

	var firstErr error
	committed, dropped := 0, 0
	if len(t.dests) == 0 {
		// A send without destinations is a no-op that still succeeds.
		t.metrics.recordSend(ctx, "ok", 0, 0, t.clk.Now().Sub(start))
		return nil
	}
	if len(t.dests) == 1 {
		d := t.dests[0]
		ok, err := t.consume(d, 0)
		if ok {
			committed++
		} else {
			dropped++
		}
		firstErr = err
	} else {
		t0 := t.sender.TickClock()
		var tFinal uint64
		for _, d := range t.dests {
			ti, _ := d.peer.Stage(&d.msg.Node, t0, t.sender.ID())
			if ti > tFinal {
				tFinal = ti
			}
		}
		t.logger.Trace("txn.stage", "txn", t.id, "t0", t0, "t_final", tFinal, "destinations", len(t.dests))
		// Every destination clock must reach the final timestamp before
		// any copy commits; otherwise a committed copy on one queue is
		// observable while another destination still hands out ticks
		// below it.
		for _, d := range t.dests {
			d.peer.SyncClock(tFinal)
		}
		for _, d := range t.dests {
			ok, err := t.consume(d, tFinal)
			if ok {
				committed++
			} else {
				dropped++
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		t.sender.SyncClock(tFinal)
	}

	result := "ok"
	if firstErr != nil {
		result = "fault"
	}
	t.metrics.recordSend(ctx, result, committed, dropped, t.clk.Now().Sub(start))
	t.logger.Debug("txn.commit", "txn", t.id,
		"sender", t.sender.ID(), "committed", committed, "dropped", dropped)
	return firstErr
}

// instantiate builds d's private message: the payload slice on d's pool
// with the vectors copied in behind the header space, the inflight handle
// set, and one descriptor clone per imported file.
func (t *Transaction) instantiate(d *dest) error {
	m := message.New(d.peer, d.node, t.sender.ID(), t.creds)
	m.Silent = t.flags.Has(api.SendSilent)

	s, err := d.peer.Allocate(message.HeaderSpace + int(t.total))
	switch {
	case errors.Is(err, pool.ErrExhausted) && t.flags.Has(api.SendContinue):
		// Sliceless message: carried through commit so the refusal lands
		// on the destination's dropped counter in timestamp order.
		d.msg = m
		return nil
	case errors.Is(err, pool.ErrExhausted):
		return api.PeerUnreachable("destination peer %d: pool exhausted", d.peer.ID())
	case err != nil:
		return api.InvalidArgument("allocate payload: %v", err)
	}
	m.Slice = s

	if err := s.WriteVectors(t.space, message.HeaderSpace, t.vecs, t.total); err != nil {
		m.Release()
		if errors.Is(err, usermem.ErrFault) {
			return api.Fault("copy payload: %v", err)
		}
		return api.InvalidArgument("copy payload: %v", err)
	}
	if t.transfer.Len() > 0 {
		m.Handles = handle.InflightInstantiate(t.transfer)
	}
	for _, h := range t.files {
		c, err := h.Clone()
		if err != nil {
			m.Release()
			return api.InvalidArgument("%v", err)
		}
		m.Files = append(m.Files, c)
	}
	d.msg = m
	return nil
}

// consume finishes one destination: acquire the message's inflight
// handle references, export the destination node into its owner's table,
// write the resulting ID to the caller's reply slot, seal the header, and
// commit. tFinal == 0 selects the unicast path, which
// takes the destination's own fresh tick instead of a staged round.
//
// ok reports delivery; a false return is a drop, which has already been
// counted on the destination. A reply-slot write fault never blocks
// delivery: the message still commits and the fault is returned so the
// caller learns about it after every destination has been processed.
func (t *Transaction) consume(d *dest, tFinal uint64) (ok bool, err error) {
	m := d.msg
	d.msg = nil
	handle.InflightInstall(m.Handles)
	unicast := tFinal == 0
	if unicast {
		tFinal = d.peer.TickClock()
	}

	id, expErr := d.peer.Handles().Export(d.node, tFinal)
	if expErr != nil {
		if d.slot != 0 {
			_ = t.space.WriteU64(d.slot, api.InvalidHandle)
		}
		t.drop(d, m, "destination destroyed")
		return false, nil
	}
	if d.slot != 0 {
		if werr := t.space.WriteU64(d.slot, id); werr != nil {
			err = api.Fault("write back destination for peer %d: %v", d.peer.ID(), werr)
		}
	}
	if m.Slice == nil {
		t.drop(d, m, "pool exhausted")
		return false, err
	}
	if serr := m.Seal(id); serr != nil {
		t.drop(d, m, "seal header")
		return false, err
	}

	var wake bool
	if unicast {
		wake = d.peer.CommitAt(&m.Node, tFinal)
		t.sender.SyncClock(tFinal)
	} else {
		var committed bool
		committed, wake = d.peer.Commit(&m.Node, tFinal)
		if !committed {
			// Flushed by a queue reset while staged; the copy is released
			// and counted on the destination's dropped counter.
			t.drop(d, m, "queue reset")
			return false, err
		}
	}
	if wake && !m.Silent {
		d.peer.Wake()
	}
	return true, err
}

// drop unlinks and releases m and counts it on d's dropped counter. The
// zero-to-one transition wakes the peer even for silent messages.
func (t *Transaction) drop(d *dest, m *message.Message, reason string) {
	if wake := d.peer.Remove(&m.Node); wake && !m.Silent {
		d.peer.Wake()
	}
	m.Release()
	if d.peer.NoteDropped() {
		d.peer.Wake()
	}
	t.logger.Debug("txn.drop", "txn", t.id, "dest", d.peer.ID(), "reason", reason)
}

// Close releases everything the transaction still owns: messages not yet
// handed to a queue, the transfer reservation, the imported descriptors,
// and the destination active references. Safe to call more than once.
func (t *Transaction) Close() {
	if t.closed {
		return
	}
	t.closed = true
	for _, d := range t.dests {
		if d.msg != nil {
			if wake := d.peer.Remove(&d.msg.Node); wake && !d.msg.Silent {
				d.peer.Wake()
			}
			d.msg.Release()
			d.msg = nil
		}
		d.peer.Active().Release()
	}
	if t.transfer != nil {
		t.transfer.Destroy()
		t.transfer = nil
	}
	for _, h := range t.files {
		h.Close()
	}
	t.files = nil
}
