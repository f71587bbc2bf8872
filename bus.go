package busd

import (
	"context"
	"fmt"

	"pkt.systems/busd/api"
	"pkt.systems/busd/internal/clock"
	"pkt.systems/busd/internal/loggingutil"
	"pkt.systems/busd/internal/message"
	"pkt.systems/busd/internal/peer"
	"pkt.systems/busd/internal/transaction"
	"pkt.systems/busd/usermem"
	"pkt.systems/pslog"
)

// Bus is one in-process message bus instance.
type Bus struct {
	cfg     Config
	logger  pslog.Logger
	clk     clock.Clock
	reg     *peer.Registry
	metrics *transaction.Metrics
}

// New returns a bus built from cfg.
func New(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:    cfg,
		logger: loggingutil.EnsureLogger(cfg.Logger),
		clk:    cfg.Clock,
		reg:    peer.NewRegistry(),
	}
	if cfg.EnableMetrics {
		b.metrics = transaction.NewMetrics(b.logger)
		registerBusMetrics(b.logger, b.reg)
	}
	return b
}

// Peer is one bus endpoint as handed to the embedding host. Methods on a
// torn-down peer fail with peer-unreachable.
type Peer struct {
	bus  *Bus
	p    *peer.Peer
	view api.View
}

// CreatePeer connects a new peer with the given credentials and namespace
// view. The peer owns a payload pool of the configured capacity.
func (b *Bus) CreatePeer(creds api.Creds, view api.View) *Peer {
	p := peer.New(b.reg.NextID(), b.cfg.PoolCapacity, creds, b.clk.Now())
	b.reg.Add(p)
	b.logger.Info("peer.create",
		"peer", p.ID(), "uuid", p.Info().UUID.String(), "uid", creds.UID)
	return &Peer{bus: b, p: p, view: view}
}

// Grant maps a handle owned by from into to's table and returns to's local
// ID for it. This is the out-of-band bootstrap: once a peer holds a handle
// it can receive further handles through messages.
func (b *Bus) Grant(from *Peer, id uint64, to *Peer) (uint64, error) {
	if !from.p.Active().Acquire() {
		return api.InvalidHandle, api.PeerUnreachable("peer %d is gone", from.p.ID())
	}
	defer from.p.Active().Release()
	if !to.p.Active().Acquire() {
		return api.InvalidHandle, api.PeerUnreachable("peer %d is gone", to.p.ID())
	}
	defer to.p.Active().Release()
	n, err := from.p.Handles().Resolve(id)
	if err != nil {
		return api.InvalidHandle, api.HandleNotFound("handle %d: %v", id, err)
	}
	return to.p.Handles().Grant(n), nil
}

// ID returns the peer's bus-local ID.
func (p *Peer) ID() uint64 { return p.p.ID() }

// CreateNode allocates a fresh node anchored at this peer and returns its
// handle ID. Messages sent to the node land on this peer's queue.
func (p *Peer) CreateNode() uint64 {
	id, _ := p.p.Handles().CreateNode()
	return id
}

// Send runs one send transaction against the caller's address space. Every
// destination receives a private copy committed at a single final
// timestamp; see api.SendFlags for the continue and silent variations.
func (p *Peer) Send(ctx context.Context, space usermem.Space, params api.SendParams) error {
	if !p.p.Active().Acquire() {
		return api.PeerUnreachable("peer %d is gone", p.p.ID())
	}
	defer p.p.Active().Release()

	txn, err := transaction.New(p.bus.reg, p.p, space, params, p.p.Info().Creds,
		p.bus.clk, p.bus.logger, p.bus.metrics)
	if err != nil {
		return err
	}
	defer txn.Close()
	return txn.Commit(ctx)
}

// Recv blocks until the peer's queue front is a committed message, then
// delivers it: payload copy, header translated through the peer's view,
// transferred handles imported into the peer's table, descriptor ownership
// passed to the caller.
func (p *Peer) Recv(ctx context.Context) (*api.Message, error) {
	for {
		if !p.p.Active().Acquire() {
			return nil, api.PeerUnreachable("peer %d is gone", p.p.ID())
		}
		n := p.p.PopReady()
		if n != nil {
			m, err := message.FromNode(n).Deliver(p.view)
			p.p.Active().Release()
			if err != nil {
				return nil, fmt.Errorf("busd: deliver: %w", err)
			}
			return m, nil
		}
		p.p.Active().Release()
		select {
		case <-p.p.Ready():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryRecv delivers the next ready message without blocking; nil means the
// queue front is not ready.
func (p *Peer) TryRecv() (*api.Message, error) {
	if !p.p.Active().Acquire() {
		return nil, api.PeerUnreachable("peer %d is gone", p.p.ID())
	}
	defer p.p.Active().Release()
	n := p.p.PopReady()
	if n == nil {
		return nil, nil
	}
	m, err := message.FromNode(n).Deliver(p.view)
	if err != nil {
		return nil, fmt.Errorf("busd: deliver: %w", err)
	}
	return m, nil
}

// DrainDropped returns the number of messages dropped towards this peer
// since the last call and resets the counter.
func (p *Peer) DrainDropped() uint64 {
	return p.p.DrainDropped()
}

// Clock returns the peer's current logical clock value.
func (p *Peer) Clock() uint64 { return p.p.Clock() }

// Reset flushes the peer's queue. Committed messages are discarded with
// their resources; entries still staged by in-flight multicasts stay owned
// by their senders, which observe the flush at commit time and drop the
// copy without failing the send, counting it on this peer's dropped
// counter.
func (p *Peer) Reset() error {
	if !p.p.Active().Acquire() {
		return api.PeerUnreachable("peer %d is gone", p.p.ID())
	}
	defer p.p.Active().Release()
	flushed := 0
	for _, n := range p.p.FlushQueue() {
		if n.IsStaging() {
			continue
		}
		message.FromNode(n).Release()
		flushed++
	}
	p.bus.logger.Debug("peer.reset", "peer", p.p.ID(), "flushed", flushed)
	return nil
}

// Teardown disconnects the peer: new operations are refused, in-flight
// operations drain, the queue is flushed, and every node anchored here is
// killed so that later sends from peers still holding handles to them
// fail with peer-unreachable. Waiting is bounded by ctx.
func (p *Peer) Teardown(ctx context.Context) error {
	p.p.Active().Deactivate()
	if err := p.p.Active().Drain(ctx); err != nil {
		return fmt.Errorf("busd: teardown peer %d: %w", p.p.ID(), err)
	}
	for _, n := range p.p.FlushQueue() {
		if n.IsStaging() {
			continue
		}
		message.FromNode(n).Release()
	}
	for _, anchor := range p.p.Handles().Flush() {
		anchor.Kill()
	}
	p.bus.reg.Remove(p.p.ID())
	p.bus.logger.Info("peer.teardown", "peer", p.p.ID())
	return nil
}
