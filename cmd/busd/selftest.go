package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/busd"
	"pkt.systems/busd/api"
	"pkt.systems/busd/usermem"
	"pkt.systems/pslog"
)

const (
	callerVecBase     = 0x1000
	callerHandleBase  = 0x2000
	callerDestBase    = 0x3000
	callerReplyBase   = 0x4000
	callerPayloadBase = 0x10000
)

// caller is one synthetic user address space: the payload, the vector
// array, the destination array and the reply slots each live in their own
// mapped segment so that faults can be provoked per segment.
type caller struct {
	space *usermem.Mapped
	reply []byte
}

// newCaller maps payload plus parameter arrays and returns the caller and
// the send parameters addressing them.
func newCaller(payload []byte, dests []uint64, handles []uint64) (*caller, api.SendParams, error) {
	c := &caller{space: usermem.NewMapped()}
	params := api.SendParams{}

	if err := c.space.Map(callerPayloadBase, payload); err != nil {
		return nil, params, err
	}
	vecs := make([]byte, 16)
	binary.LittleEndian.PutUint64(vecs[0:], callerPayloadBase)
	binary.LittleEndian.PutUint64(vecs[8:], uint64(len(payload)))
	if err := c.space.Map(callerVecBase, vecs); err != nil {
		return nil, params, err
	}
	params.PtrVecs = callerVecBase
	params.NVecs = 1

	destBuf := make([]byte, 8*len(dests))
	for i, id := range dests {
		binary.LittleEndian.PutUint64(destBuf[8*i:], id)
	}
	if err := c.space.Map(callerDestBase, destBuf); err != nil {
		return nil, params, err
	}
	params.PtrDestinations = callerDestBase
	params.NDestinations = uint32(len(dests))

	c.reply = make([]byte, 8*len(dests))
	if err := c.space.Map(callerReplyBase, c.reply); err != nil {
		return nil, params, err
	}
	slots := make([]byte, 8*len(dests))
	for i := range dests {
		binary.LittleEndian.PutUint64(slots[8*i:], callerReplyBase+uint64(8*i))
	}
	if err := c.space.Map(callerReplyBase+uint64(len(c.reply)), slots); err != nil {
		return nil, params, err
	}
	params.PtrReplySlots = callerReplyBase + uint64(len(c.reply))

	if len(handles) > 0 {
		hBuf := make([]byte, 8*len(handles))
		for i, id := range handles {
			binary.LittleEndian.PutUint64(hBuf[8*i:], id)
		}
		if err := c.space.Map(callerHandleBase, hBuf); err != nil {
			return nil, params, err
		}
		params.PtrHandles = callerHandleBase
		params.NHandles = uint32(len(handles))
	}
	return c, params, nil
}

// replySlot returns the exported destination ID written back for dest i.
func (c *caller) replySlot(i int) uint64 {
	return binary.LittleEndian.Uint64(c.reply[8*i:])
}

type selftestCheck struct {
	name string
	run  func(ctx context.Context, logger pslog.Logger) error
}

func newSelftestCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "selftest",
		Short:        "Run in-process bus checks",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, tel, logger, err := setupBus(cmd.Context(), baseLogger)
			if err != nil {
				return err
			}
			if tel != nil {
				defer func() {
					shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = tel.Shutdown(shctx)
				}()
			}

			checks := []selftestCheck{
				{"unicast-delivery", checkUnicast},
				{"multicast-atomicity", checkMulticast},
				{"handle-transfer", checkHandleTransfer},
				{"pool-backpressure", checkBackpressure},
				{"teardown-unreachable", checkTeardown},
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, check := range checks {
				if err := check.run(cmd.Context(), logger); err != nil {
					fmt.Fprintf(out, "✘ %s: %v\n", check.name, err)
					failed++
					continue
				}
				fmt.Fprintf(out, "✔ %s\n", check.name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d checks failed", failed, len(checks))
			}
			fmt.Fprintln(out, "Selftest succeeded.")
			return nil
		},
	}
	return cmd
}

func selftestBus(logger pslog.Logger) *busd.Bus {
	capacity := busd.DefaultPoolCapacity
	if n, err := humanize.ParseBytes(viper.GetString("pool-size")); err == nil && n > 0 {
		capacity = int64(n)
	}
	return busd.New(busd.Config{
		PoolCapacity: capacity,
		Logger:       logger,
	})
}

func checkUnicast(ctx context.Context, logger pslog.Logger) error {
	bus := selftestBus(logger)
	a := bus.CreatePeer(api.Creds{UID: 1000, PID: 10}, api.View{})
	b := bus.CreatePeer(api.Creds{UID: 1001, PID: 11}, api.View{
		UID: func(uint32) uint32 { return 65534 },
	})
	defer func() { _ = a.Teardown(ctx); _ = b.Teardown(ctx) }()

	anchor := b.CreateNode()
	dest, err := bus.Grant(b, anchor, a)
	if err != nil {
		return err
	}

	payload := []byte("busd unicast payload")
	c, params, err := newCaller(payload, []uint64{dest}, nil)
	if err != nil {
		return err
	}
	if err := a.Send(ctx, c.space, params); err != nil {
		return err
	}
	msg, err := b.Recv(ctx)
	if err != nil {
		return err
	}
	if !bytes.Equal(msg.Payload, payload) {
		return fmt.Errorf("payload mismatch: got %d bytes", len(msg.Payload))
	}
	if msg.UID != 65534 {
		return fmt.Errorf("view did not translate UID: got %d", msg.UID)
	}
	if c.replySlot(0) == api.InvalidHandle {
		return fmt.Errorf("reply slot not written")
	}
	if msg.Destination != c.replySlot(0) {
		return fmt.Errorf("destination %d does not match reply slot %d", msg.Destination, c.replySlot(0))
	}
	return nil
}

func checkMulticast(ctx context.Context, logger pslog.Logger) error {
	bus := selftestBus(logger)
	s := bus.CreatePeer(api.Creds{UID: 1000}, api.View{})
	r1 := bus.CreatePeer(api.Creds{UID: 1001}, api.View{})
	r2 := bus.CreatePeer(api.Creds{UID: 1002}, api.View{})
	defer func() { _ = s.Teardown(ctx); _ = r1.Teardown(ctx); _ = r2.Teardown(ctx) }()

	d1, err := bus.Grant(r1, r1.CreateNode(), s)
	if err != nil {
		return err
	}
	d2, err := bus.Grant(r2, r2.CreateNode(), s)
	if err != nil {
		return err
	}

	c, params, err := newCaller([]byte("fan-out"), []uint64{d1, d2}, nil)
	if err != nil {
		return err
	}
	if err := s.Send(ctx, c.space, params); err != nil {
		return err
	}
	m1, err := r1.Recv(ctx)
	if err != nil {
		return err
	}
	m2, err := r2.Recv(ctx)
	if err != nil {
		return err
	}
	if m1.Timestamp != m2.Timestamp {
		return fmt.Errorf("copies committed at %d and %d", m1.Timestamp, m2.Timestamp)
	}
	if m1.Timestamp%2 != 0 {
		return fmt.Errorf("committed timestamp %d is odd", m1.Timestamp)
	}
	return nil
}

func checkHandleTransfer(ctx context.Context, logger pslog.Logger) error {
	bus := selftestBus(logger)
	a := bus.CreatePeer(api.Creds{UID: 1000}, api.View{})
	b := bus.CreatePeer(api.Creds{UID: 1001}, api.View{})
	defer func() { _ = a.Teardown(ctx); _ = b.Teardown(ctx) }()

	toB, err := bus.Grant(b, b.CreateNode(), a)
	if err != nil {
		return err
	}
	replyAnchor := a.CreateNode()

	c, params, err := newCaller([]byte("request"), []uint64{toB}, []uint64{replyAnchor})
	if err != nil {
		return err
	}
	if err := a.Send(ctx, c.space, params); err != nil {
		return err
	}
	msg, err := b.Recv(ctx)
	if err != nil {
		return err
	}
	if len(msg.Handles) != 1 || msg.Handles[0] == api.InvalidHandle {
		return fmt.Errorf("transferred handle missing: %v", msg.Handles)
	}

	// The imported handle must be usable as a send destination.
	rc, rparams, err := newCaller([]byte("response"), []uint64{msg.Handles[0]}, nil)
	if err != nil {
		return err
	}
	if err := b.Send(ctx, rc.space, rparams); err != nil {
		return err
	}
	reply, err := a.Recv(ctx)
	if err != nil {
		return err
	}
	if !bytes.Equal(reply.Payload, []byte("response")) {
		return fmt.Errorf("reply payload mismatch")
	}
	return nil
}

func checkBackpressure(ctx context.Context, logger pslog.Logger) error {
	bus := busd.New(busd.Config{PoolCapacity: 256, Logger: logger})
	a := bus.CreatePeer(api.Creds{UID: 1000}, api.View{})
	b := bus.CreatePeer(api.Creds{UID: 1001}, api.View{})
	defer func() { _ = a.Teardown(ctx); _ = b.Teardown(ctx) }()

	dest, err := bus.Grant(b, b.CreateNode(), a)
	if err != nil {
		return err
	}
	big := make([]byte, 4096)
	c, params, err := newCaller(big, []uint64{dest}, nil)
	if err != nil {
		return err
	}
	if err := a.Send(ctx, c.space, params); !api.IsCode(err, api.CodePeerUnreachable) {
		return fmt.Errorf("oversized send: want peer-unreachable, got %v", err)
	}

	params.Flags = api.SendContinue
	if err := a.Send(ctx, c.space, params); err != nil {
		return fmt.Errorf("continue send: %v", err)
	}
	if n := b.DrainDropped(); n != 1 {
		return fmt.Errorf("dropped counter: want 1, got %d", n)
	}
	return nil
}

func checkTeardown(ctx context.Context, logger pslog.Logger) error {
	bus := selftestBus(logger)
	a := bus.CreatePeer(api.Creds{UID: 1000}, api.View{})
	b := bus.CreatePeer(api.Creds{UID: 1001}, api.View{})
	defer func() { _ = a.Teardown(ctx) }()

	dest, err := bus.Grant(b, b.CreateNode(), a)
	if err != nil {
		return err
	}
	if err := b.Teardown(ctx); err != nil {
		return err
	}
	c, params, err := newCaller([]byte("late"), []uint64{dest}, nil)
	if err != nil {
		return err
	}
	if err := a.Send(ctx, c.space, params); !api.IsCode(err, api.CodePeerUnreachable) {
		return fmt.Errorf("send after teardown: want peer-unreachable, got %v", err)
	}
	return nil
}
