package message

import (
	"bytes"
	"testing"
	"time"

	"pkt.systems/busd/api"
	"pkt.systems/busd/internal/handle"
	"pkt.systems/busd/internal/peer"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		UID:         1000,
		GID:         100,
		PID:         -1,
		TID:         4242,
		Destination: 0xfeedface,
	}
	b, err := h.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) > HeaderSpace {
		t.Fatalf("encoded header of %d bytes exceeds the headroom", len(b))
	}

	buf := make([]byte, HeaderSpace+8)
	copy(buf, b)
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *h {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, h)
	}
}

func TestDecodeHeaderRejectsGarbage(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, 8)); err == nil {
		t.Fatalf("expected truncated-slice error")
	}
	buf := make([]byte, HeaderSpace)
	if _, err := DecodeHeader(buf); err == nil {
		t.Fatalf("expected zero-length header to be rejected")
	}
	buf[0] = 0xff
	buf[1] = 0xff
	if _, err := DecodeHeader(buf); err == nil {
		t.Fatalf("expected oversized header length to be rejected")
	}
}

func TestSealAndDeliver(t *testing.T) {
	dest := peer.New(2, 1<<16, api.Creds{UID: 2000}, time.Unix(0, 0))
	_, destNode := dest.Handles().CreateNode()
	creds := api.Creds{UID: 1000, GID: 100, PID: 42, TID: 43}

	m := New(dest, destNode, 1, creds)
	s, err := dest.Allocate(HeaderSpace + 4)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	m.Slice = s
	copy(s.Bytes()[HeaderSpace:], "PING")
	if err := m.Seal(77); err != nil {
		t.Fatalf("seal: %v", err)
	}

	tick := dest.TickClock()
	dest.CommitAt(&m.Node, tick)
	if popped := dest.PopReady(); popped == nil || FromNode(popped) != m {
		t.Fatalf("expected the committed message back from the queue")
	}

	view := api.View{UID: func(uint32) uint32 { return 65534 }}
	out, err := m.Deliver(view)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !bytes.Equal(out.Payload, []byte("PING")) {
		t.Fatalf("unexpected payload %q", out.Payload)
	}
	if out.UID != 65534 || out.GID != 100 || out.PID != 42 || out.TID != 43 {
		t.Fatalf("unexpected creds: %+v", out)
	}
	if out.Destination != 77 {
		t.Fatalf("expected sealed destination 77, got %d", out.Destination)
	}
	if out.Timestamp != tick {
		t.Fatalf("expected commit timestamp %d, got %d", tick, out.Timestamp)
	}
	if dest.PoolInUse() != 0 {
		t.Fatalf("delivery must return the slice to the pool, %d bytes in use", dest.PoolInUse())
	}
}

func TestDeliverImportsHandles(t *testing.T) {
	sender := peer.New(1, 1<<16, api.Creds{UID: 1000}, time.Unix(0, 0))
	dest := peer.New(2, 1<<16, api.Creds{UID: 2000}, time.Unix(0, 0))
	_, destNode := dest.Handles().CreateNode()
	carriedID, carried := sender.Handles().CreateNode()

	set, err := handle.TransferImport(sender.Handles(), []uint64{carriedID})
	if err != nil {
		t.Fatalf("transfer import: %v", err)
	}
	m := New(dest, destNode, sender.ID(), api.Creds{UID: 1000})
	m.Handles = handle.InflightInstantiate(set)
	handle.InflightInstall(m.Handles)
	set.Destroy()

	s, err := dest.Allocate(HeaderSpace)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	m.Slice = s
	if err := m.Seal(1); err != nil {
		t.Fatalf("seal: %v", err)
	}
	dest.CommitAt(&m.Node, dest.TickClock())

	out, err := m.Deliver(api.View{})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(out.Handles) != 1 || out.Handles[0] == api.InvalidHandle {
		t.Fatalf("expected one imported handle, got %v", out.Handles)
	}
	if got, err := dest.Handles().Resolve(out.Handles[0]); err != nil || got != carried {
		t.Fatalf("imported handle does not resolve to the carried node: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	dest := peer.New(2, 1<<16, api.Creds{}, time.Unix(0, 0))
	_, destNode := dest.Handles().CreateNode()
	m := New(dest, destNode, 1, api.Creds{})
	s, err := dest.Allocate(HeaderSpace)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	m.Slice = s

	m.Release()
	m.Release()
	if dest.PoolInUse() != 0 {
		t.Fatalf("release leaked pool bytes: %d", dest.PoolInUse())
	}
}
