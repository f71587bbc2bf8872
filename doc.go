// Package busd implements an in-process capability message bus. Peers
// exchange messages addressed through opaque handles; every send is a
// transaction that delivers one private copy of the payload, the carried
// handles and the carried file descriptors to each destination, and a
// multicast commits atomically with respect to the global partial order
// every queue observes.
//
// Ordering runs on per-peer Lamport clocks. A multicast first holds a
// staged entry on every destination queue, then promotes all copies to one
// shared final timestamp; a staged entry blocks delivery of everything
// ordered behind it, so no receiver can observe one copy of a multicast
// before another receiver has the copy ordered ahead of it. Unicast sends
// skip the staged round and commit directly on the destination's own
// clock.
//
// # Embedding
//
//	bus := busd.New(busd.Config{})
//	a := bus.CreatePeer(api.Creds{UID: 1000}, api.View{})
//	b := bus.CreatePeer(api.Creds{UID: 1001}, api.View{})
//
//	anchor := b.CreateNode()
//	dest, err := bus.Grant(b, anchor, a) // a may now send to b
//
//	space := usermem.NewMapped()
//	// map payload and parameter segments into space, then:
//	err = a.Send(ctx, space, api.SendParams{ /* vectors, destinations */ })
//	msg, err := b.Recv(ctx)
//
// Backpressure is quota-based: each peer owns a fixed-capacity payload
// pool, and a send whose allocation is refused fails, or, under
// api.SendContinue, degrades into a dropped event on the refusing
// destination's counter. Peer teardown waits for in-flight operations,
// including sends already constructed against the peer, then invalidates
// the peer's nodes: later sends fail with peer-unreachable.
package busd
