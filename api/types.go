// Package api defines the transport-neutral request, response, and error
// types shared by the busd core, its embedding hosts, and the CLI. The
// package deliberately carries no dependency on the core so that adapters
// can vendor these types without dragging in the bus itself.
package api

const (
	// VecMax caps the number of byte vectors a single send may carry.
	VecMax = 65535
	// FDMax caps the number of file descriptors a single send may carry.
	FDMax = 65535
)

// InvalidHandle is written back to the caller when a destination carried no
// resolvable target, for example when the destination node was destroyed
// before commit.
const InvalidHandle uint64 = 0

// SendFlags is the bitset accepted by Send.
type SendFlags uint64

const (
	// SendContinue downgrades per-destination allocation refusals from
	// transaction failures to dropped events on the refusing destination.
	SendContinue SendFlags = 1 << iota
	// SendSilent suppresses destination wakeups for this message. Ordering
	// is unaffected; the message still consumes a fresh timestamp.
	SendSilent
)

// Has reports whether all bits in mask are set.
func (f SendFlags) Has(mask SendFlags) bool { return f&mask == mask }

// SendParams mirrors the caller-supplied send command. All Ptr fields are
// addresses in the caller's Space; the bus never touches caller memory
// except through that Space.
type SendParams struct {
	PtrVecs uint64 // array of NVecs (base,len) u64 pairs
	NVecs   uint32

	PtrHandles uint64 // array of NHandles u64 handle IDs to transfer
	NHandles   uint32

	PtrFDs uint64 // array of NFDs u32 file descriptors
	NFDs   uint32

	PtrDestinations uint64 // array of NDestinations u64 destination handle IDs
	NDestinations   uint32

	// PtrReplySlots is an array of NDestinations u64 caller addresses; the
	// ID the destination owner assigns to the target node is written to the
	// matching slot at commit. A zero slot skips the write-back for that
	// destination, and a zero PtrReplySlots skips it for all of them.
	PtrReplySlots uint64

	Flags SendFlags
}

// Creds is the identity snapshot recorded for a sender and translated into
// every destination's view.
type Creds struct {
	UID uint32
	GID uint32
	PID int32
	TID int32
}

// View translates sender identifiers into the namespace a peer observes.
// Nil translator funcs mean the identity mapping.
type View struct {
	UID func(uint32) uint32
	GID func(uint32) uint32
	PID func(int32) int32
}

// MapUID applies the UID translator, defaulting to identity.
func (v View) MapUID(uid uint32) uint32 {
	if v.UID == nil {
		return uid
	}
	return v.UID(uid)
}

// MapGID applies the GID translator, defaulting to identity.
func (v View) MapGID(gid uint32) uint32 {
	if v.GID == nil {
		return gid
	}
	return v.GID(gid)
}

// MapPID applies the PID translator, defaulting to identity. TIDs share the
// PID namespace and go through the same mapping.
func (v View) MapPID(pid int32) int32 {
	if v.PID == nil {
		return pid
	}
	return v.PID(pid)
}
