package api

import (
	"sync"

	cbor "github.com/fxamacker/cbor/v2"
)

// Message is one delivered message as handed to a receiving peer. Handle IDs
// are local to the receiver; FDs are owned by the receiver once returned.
type Message struct {
	Payload     []byte   `cbor:"1,keyasint"`
	UID         uint32   `cbor:"2,keyasint"`
	GID         uint32   `cbor:"3,keyasint"`
	PID         int32    `cbor:"4,keyasint"`
	TID         int32    `cbor:"5,keyasint"`
	Destination uint64   `cbor:"6,keyasint"`
	Timestamp   uint64   `cbor:"7,keyasint"`
	Handles     []uint64 `cbor:"8,keyasint,omitempty"`
	FDs         []int32  `cbor:"9,keyasint,omitempty"`
}

var (
	cborOnce sync.Once
	cborEnc  cbor.EncMode
	cborDec  cbor.DecMode
)

// messageModes builds the deterministic CBOR profile (RFC 7049 canonical) used
// for the message envelope.
func messageModes() (cbor.EncMode, cbor.DecMode) {
	cborOnce.Do(func() {
		em, err := cbor.CanonicalEncOptions().EncMode()
		if err != nil {
			panic(err)
		}
		dm, err := cbor.DecOptions{}.DecMode()
		if err != nil {
			panic(err)
		}
		cborEnc, cborDec = em, dm
	})
	return cborEnc, cborDec
}

// MarshalBinary encodes the message as deterministic CBOR.
func (m *Message) MarshalBinary() ([]byte, error) {
	enc, _ := messageModes()
	return enc.Marshal(m)
}

// UnmarshalBinary decodes a CBOR message envelope.
func (m *Message) UnmarshalBinary(data []byte) error {
	_, dec := messageModes()
	return dec.Unmarshal(data, m)
}
