package message

import (
	"encoding/binary"
	"fmt"
	"sync"

	cbor "github.com/fxamacker/cbor/v2"
)

// HeaderSpace is the fixed headroom reserved at the front of every payload
// slice. The sealed header is written there at commit time; the payload
// proper starts at this offset.
const HeaderSpace = 64

// Header is the on-slice message header: the sender's raw credentials and
// the destination handle ID as exported into the receiver's table. It is
// sealed into the slice head as length-prefixed deterministic CBOR.
type Header struct {
	UID         uint32 `cbor:"1,keyasint"`
	GID         uint32 `cbor:"2,keyasint"`
	PID         int32  `cbor:"3,keyasint"`
	TID         int32  `cbor:"4,keyasint"`
	Destination uint64 `cbor:"5,keyasint"`
}

var (
	cborOnce sync.Once
	cborEnc  cbor.EncMode
	cborDec  cbor.DecMode
)

func headerModes() (cbor.EncMode, cbor.DecMode) {
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

// Encode renders the header as a length-prefixed CBOR block that fits in
// HeaderSpace bytes.
func (h *Header) Encode() ([]byte, error) {
	enc, _ := headerModes()
	body, err := enc.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("message: encode header: %w", err)
	}
	if 2+len(body) > HeaderSpace {
		return nil, fmt.Errorf("message: header of %d bytes exceeds headroom %d", len(body), HeaderSpace)
	}
	out := make([]byte, 2+len(body))
	binary.LittleEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)
	return out, nil
}

// DecodeHeader parses a sealed header from the front of a slice buffer.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSpace {
		return nil, fmt.Errorf("message: truncated slice of %d bytes", len(buf))
	}
	n := int(binary.LittleEndian.Uint16(buf))
	if n == 0 || 2+n > HeaderSpace {
		return nil, fmt.Errorf("message: bad header length %d", n)
	}
	_, dec := headerModes()
	var h Header
	if err := dec.Unmarshal(buf[2:2+n], &h); err != nil {
		return nil, fmt.Errorf("message: decode header: %w", err)
	}
	return &h, nil
}
