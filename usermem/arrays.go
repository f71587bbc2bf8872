package usermem

import "encoding/binary"

// ReadVecs reads n packed vector descriptors (base u64, len u64, little
// endian) starting at base.
func ReadVecs(s Space, base uint64, n int) ([]Vec, error) {
	if n == 0 {
		return nil, nil
	}
	raw, err := s.Read(base, n*16)
	if err != nil {
		return nil, err
	}
	vecs := make([]Vec, n)
	for i := range vecs {
		vecs[i].Base = binary.LittleEndian.Uint64(raw[i*16:])
		vecs[i].Len = binary.LittleEndian.Uint64(raw[i*16+8:])
	}
	return vecs, nil
}

// ReadU64s reads n packed little-endian u64 values starting at base.
func ReadU64s(s Space, base uint64, n int) ([]uint64, error) {
	if n == 0 {
		return nil, nil
	}
	raw, err := s.Read(base, n*8)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return out, nil
}

// ReadFDs reads n packed little-endian u32 descriptor numbers starting at
// base.
func ReadFDs(s Space, base uint64, n int) ([]int, error) {
	if n == 0 {
		return nil, nil
	}
	raw, err := s.Read(base, n*4)
	if err != nil {
		return nil, err
	}
	out := make([]int, n)
	for i := range out {
		out[i] = int(int32(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return out, nil
}
