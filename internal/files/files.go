// Package files manages owned duplicates of caller file descriptors. A
// transaction imports one Holder per descriptor; every per-destination
// message clones its own so that ownership transfer to a receiver never
// races the sender's teardown.
package files

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Holder owns one duplicated file descriptor.
type Holder struct {
	fd     int
	closed bool
}

// Import duplicates raw and returns an owning Holder. The caller's
// descriptor is left untouched.
func Import(raw int) (*Holder, error) {
	if raw < 0 {
		return nil, fmt.Errorf("files: bad descriptor %d", raw)
	}
	fd, err := dupCloexec(raw)
	if err != nil {
		return nil, fmt.Errorf("files: import fd %d: %w", raw, err)
	}
	return &Holder{fd: fd}, nil
}

// Clone duplicates the held descriptor into a new independent Holder.
func (h *Holder) Clone() (*Holder, error) {
	if h.closed {
		return nil, fmt.Errorf("files: clone of closed holder")
	}
	fd, err := dupCloexec(h.fd)
	if err != nil {
		return nil, fmt.Errorf("files: clone fd %d: %w", h.fd, err)
	}
	return &Holder{fd: fd}, nil
}

// FD returns the held descriptor number. Ownership stays with the holder.
func (h *Holder) FD() int {
	return h.fd
}

// Release transfers ownership of the descriptor to the caller. The holder
// is marked closed and will not close the descriptor.
func (h *Holder) Release() int {
	fd := h.fd
	h.closed = true
	h.fd = -1
	return fd
}

// Close releases the descriptor. Safe to call more than once.
func (h *Holder) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	fd := h.fd
	h.fd = -1
	return unix.Close(fd)
}

func dupCloexec(fd int) (int, error) {
	nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return nfd, nil
}
