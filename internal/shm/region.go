// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// InvalidID is never assigned to a registered region.
const InvalidID int32 = -1

// MaxRegionSize bounds a single region. Offsets travel as uint32 on the wire.
const MaxRegionSize = 1 << 31

// Region errors.
var (
	// ErrInvalidSize is returned when creating a region of size 0 or above MaxRegionSize.
	ErrInvalidSize = errors.New("shm: invalid region size")

	// ErrClosed is returned when accessing a region after Close.
	ErrClosed = errors.New("shm: region closed")

	// ErrNotFound is returned when an shm id is not registered.
	ErrNotFound = errors.New("shm: region not found")

	// ErrOutOfRange is returned when an offset/size pair exceeds the region.
	ErrOutOfRange = errors.New("shm: range out of bounds")

	// ErrMisaligned is returned when a word view is requested at an unaligned offset.
	ErrMisaligned = errors.New("shm: misaligned offset")
)

// Region is one shared memory mapping.
//
// Region is safe for concurrent use. The bytes themselves are not guarded:
// ownership of any sub-range is decided by the protocol (tokens), not by locks.
type Region struct {
	id      int32
	mem     []byte
	fd      int
	release func() error
	closed  atomic.Bool
}

// newRegion maps size bytes with the platform allocator.
func newRegion(id int32, size uint32) (*Region, error) {
	if size == 0 || uint64(size) > MaxRegionSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	mem, fd, release, err := mapMemory(int(size))
	if err != nil {
		return nil, err
	}
	return &Region{
		id:      id,
		mem:     mem,
		fd:      fd,
		release: release,
	}, nil
}

// ID returns the shm id of the region.
func (r *Region) ID() int32 {
	return r.id
}

// Size returns the region size in bytes.
func (r *Region) Size() uint32 {
	return uint32(len(r.mem)) //nolint:gosec // bounded by MaxRegionSize
}

// FD returns the backing file descriptor, or -1 when the region is heap memory.
func (r *Region) FD() int {
	return r.fd
}

// Closed reports whether Close has been called.
func (r *Region) Closed() bool {
	return r.closed.Load()
}

// Bytes returns the whole mapping. It returns nil after Close.
func (r *Region) Bytes() []byte {
	if r.closed.Load() {
		return nil
	}
	return r.mem
}

// Slice returns the sub-range [offset, offset+size) of the region.
func (r *Region) Slice(offset, size uint32) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	end := uint64(offset) + uint64(size)
	if end > uint64(len(r.mem)) {
		return nil, fmt.Errorf("%w: offset %d + size %d > %d", ErrOutOfRange, offset, size, len(r.mem))
	}
	return r.mem[offset:end:end], nil
}

// Words returns count 32-bit words starting at offset. The offset must be
// 4-byte aligned so the words can be accessed atomically.
func (r *Region) Words(offset, count uint32) ([]uint32, error) {
	if offset%4 != 0 {
		return nil, fmt.Errorf("%w: %d", ErrMisaligned, offset)
	}
	b, err := r.Slice(offset, count*4)
	if err != nil {
		return nil, err
	}
	return Words(b), nil
}

// Close unmaps the region. It is idempotent.
func (r *Region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.release == nil {
		return nil
	}
	return r.release()
}

// Words reinterprets b as little-endian 32-bit words. len(b) is truncated to
// a multiple of 4; the first byte must be 4-byte aligned.
func Words(b []byte) []uint32 {
	n := len(b) / 4
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), n)
}

// Bytes reinterprets words as a byte slice over the same memory.
func Bytes(words []uint32) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}
