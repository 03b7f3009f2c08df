// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"errors"
	"fmt"
	"log/slog"
)

type blockState uint8

const (
	blockInUse blockState = iota
	blockFreePendingToken
	blockPadding
)

type ringBlock struct {
	offset uint32
	size   uint32
	token  int32
	state  blockState
}

// RingAllocator hands out blocks of a fixed area in allocation order and
// reclaims them in the same order once their tokens pass.
//
// Offsets are relative to the area start. The area is free from freeOffset
// up to inUseOffset, wrapping at size.
type RingAllocator struct {
	helper    *CommandBufferHelper
	size      uint32
	alignment uint32

	blocks      []ringBlock
	freeOffset  uint32
	inUseOffset uint32
	numUsed     int
}

// NewRingAllocator creates an allocator over size bytes. alignment must be
// a power of two; every block size is rounded up to it.
func NewRingAllocator(helper *CommandBufferHelper, size, alignment uint32) *RingAllocator {
	return &RingAllocator{
		helper:    helper,
		size:      size,
		alignment: alignment,
	}
}

// Size returns the managed area size.
func (r *RingAllocator) Size() uint32 { return r.size }

// NumUsedBlocks returns the number of blocks not yet freed.
func (r *RingAllocator) NumUsedBlocks() int { return r.numUsed }

// InUseOrFreePending reports whether any block is outstanding.
func (r *RingAllocator) InUseOrFreePending() bool { return len(r.blocks) > 0 }

func alignUp(v, alignment uint32) uint32 {
	return (v + alignment - 1) &^ (alignment - 1)
}

func alignDown(v, alignment uint32) uint32 {
	return v &^ (alignment - 1)
}

// Alloc returns the offset of a new block of at least size bytes. It waits
// for the oldest pending tokens while the free space is too small.
func (r *RingAllocator) Alloc(size uint32) (uint32, error) {
	if size == 0 || size > r.size {
		return 0, fmt.Errorf("%w: %d bytes from a ring of %d", ErrOutOfMemory, size, r.size)
	}
	size = alignUp(size, r.alignment)
	if size > r.size {
		return 0, fmt.Errorf("%w: %d aligned bytes from a ring of %d", ErrOutOfMemory, size, r.size)
	}

	for size > r.largestFreeSizeNoWaiting() {
		if err := r.freeOldestBlock(); err != nil {
			return 0, err
		}
	}

	if size+r.freeOffset > r.size {
		r.blocks = append(r.blocks, ringBlock{
			offset: r.freeOffset,
			size:   r.size - r.freeOffset,
			state:  blockPadding,
		})
		r.freeOffset = 0
	}

	offset := r.freeOffset
	r.blocks = append(r.blocks, ringBlock{offset: offset, size: size, state: blockInUse})
	r.numUsed++
	r.freeOffset += size
	if r.freeOffset == r.size {
		r.freeOffset = 0
	}
	return offset, nil
}

// FreePendingToken marks the block at offset free once token passes.
func (r *RingAllocator) FreePendingToken(offset uint32, token int32) {
	for i := len(r.blocks) - 1; i >= 0; i-- {
		b := &r.blocks[i]
		if b.offset == offset && b.state == blockInUse {
			b.state = blockFreePendingToken
			b.token = token
			r.numUsed--
			return
		}
	}
	slogger().Warn("ring allocator: free of unknown block", slog.Uint64("offset", uint64(offset)))
}

// DiscardBlock frees the block at offset immediately. The caller guarantees
// no command references it.
func (r *RingAllocator) DiscardBlock(offset uint32) {
	for i := len(r.blocks) - 1; i >= 0; i-- {
		b := &r.blocks[i]
		if b.offset != offset || b.state != blockInUse {
			continue
		}
		r.numUsed--
		if i == len(r.blocks)-1 {
			// The newest block can be handed back to the free space.
			r.freeOffset = b.offset
			r.blocks = r.blocks[:i]
			r.dropTrailingPadding()
			if len(r.blocks) == 0 {
				r.freeOffset = 0
				r.inUseOffset = 0
			}
			return
		}
		b.state = blockPadding
		return
	}
	slogger().Warn("ring allocator: discard of unknown block", slog.Uint64("offset", uint64(offset)))
}

func (r *RingAllocator) dropTrailingPadding() {
	for n := len(r.blocks); n > 0 && r.blocks[n-1].state == blockPadding; n = len(r.blocks) {
		r.freeOffset = r.blocks[n-1].offset
		r.blocks = r.blocks[:n-1]
	}
}

// freeOldestBlock retires the oldest block, waiting for its token.
func (r *RingAllocator) freeOldestBlock() error {
	if len(r.blocks) == 0 {
		return fmt.Errorf("%w: ring exhausted", ErrOutOfMemory)
	}
	b := r.blocks[0]
	if b.state == blockInUse {
		return fmt.Errorf("%w: oldest block still in use", ErrOutOfMemory)
	}
	if b.state == blockFreePendingToken {
		if err := r.helper.WaitForToken(b.token); err != nil && !errors.Is(err, ErrContextLost) {
			return err
		}
	}
	r.inUseOffset += b.size
	if r.inUseOffset == r.size {
		r.inUseOffset = 0
	}
	if r.freeOffset == r.inUseOffset {
		r.freeOffset = 0
		r.inUseOffset = 0
	}
	r.blocks = r.blocks[1:]
	if len(r.blocks) == 0 {
		r.blocks = nil
	}
	return nil
}

func (r *RingAllocator) largestFreeSizeNoWaiting() uint32 {
	for len(r.blocks) > 0 {
		b := r.blocks[0]
		if b.state == blockInUse {
			break
		}
		if b.state == blockFreePendingToken && !r.helper.HasTokenPassed(b.token) {
			break
		}
		_ = r.freeOldestBlock()
	}

	switch {
	case r.freeOffset == r.inUseOffset:
		if len(r.blocks) == 0 {
			return r.size
		}
		return 0
	case r.freeOffset > r.inUseOffset:
		return max(r.size-r.freeOffset, r.inUseOffset)
	default:
		return r.inUseOffset - r.freeOffset
	}
}

// LargestFreeSizeNoWaiting returns the largest block that can be allocated
// without waiting, reclaiming blocks whose tokens already passed.
func (r *RingAllocator) LargestFreeSizeNoWaiting() uint32 {
	return alignDown(r.largestFreeSizeNoWaiting(), r.alignment)
}

// LargestFreeOrPendingSize returns the largest block that can be allocated
// if every pending block ahead of the oldest in-use block were reclaimed.
func (r *RingAllocator) LargestFreeOrPendingSize() uint32 {
	if r.numUsed == 0 {
		return alignDown(r.size, r.alignment)
	}
	var inUse uint32
	for _, b := range r.blocks {
		if b.state == blockInUse {
			inUse = b.offset
			break
		}
	}
	var largest uint32
	switch {
	case r.freeOffset == inUse:
		largest = 0
	case r.freeOffset > inUse:
		largest = max(r.size-r.freeOffset, inUse)
	default:
		largest = inUse - r.freeOffset
	}
	return alignDown(largest, r.alignment)
}
