// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"errors"
	"fmt"
	"slices"
)

// FencedAllocAlignment is the alignment of every FencedAllocator block.
const FencedAllocAlignment = 16

type fencedState uint8

const (
	fencedFree fencedState = iota
	fencedInUse
	fencedFreePendingToken
)

type fencedBlock struct {
	state  fencedState
	offset uint32
	size   uint32
	token  int32
}

// FencedAllocator is a first-fit allocator over a fixed area whose blocks
// may be freed pending a token. Blocks are kept sorted by offset and
// adjacent free blocks are merged.
//
// FencedAllocator is not safe for concurrent use.
type FencedAllocator struct {
	helper *CommandBufferHelper
	size   uint32
	blocks []fencedBlock
	inUse  uint32
}

// NewFencedAllocator creates an allocator over size bytes.
func NewFencedAllocator(helper *CommandBufferHelper, size uint32) *FencedAllocator {
	return &FencedAllocator{
		helper: helper,
		size:   size,
		blocks: []fencedBlock{{state: fencedFree, offset: 0, size: size}},
	}
}

// Size returns the managed area size.
func (f *FencedAllocator) Size() uint32 { return f.size }

// BytesInUse returns the bytes held by in-use blocks.
func (f *FencedAllocator) BytesInUse() uint32 { return f.inUse }

// Alloc returns the offset of a new block of size bytes. It prefers free
// blocks and otherwise waits on pending tokens, lowest offset first.
func (f *FencedAllocator) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: empty allocation", ErrOutOfMemory)
	}
	size = alignUp(size, FencedAllocAlignment)

	for i := range f.blocks {
		if b := f.blocks[i]; b.state == fencedFree && b.size >= size {
			return f.allocInBlock(i, size), nil
		}
	}

	for i := 0; i < len(f.blocks); i++ {
		if f.blocks[i].state != fencedFreePendingToken {
			continue
		}
		var err error
		i, err = f.waitForTokenAndFreeBlock(i)
		if err != nil {
			return 0, err
		}
		if f.blocks[i].size >= size {
			return f.allocInBlock(i, size), nil
		}
	}
	return 0, fmt.Errorf("%w: no block of %d bytes in %d", ErrOutOfMemory, size, f.size)
}

// Free releases the block at offset immediately.
func (f *FencedAllocator) Free(offset uint32) {
	i := f.blockIndex(offset)
	if i < 0 {
		return
	}
	if f.blocks[i].state == fencedInUse {
		f.inUse -= f.blocks[i].size
	}
	f.blocks[i].state = fencedFree
	f.collapseFreeBlock(i)
}

// FreePendingToken releases the block at offset once token passes.
func (f *FencedAllocator) FreePendingToken(offset uint32, token int32) {
	i := f.blockIndex(offset)
	if i < 0 || f.blocks[i].state != fencedInUse {
		return
	}
	f.inUse -= f.blocks[i].size
	f.blocks[i].state = fencedFreePendingToken
	f.blocks[i].token = token
}

// FreeUnused frees every pending block whose token passed.
func (f *FencedAllocator) FreeUnused() {
	for i := 0; i < len(f.blocks); i++ {
		b := f.blocks[i]
		if b.state == fencedFreePendingToken && f.helper.HasTokenPassed(b.token) {
			f.blocks[i].state = fencedFree
			i = f.collapseFreeBlock(i)
		}
	}
}

// LargestFreeSize returns the largest block available without waiting.
func (f *FencedAllocator) LargestFreeSize() uint32 {
	f.FreeUnused()
	var largest uint32
	for _, b := range f.blocks {
		if b.state == fencedFree {
			largest = max(largest, b.size)
		}
	}
	return largest
}

// LargestFreeOrPendingSize returns the largest block available after
// waiting for every pending token.
func (f *FencedAllocator) LargestFreeOrPendingSize() uint32 {
	var largest, run uint32
	for _, b := range f.blocks {
		if b.state == fencedInUse {
			largest = max(largest, run)
			run = 0
			continue
		}
		run += b.size
	}
	return max(largest, run)
}

// InUseOrFreePending reports whether any block is not free.
func (f *FencedAllocator) InUseOrFreePending() bool {
	return len(f.blocks) != 1 || f.blocks[0].state != fencedFree
}

// CheckConsistency reports an error when the block list does not tile the
// area or holds unmerged free neighbours.
func (f *FencedAllocator) CheckConsistency() error {
	var next uint32
	for i, b := range f.blocks {
		if b.offset != next || b.size == 0 {
			return fmt.Errorf("client: fenced block %d at %d size %d, expected offset %d", i, b.offset, b.size, next)
		}
		if i > 0 && b.state == fencedFree && f.blocks[i-1].state == fencedFree {
			return errors.New("client: adjacent free fenced blocks")
		}
		next += b.size
	}
	if next != f.size {
		return fmt.Errorf("client: fenced blocks cover %d of %d bytes", next, f.size)
	}
	return nil
}

func (f *FencedAllocator) blockIndex(offset uint32) int {
	i, found := slices.BinarySearchFunc(f.blocks, offset, func(b fencedBlock, off uint32) int {
		switch {
		case b.offset < off:
			return -1
		case b.offset > off:
			return 1
		}
		return 0
	})
	if !found {
		slogger().Warn("fenced allocator: unknown block")
		return -1
	}
	return i
}

func (f *FencedAllocator) waitForTokenAndFreeBlock(i int) (int, error) {
	if err := f.helper.WaitForToken(f.blocks[i].token); err != nil && !errors.Is(err, ErrContextLost) {
		return i, err
	}
	f.blocks[i].state = fencedFree
	return f.collapseFreeBlock(i), nil
}

// collapseFreeBlock merges the free block at i with free neighbours and
// returns the index of the merged block.
func (f *FencedAllocator) collapseFreeBlock(i int) int {
	if i+1 < len(f.blocks) && f.blocks[i+1].state == fencedFree {
		f.blocks[i].size += f.blocks[i+1].size
		f.blocks = slices.Delete(f.blocks, i+1, i+2)
	}
	if i > 0 && f.blocks[i-1].state == fencedFree {
		f.blocks[i-1].size += f.blocks[i].size
		f.blocks = slices.Delete(f.blocks, i, i+1)
		i--
	}
	return i
}

func (f *FencedAllocator) allocInBlock(i int, size uint32) uint32 {
	b := &f.blocks[i]
	offset := b.offset
	f.inUse += size
	if b.size == size {
		b.state = fencedInUse
		return offset
	}
	rest := fencedBlock{state: fencedFree, offset: offset + size, size: b.size - size}
	b.size = size
	b.state = fencedInUse
	f.blocks = slices.Insert(f.blocks, i+1, rest)
	return offset
}
