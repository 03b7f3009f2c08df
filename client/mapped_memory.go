// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/cmdbuf/internal/shm"
)

// Mapped memory defaults.
const (
	DefaultMappedMemoryChunkSize    = 2 << 20
	DefaultMappedMemoryReclaimLimit = 64 << 20
)

type memoryChunk struct {
	region *shm.Region
	alloc  *FencedAllocator
}

// MappedMemoryManager hands out long-lived shared memory blocks from a set of
// chunks, each one region with its own [FencedAllocator]. A new chunk is
// mapped when no existing chunk can satisfy a request.
//
// MappedMemoryManager is not safe for concurrent use.
type MappedMemoryManager struct {
	helper *CommandBufferHelper

	chunkSizeMultiple uint32
	reclaimLimit      uint64
	maxAllocated      uint64

	chunks    []*memoryChunk
	allocated uint64
}

// NewMappedMemoryManager creates a manager. Once the free bytes across all
// chunks reach reclaimLimit, Alloc waits on pending tokens instead of mapping
// another chunk. A reclaimLimit of 0 disables waiting.
func NewMappedMemoryManager(helper *CommandBufferHelper, reclaimLimit uint64) *MappedMemoryManager {
	return &MappedMemoryManager{
		helper:            helper,
		chunkSizeMultiple: FencedAllocAlignment,
		reclaimLimit:      reclaimLimit,
	}
}

// SetChunkSizeMultiple rounds every new chunk up to a multiple of n.
func (m *MappedMemoryManager) SetChunkSizeMultiple(n uint32) {
	if n == 0 {
		n = FencedAllocAlignment
	}
	m.chunkSizeMultiple = n
}

// SetMaxAllocatedBytes bounds the total mapped size. 0 means no bound.
func (m *MappedMemoryManager) SetMaxAllocatedBytes(n uint64) {
	m.maxAllocated = n
}

// AllocatedMemory returns the total size of all chunks.
func (m *MappedMemoryManager) AllocatedMemory() uint64 { return m.allocated }

// NumChunks returns the number of mapped chunks.
func (m *MappedMemoryManager) NumChunks() int { return len(m.chunks) }

// Alloc returns a block of size bytes.
func (m *MappedMemoryManager) Alloc(size uint32) (Allocation, error) {
	if size == 0 {
		return Allocation{}, fmt.Errorf("%w: empty allocation", ErrOutOfMemory)
	}
	if uint64(size) <= m.allocated {
		var inUse uint64
		for _, c := range m.chunks {
			c.alloc.FreeUnused()
			inUse += uint64(c.alloc.BytesInUse())
			if c.alloc.LargestFreeSize() >= size {
				return m.allocIn(c, size)
			}
		}
		if m.reclaimLimit != 0 && m.allocated-inUse >= m.reclaimLimit {
			for _, c := range m.chunks {
				if c.alloc.LargestFreeOrPendingSize() >= size {
					return m.allocIn(c, size)
				}
			}
		}
	}

	multiple := uint64(m.chunkSizeMultiple)
	chunkSize := (uint64(size) + multiple - 1) / multiple * multiple
	if chunkSize > shm.MaxRegionSize {
		return Allocation{}, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, size)
	}
	if m.maxAllocated != 0 && m.allocated+chunkSize > m.maxAllocated {
		return Allocation{}, fmt.Errorf("%w: %d bytes over the %d byte limit", ErrOutOfMemory, size, m.maxAllocated)
	}
	region, err := m.helper.CommandBuffer().CreateTransferBuffer(uint32(chunkSize)) //nolint:gosec // bounded above
	if err != nil {
		return Allocation{}, fmt.Errorf("%w: map chunk: %w", ErrOutOfMemory, err)
	}
	c := &memoryChunk{region: region, alloc: NewFencedAllocator(m.helper, region.Size())}
	m.chunks = append(m.chunks, c)
	m.allocated += uint64(region.Size())
	slogger().Debug("mapped memory chunk created",
		slog.Int("shm_id", int(region.ID())),
		slog.Uint64("size", uint64(region.Size())))
	return m.allocIn(c, size)
}

func (m *MappedMemoryManager) allocIn(c *memoryChunk, size uint32) (Allocation, error) {
	off, err := c.alloc.Alloc(size)
	if err != nil {
		return Allocation{}, err
	}
	data, err := c.region.Slice(off, size)
	if err != nil {
		c.alloc.Free(off)
		return Allocation{}, err
	}
	return Allocation{Data: data, ShmID: c.region.ID(), Offset: off}, nil
}

func (m *MappedMemoryManager) chunk(shmID int32) *memoryChunk {
	for _, c := range m.chunks {
		if c.region.ID() == shmID {
			return c
		}
	}
	return nil
}

// Free releases a immediately. No command may still reference it.
func (m *MappedMemoryManager) Free(a Allocation) {
	if c := m.chunk(a.ShmID); c != nil {
		c.alloc.Free(a.Offset)
	}
}

// FreePendingToken releases a once the service processed token.
func (m *MappedMemoryManager) FreePendingToken(a Allocation, token int32) {
	if c := m.chunk(a.ShmID); c != nil {
		c.alloc.FreePendingToken(a.Offset, token)
	}
}

// FreeUnused reclaims passed pending blocks and unmaps chunks that hold no
// block at all.
func (m *MappedMemoryManager) FreeUnused() {
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		c.alloc.FreeUnused()
		if c.alloc.InUseOrFreePending() {
			kept = append(kept, c)
			continue
		}
		m.allocated -= uint64(c.region.Size())
		m.helper.CommandBuffer().DestroyTransferBuffer(c.region.ID())
	}
	clear(m.chunks[len(kept):])
	m.chunks = kept
}

// Release unmaps every chunk. The caller guarantees the service finished
// with all of them.
func (m *MappedMemoryManager) Release() {
	for _, c := range m.chunks {
		m.helper.CommandBuffer().DestroyTransferBuffer(c.region.ID())
	}
	m.chunks = nil
	m.allocated = 0
}
