// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
)

// Transfer buffer defaults.
const (
	DefaultTransferBufferStartSize = 64 << 10
	DefaultTransferBufferMinSize   = 64 << 10
	DefaultTransferBufferMaxSize   = 16 << 20
	DefaultTransferBufferAlignment = 16

	// defaultShrinkThreshold is how many times the recent high water mark
	// must stream through the buffer before it is resized down.
	defaultShrinkThreshold = 120
)

// Allocation is a block of shared memory that commands reference by
// (ShmID, Offset).
type Allocation struct {
	// Data is the writable view of the block.
	Data []byte

	// ShmID identifies the shared region holding the block.
	ShmID int32

	// Offset is the block offset inside the region.
	Offset uint32
}

// Size returns the block size in bytes.
func (a Allocation) Size() uint32 {
	return uint32(len(a.Data)) //nolint:gosec // bounded by shm.MaxRegionSize
}

// Valid reports whether the allocation holds memory.
func (a Allocation) Valid() bool {
	return a.Data != nil
}

// TransferBufferConfig sizes a [TransferBuffer]. Zero fields take defaults.
type TransferBufferConfig struct {
	// StartSize is the size of the first region.
	StartSize uint32

	// MinSize is the smallest region the buffer shrinks to.
	MinSize uint32

	// MaxSize is the largest region the buffer grows to.
	MaxSize uint32

	// Alignment of every block. Must be a power of two.
	Alignment uint32

	// FlushAfterBytes flushes the helper once this many bytes were allocated
	// since the last such flush. 0 selects MaxSize/4.
	FlushAfterBytes uint32

	// ShrinkThreshold controls how eagerly the region shrinks back after a
	// large allocation retired. 0 selects the default.
	ShrinkThreshold uint32
}

func (c TransferBufferConfig) withDefaults() (TransferBufferConfig, error) {
	if c.StartSize == 0 {
		c.StartSize = DefaultTransferBufferStartSize
	}
	if c.MinSize == 0 {
		c.MinSize = min(DefaultTransferBufferMinSize, c.StartSize)
	}
	if c.MaxSize == 0 {
		c.MaxSize = max(DefaultTransferBufferMaxSize, c.StartSize)
	}
	if c.Alignment == 0 {
		c.Alignment = DefaultTransferBufferAlignment
	}
	if c.FlushAfterBytes == 0 {
		c.FlushAfterBytes = c.MaxSize / 4
	}
	if c.ShrinkThreshold == 0 {
		c.ShrinkThreshold = defaultShrinkThreshold
	}
	switch {
	case c.Alignment&(c.Alignment-1) != 0:
		return c, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidConfig, c.Alignment)
	case c.MinSize > c.StartSize || c.StartSize > c.MaxSize:
		return c, fmt.Errorf("%w: need min %d <= start %d <= max %d", ErrInvalidConfig, c.MinSize, c.StartSize, c.MaxSize)
	case c.MinSize <= protocol.ResultSize:
		return c, fmt.Errorf("%w: min size %d leaves no room past the result area", ErrInvalidConfig, c.MinSize)
	}
	return c, nil
}

// TransferBuffer is a resizable shared region managed as a ring. The first
// protocol.ResultSize bytes are reserved for small synchronous results.
//
// Blocks are freed with FreePendingToken and reused only after the service
// processed the token. The region grows when a request does not fit and no
// block is in use, and shrinks back once large requests stop.
//
// TransferBuffer is not safe for concurrent use.
type TransferBuffer struct {
	helper *CommandBufferHelper
	cfg    TransferBufferConfig

	maxSize uint32
	usable  bool

	region *shm.Region
	ring   *RingAllocator

	bytesSinceLastFlush  uint64
	bytesSinceLastShrink uint64
	highWaterMark        uint32
}

// NewTransferBuffer creates a transfer buffer and maps its first region.
func NewTransferBuffer(helper *CommandBufferHelper, cfg TransferBufferConfig) (*TransferBuffer, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	tb := &TransferBuffer{
		helper:  helper,
		cfg:     cfg,
		maxSize: cfg.MaxSize,
		usable:  true,
	}
	tb.allocateRegion(cfg.StartSize)
	if tb.region == nil {
		return nil, fmt.Errorf("%w: transfer buffer of %d bytes", ErrOutOfMemory, cfg.StartSize)
	}
	return tb, nil
}

// allocateRegion maps the largest region not above size, halving on failure.
func (tb *TransferBuffer) allocateRegion(size uint32) {
	for ; size >= tb.cfg.MinSize; size /= 2 {
		region, err := tb.helper.CommandBuffer().CreateTransferBuffer(size)
		if err == nil {
			tb.region = region
			tb.ring = NewRingAllocator(tb.helper, region.Size()-protocol.ResultSize, tb.cfg.Alignment)
			slogger().Debug("transfer buffer allocated",
				slog.Int("shm_id", int(region.ID())),
				slog.Uint64("size", uint64(size)))
			return
		}
		slogger().Warn("transfer buffer allocation failed",
			slog.Uint64("size", uint64(size)), slog.String("error", err.Error()))
		// Never try this large again.
		tb.maxSize = alignDown(size/2, tb.cfg.Alignment)
	}
	tb.usable = false
}

// Free waits for the service to stop reading the region and releases it.
// The next allocation maps a new region.
func (tb *TransferBuffer) Free() {
	if tb.region == nil {
		return
	}
	_ = tb.helper.Finish()
	tb.helper.CommandBuffer().DestroyTransferBuffer(tb.region.ID())
	tb.region = nil
	tb.ring = nil
	tb.bytesSinceLastFlush = 0
}

func nextPowerOfTwo(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

func (tb *TransferBuffer) reallocate(size uint32, shrink bool) {
	needed := nextPowerOfTwo(size + protocol.ResultSize)
	needed = max(needed, tb.cfg.MinSize)
	if tb.region == nil {
		needed = max(needed, tb.cfg.StartSize)
	}
	needed = min(needed, tb.maxSize)

	var current uint32
	if tb.region != nil {
		current = tb.region.Size()
	}
	if current == needed {
		return
	}
	if tb.usable && (shrink || needed > current || tb.region == nil) {
		tb.Free()
		tb.allocateRegion(needed)
	}
}

// shrinkOrExpand resizes the region for a request of size bytes. Regions
// with live blocks are never resized.
func (tb *TransferBuffer) shrinkOrExpand(size uint32) {
	if tb.region != nil && tb.ring.NumUsedBlocks() > 0 {
		return
	}
	var available uint32
	if tb.ring != nil {
		available = tb.ring.LargestFreeOrPendingSize()
	}
	tb.highWaterMark = max(tb.highWaterMark, size)
	if size > available {
		tb.reallocate(tb.highWaterMark, false)
		return
	}
	if tb.bytesSinceLastShrink > uint64(tb.highWaterMark)*uint64(tb.cfg.ShrinkThreshold) {
		tb.bytesSinceLastShrink = 0
		tb.reallocate(tb.highWaterMark+tb.highWaterMark/4, true)
		tb.highWaterMark = size
	}
}

// Alloc returns a block of exactly size bytes, or ErrOutOfMemory when the
// buffer cannot hold it even after growing.
func (tb *TransferBuffer) Alloc(size uint32) (Allocation, error) {
	if size == 0 {
		return Allocation{}, fmt.Errorf("%w: empty allocation", ErrOutOfMemory)
	}
	tb.shrinkOrExpand(size)
	if tb.region == nil {
		return Allocation{}, fmt.Errorf("%w: no transfer buffer", ErrOutOfMemory)
	}
	if largest := tb.ring.LargestFreeOrPendingSize(); size > largest {
		return Allocation{}, fmt.Errorf("%w: %d bytes, at most %d available", ErrOutOfMemory, size, largest)
	}
	return tb.allocIn(size)
}

// AllocUpTo returns a block of at most size bytes, as large as the buffer can
// provide. Callers split larger payloads across several allocations.
func (tb *TransferBuffer) AllocUpTo(size uint32) (Allocation, error) {
	if size == 0 {
		return Allocation{}, fmt.Errorf("%w: empty allocation", ErrOutOfMemory)
	}
	tb.shrinkOrExpand(size)
	if tb.region == nil {
		return Allocation{}, fmt.Errorf("%w: no transfer buffer", ErrOutOfMemory)
	}
	n := min(size, tb.ring.LargestFreeOrPendingSize())
	if n == 0 {
		return Allocation{}, fmt.Errorf("%w: transfer buffer exhausted", ErrOutOfMemory)
	}
	return tb.allocIn(n)
}

func (tb *TransferBuffer) allocIn(size uint32) (Allocation, error) {
	off, err := tb.ring.Alloc(size)
	if err != nil {
		return Allocation{}, err
	}
	tb.bytesSinceLastFlush += uint64(size)
	tb.bytesSinceLastShrink += uint64(size)
	offset := protocol.ResultSize + off
	data, err := tb.region.Slice(offset, size)
	if err != nil {
		tb.ring.DiscardBlock(off)
		return Allocation{}, err
	}
	return Allocation{Data: data, ShmID: tb.region.ID(), Offset: offset}, nil
}

func (tb *TransferBuffer) owns(a Allocation) bool {
	return tb.region != nil && a.ShmID == tb.region.ID() && a.Offset >= protocol.ResultSize
}

// FreePendingToken releases a once the service processed token.
func (tb *TransferBuffer) FreePendingToken(a Allocation, token int32) {
	if !tb.owns(a) {
		slogger().Warn("transfer buffer: free of foreign block", slog.Int("shm_id", int(a.ShmID)))
		return
	}
	tb.ring.FreePendingToken(a.Offset-protocol.ResultSize, token)
	if tb.bytesSinceLastFlush >= uint64(tb.cfg.FlushAfterBytes) {
		tb.bytesSinceLastFlush = 0
		tb.helper.Flush()
	}
}

// Release frees a after every command written so far, inserting a token.
func (tb *TransferBuffer) Release(a Allocation) {
	tb.FreePendingToken(a, tb.helper.InsertToken())
}

// DiscardBlock releases a immediately. No command may reference it.
func (tb *TransferBuffer) DiscardBlock(a Allocation) {
	if !tb.owns(a) {
		return
	}
	tb.ring.DiscardBlock(a.Offset - protocol.ResultSize)
}

// HaveBuffer reports whether a region is mapped.
func (tb *TransferBuffer) HaveBuffer() bool { return tb.region != nil }

// Size returns the current region size, or 0 when none is mapped.
func (tb *TransferBuffer) Size() uint32 {
	if tb.region == nil {
		return 0
	}
	return tb.region.Size()
}

// MaxSize returns the current upper bound for the region size.
func (tb *TransferBuffer) MaxSize() uint32 { return tb.maxSize }

// ShmID returns the region id, or shm.InvalidID when none is mapped.
func (tb *TransferBuffer) ShmID() int32 {
	if tb.region == nil {
		return shm.InvalidID
	}
	return tb.region.ID()
}

// LargestFreeSizeNoWaiting returns the largest block available right now.
func (tb *TransferBuffer) LargestFreeSizeNoWaiting() uint32 {
	if tb.ring == nil {
		return 0
	}
	return tb.ring.LargestFreeSizeNoWaiting()
}

// InUseOrFreePending reports whether any block is outstanding.
func (tb *TransferBuffer) InUseOrFreePending() bool {
	return tb.ring != nil && tb.ring.InUseOrFreePending()
}

// ResultBuffer returns the reserved result area, mapping a region first if
// needed. It returns nil when no region can be mapped.
func (tb *TransferBuffer) ResultBuffer() []byte {
	if tb.region == nil {
		tb.reallocate(0, false)
	}
	if tb.region == nil {
		return nil
	}
	b, _ := tb.region.Slice(0, protocol.ResultSize)
	return b
}

// ResultShmID returns the region id holding the result area.
func (tb *TransferBuffer) ResultShmID() int32 { return tb.ShmID() }

// ResultShmOffset returns the offset of the result area.
func (tb *TransferBuffer) ResultShmOffset() uint32 { return 0 }
