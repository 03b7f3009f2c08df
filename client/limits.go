// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import "fmt"

// DefaultCommandBufferSize is the default ring buffer size in bytes.
const DefaultCommandBufferSize = 1 << 20

// SharedMemoryLimits sizes the shared memory of one context.
type SharedMemoryLimits struct {
	// CommandBufferSize is the ring buffer size in bytes.
	CommandBufferSize uint32

	// StartTransferBufferSize, MinTransferBufferSize and
	// MaxTransferBufferSize bound the transfer buffer.
	StartTransferBufferSize uint32
	MinTransferBufferSize   uint32
	MaxTransferBufferSize   uint32

	// MappedMemoryChunkSize is the granularity of mapped memory chunks.
	MappedMemoryChunkSize uint32

	// MappedMemoryReclaimLimit is the free mapped memory above which
	// allocations wait for pending frees instead of mapping more.
	// 0 never waits.
	MappedMemoryReclaimLimit uint64
}

// DefaultSharedMemoryLimits returns the default limits.
func DefaultSharedMemoryLimits() SharedMemoryLimits {
	return SharedMemoryLimits{
		CommandBufferSize:        DefaultCommandBufferSize,
		StartTransferBufferSize:  DefaultTransferBufferStartSize,
		MinTransferBufferSize:    DefaultTransferBufferMinSize,
		MaxTransferBufferSize:    DefaultTransferBufferMaxSize,
		MappedMemoryChunkSize:    DefaultMappedMemoryChunkSize,
		MappedMemoryReclaimLimit: DefaultMappedMemoryReclaimLimit,
	}
}

// withDefaults fills zero fields with defaults.
func (l SharedMemoryLimits) withDefaults() (SharedMemoryLimits, error) {
	d := DefaultSharedMemoryLimits()
	if l.CommandBufferSize == 0 {
		l.CommandBufferSize = d.CommandBufferSize
	}
	if l.StartTransferBufferSize == 0 {
		l.StartTransferBufferSize = d.StartTransferBufferSize
	}
	if l.MinTransferBufferSize == 0 {
		l.MinTransferBufferSize = min(d.MinTransferBufferSize, l.StartTransferBufferSize)
	}
	if l.MaxTransferBufferSize == 0 {
		l.MaxTransferBufferSize = max(d.MaxTransferBufferSize, l.StartTransferBufferSize)
	}
	if l.MappedMemoryChunkSize == 0 {
		l.MappedMemoryChunkSize = d.MappedMemoryChunkSize
	}
	if l.CommandBufferSize < 1024 {
		return l, fmt.Errorf("%w: command buffer of %d bytes", ErrInvalidConfig, l.CommandBufferSize)
	}
	return l, nil
}

func (l SharedMemoryLimits) transferBufferConfig() TransferBufferConfig {
	return TransferBufferConfig{
		StartSize: l.StartTransferBufferSize,
		MinSize:   l.MinTransferBufferSize,
		MaxSize:   l.MaxTransferBufferSize,
	}
}
