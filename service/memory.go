// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"errors"
	"fmt"
	"sync"
)

// ErrMemoryBudgetExceeded is returned when an allocation would exceed the
// device memory budget.
var ErrMemoryBudgetExceeded = errors.New("service: memory budget exceeded")

// MemoryStats contains device memory usage of a service.
type MemoryStats struct {
	// TotalBytes is the budget in bytes.
	TotalBytes uint64

	// UsedBytes is the memory held by live buffers and textures.
	UsedBytes uint64

	// AvailableBytes is the remaining budget.
	AvailableBytes uint64

	// BufferCount is the number of buffers with a store.
	BufferCount int

	// TextureCount is the number of textures and renderbuffers with a store.
	TextureCount int

	// Rejected is the number of allocations refused for lack of budget.
	Rejected uint64

	// Utilization is the fraction of the budget used (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable form of s.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d KB, %d buffers, %d textures, %d rejected]",
		s.Utilization*100,
		s.UsedBytes/1024,
		s.TotalBytes/1024,
		s.BufferCount,
		s.TextureCount,
		s.Rejected)
}

type allocKind int

const (
	allocBuffer allocKind = iota
	allocTexture
)

// memoryBudget accounts the device memory of every share group of a
// service. Objects in use cannot be evicted, so an allocation that does not
// fit is refused.
//
// memoryBudget is safe for concurrent use.
type memoryBudget struct {
	mu       sync.Mutex
	total    uint64
	used     uint64
	counts   [2]int
	rejected uint64
}

func newMemoryBudget(total uint64) *memoryBudget {
	return &memoryBudget{total: total}
}

// reserve accounts n bytes replacing a store of old bytes (0 for none). On
// failure nothing changes.
func (m *memoryBudget) reserve(kind allocKind, n, old uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used-old+n > m.total {
		m.rejected++
		return fmt.Errorf("%w: %d bytes requested, %d available",
			ErrMemoryBudgetExceeded, n, m.total-(m.used-old))
	}
	m.used = m.used - old + n
	switch {
	case old == 0 && n > 0:
		m.counts[kind]++
	case old > 0 && n == 0:
		m.counts[kind]--
	}
	return nil
}

// release returns a store of n bytes.
func (m *memoryBudget) release(kind allocKind, n uint64) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= n
	m.counts[kind]--
}

func (m *memoryBudget) stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := MemoryStats{
		TotalBytes:     m.total,
		UsedBytes:      m.used,
		AvailableBytes: m.total - m.used,
		BufferCount:    m.counts[allocBuffer],
		TextureCount:   m.counts[allocTexture],
		Rejected:       m.rejected,
	}
	if m.total > 0 {
		s.Utilization = float64(m.used) / float64(m.total)
	}
	return s
}
