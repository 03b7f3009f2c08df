// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"time"

	"github.com/gogpu/cmdbuf/internal/protocol"
)

// activeQuery is a query between its Begin and End.
type activeQuery struct {
	id       uint32
	sync     protocol.QuerySync
	submit   uint32
	began    time.Time
	samples  uint64
	commands uint64
}

// pendingQuery is an ended query waiting for the device.
type pendingQuery struct {
	target uint32
	sync   protocol.QuerySync
	submit uint32
	fence  uint64
	began  time.Time
	result uint64
}

// queryManager tracks the queries of one command buffer. Results are written
// to the shared QuerySync record once the fence submitted after End passed.
type queryManager struct {
	generated map[uint32]struct{}
	active    map[uint32]*activeQuery
	pending   []pendingQuery
}

func newQueryManager() *queryManager {
	return &queryManager{
		generated: make(map[uint32]struct{}),
		active:    make(map[uint32]*activeQuery),
	}
}

// immediate reports whether queries of target complete at End without
// waiting for the device.
func immediate(target uint32) bool {
	switch target {
	case protocol.QueryGetError, protocol.QueryCommandsIssued, protocol.QueryAsyncPixelUnpackCompleted:
		return true
	}
	return false
}

// retire completes every pending query whose fence passed and returns how
// many are still pending.
func (m *queryManager) retire(completedFence uint64, now time.Time) int {
	kept := m.pending[:0]
	for _, q := range m.pending {
		if q.fence > completedFence {
			kept = append(kept, q)
			continue
		}
		result := q.result
		if q.target == protocol.QueryTimeElapsed {
			result = uint64(max(now.Sub(q.began), 0)) //nolint:gosec // clamped non-negative
		}
		q.sync.Complete(q.submit, result)
	}
	clear(m.pending[len(kept):])
	m.pending = kept
	return len(m.pending)
}

// drop forgets every query without completing it.
func (m *queryManager) drop() {
	clear(m.active)
	m.pending = nil
}
