// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
	"github.com/gogpu/wgpu/hal"
)

// heldQueue reports submissions complete only up to a limit the test moves.
type heldQueue struct {
	hal.Queue
	submits   atomic.Uint64
	completed atomic.Uint64
	failNext  atomic.Bool
}

func (q *heldQueue) Submit(cbs []hal.CommandBuffer) (uint64, error) {
	if q.failNext.Swap(false) {
		return 0, errors.New("submit rejected")
	}
	idx, err := q.Queue.Submit(cbs)
	if err == nil {
		q.submits.Add(1)
	}
	return idx, err
}

func (q *heldQueue) PollCompleted() uint64 {
	return min(q.Queue.PollCompleted(), q.completed.Load())
}

func newHeldService(t *testing.T) (*Service, *heldQueue) {
	t.Helper()
	device, queue, cleanup := createNoopDevice(t)
	t.Cleanup(cleanup)
	shms := shm.NewRegistry()
	t.Cleanup(func() { _ = shms.Close() })
	held := &heldQueue{Queue: queue}
	s, err := New(device, held, shms, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, held
}

func TestQueriesWaitForQueueCompletion(t *testing.T) {
	s, held := newHeldService(t)
	w := newRing(t, s, 1, 1024)
	queries := newBlock(t, s, 64)

	w.ids(protocol.OpGenQueriesImmediate, 1)
	w.cmd(protocol.OpBeginQuery, protocol.QueryCommandsCompleted, 1, shmArg(queries), 0, 1)
	w.cmd(protocol.OpEndQuery, protocol.QueryCommandsCompleted, 1)
	w.flush()
	drain(t, s)

	if got := held.submits.Load(); got != 1 {
		t.Fatalf("submits = %d, want 1", got)
	}
	words, _ := queries.Words(0, 4)
	q, _ := protocol.NewQuerySync(words)
	if q.ProcessCount() != 0 {
		t.Fatal("query completed before the queue finished its submit")
	}

	held.completed.Store(^uint64(0))
	s.pollFence(0)
	s.retireQueries()
	if q.ProcessCount() != 1 || q.Result() != 1 {
		t.Errorf("query = count %d result %d, want 1 and 1", q.ProcessCount(), q.Result())
	}
	if len(s.inflight) != 0 || s.completedFence != s.fenceValue {
		t.Errorf("inflight = %d, completed fence %d of %d", len(s.inflight), s.completedFence, s.fenceValue)
	}
}

func TestRetireSubmissionsInOrder(t *testing.T) {
	s := &Service{inflight: []submission{{fence: 1, index: 4}, {fence: 2, index: 7}, {fence: 3, index: 9}}}

	tests := []struct {
		done      uint64
		completed uint64
		inflight  int
	}{
		{done: 3, completed: 0, inflight: 3},
		{done: 7, completed: 2, inflight: 1},
		{done: 8, completed: 2, inflight: 1},
		{done: 20, completed: 3, inflight: 0},
	}
	for _, tt := range tests {
		s.retireSubmissions(tt.done)
		if s.completedFence != tt.completed || len(s.inflight) != tt.inflight {
			t.Errorf("after done=%d: completed %d inflight %d, want %d and %d",
				tt.done, s.completedFence, len(s.inflight), tt.completed, tt.inflight)
		}
	}
}

func TestSubmitFailureLosesContexts(t *testing.T) {
	s, held := newHeldService(t)
	w := newRing(t, s, 1, 1024)
	queries := newBlock(t, s, 64)

	held.failNext.Store(true)
	w.ids(protocol.OpGenQueriesImmediate, 1)
	w.cmd(protocol.OpBeginQuery, protocol.QueryCommandsCompleted, 1, shmArg(queries), 0, 1)
	w.cmd(protocol.OpEndQuery, protocol.QueryCommandsCompleted, 1)
	w.flush()
	drain(t, s)

	if st := w.stub.LastState(); st.ContextLostReason != protocol.LostReasonDeviceLost {
		t.Errorf("reason = %v, want DeviceLost", st.ContextLostReason)
	}
}
