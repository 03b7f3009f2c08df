// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import "testing"

func TestMappedMemoryChunks(t *testing.T) {
	h, svc := newTestHelper(t, 4096)
	m := NewMappedMemoryManager(h, 0)
	m.SetChunkSizeMultiple(4096)
	regions := svc.shms.Len()

	a, err := m.Alloc(1000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if m.NumChunks() != 1 || m.AllocatedMemory() != 4096 {
		t.Fatalf("chunks = %d, allocated = %d; want one 4096 byte chunk", m.NumChunks(), m.AllocatedMemory())
	}
	b, err := m.Alloc(2000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if b.ShmID != a.ShmID {
		t.Error("second block did not share the chunk")
	}
	c, err := m.Alloc(5000)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if m.NumChunks() != 2 || c.ShmID == a.ShmID {
		t.Fatalf("chunks = %d, want a second chunk for 5000 bytes", m.NumChunks())
	}
	if m.AllocatedMemory() != 4096+8192 {
		t.Errorf("AllocatedMemory() = %d, want %d", m.AllocatedMemory(), 4096+8192)
	}
	if svc.shms.Len() != regions+2 {
		t.Errorf("regions = %d, want %d", svc.shms.Len(), regions+2)
	}
}

func TestMappedMemoryFreeUnusedUnmaps(t *testing.T) {
	h, svc := newTestHelper(t, 4096)
	m := NewMappedMemoryManager(h, 0)
	m.SetChunkSizeMultiple(4096)
	regions := svc.shms.Len()

	a, err := m.Alloc(256)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	b, err := m.Alloc(512)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	m.Free(a)
	m.FreePendingToken(b, h.InsertToken())
	m.FreeUnused()
	if m.NumChunks() != 1 {
		t.Fatalf("chunk with a pending block unmapped")
	}

	if err := h.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	m.FreeUnused()
	if m.NumChunks() != 0 || m.AllocatedMemory() != 0 {
		t.Errorf("chunks = %d, allocated = %d after FreeUnused", m.NumChunks(), m.AllocatedMemory())
	}
	if svc.shms.Len() != regions {
		t.Errorf("regions = %d, want %d", svc.shms.Len(), regions)
	}
}

func TestMappedMemoryMaxAllocated(t *testing.T) {
	h, _ := newTestHelper(t, 4096)
	m := NewMappedMemoryManager(h, 0)
	m.SetChunkSizeMultiple(1024)
	m.SetMaxAllocatedBytes(2048)

	if _, err := m.Alloc(2000); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	_, err := m.Alloc(100)
	wantErrIs(t, err, ErrOutOfMemory)
}

func TestMappedMemoryReclaimWaits(t *testing.T) {
	h, svc := newTestHelper(t, 4096)
	svc.paused = true
	m := NewMappedMemoryManager(h, 1)
	m.SetChunkSizeMultiple(1024)

	a, err := m.Alloc(1024)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	m.FreePendingToken(a, h.InsertToken())
	b, err := m.Alloc(1024)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if m.NumChunks() != 1 || b.ShmID != a.ShmID {
		t.Errorf("chunks = %d, want the pending block reused", m.NumChunks())
	}
	if svc.waits == 0 {
		t.Error("reuse did not wait for the token")
	}
}
