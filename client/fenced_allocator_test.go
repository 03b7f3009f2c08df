// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import "testing"

func mustFencedAlloc(t *testing.T, f *FencedAllocator, size uint32) uint32 {
	t.Helper()
	off, err := f.Alloc(size)
	if err != nil {
		t.Fatalf("Alloc(%d) failed: %v", size, err)
	}
	if err := f.CheckConsistency(); err != nil {
		t.Fatalf("after Alloc(%d): %v", size, err)
	}
	return off
}

func TestFencedAllocatorFirstFit(t *testing.T) {
	h, _ := newTestHelper(t, 4096)
	f := NewFencedAllocator(h, 1024)

	a := mustFencedAlloc(t, f, 100)
	b := mustFencedAlloc(t, f, 200)
	c := mustFencedAlloc(t, f, 16)
	if a != 0 || b != 112 || c != 320 {
		t.Fatalf("offsets = %d, %d, %d; want 0, 112, 320", a, b, c)
	}
	if f.BytesInUse() != 112+208+16 {
		t.Errorf("BytesInUse() = %d, want %d", f.BytesInUse(), 112+208+16)
	}

	f.Free(b)
	if err := f.CheckConsistency(); err != nil {
		t.Fatal(err)
	}
	if d := mustFencedAlloc(t, f, 50); d != 112 {
		t.Errorf("first fit returned %d, want the hole at 112", d)
	}
	if got := f.LargestFreeSize(); got != 1024-336 {
		t.Errorf("LargestFreeSize() = %d, want %d", got, 1024-336)
	}
}

func TestFencedAllocatorCoalesces(t *testing.T) {
	h, _ := newTestHelper(t, 4096)
	f := NewFencedAllocator(h, 1024)

	offs := make([]uint32, 4)
	for i := range offs {
		offs[i] = mustFencedAlloc(t, f, 256)
	}
	if _, err := f.Alloc(16); err == nil {
		t.Fatal("Alloc succeeded in a full allocator")
	}
	// Free out of order so both merge directions are taken.
	for _, i := range []int{1, 3, 0, 2} {
		f.Free(offs[i])
		if err := f.CheckConsistency(); err != nil {
			t.Fatalf("after freeing block %d: %v", i, err)
		}
	}
	if f.InUseOrFreePending() {
		t.Error("InUseOrFreePending() with every block freed")
	}
	if f.LargestFreeSize() != 1024 {
		t.Errorf("LargestFreeSize() = %d, want 1024", f.LargestFreeSize())
	}
}

func TestFencedAllocatorWaitsOnPendingBlocks(t *testing.T) {
	h, svc := newTestHelper(t, 4096)
	svc.paused = true
	f := NewFencedAllocator(h, 1024)

	a := mustFencedAlloc(t, f, 512)
	_ = mustFencedAlloc(t, f, 512)
	f.FreePendingToken(a, h.InsertToken())

	if got := f.LargestFreeSize(); got != 0 {
		t.Fatalf("LargestFreeSize() = %d before the token passed, want 0", got)
	}
	if got := f.LargestFreeOrPendingSize(); got != 512 {
		t.Fatalf("LargestFreeOrPendingSize() = %d, want 512", got)
	}
	if off := mustFencedAlloc(t, f, 256); off != a {
		t.Errorf("Alloc returned %d, want the reclaimed block at %d", off, a)
	}
	if svc.waits == 0 {
		t.Error("Alloc reused a pending block without waiting")
	}
}

func TestFencedAllocatorFreeUnused(t *testing.T) {
	h, _ := newTestHelper(t, 4096)
	f := NewFencedAllocator(h, 512)

	a := mustFencedAlloc(t, f, 128)
	f.FreePendingToken(a, h.InsertToken())
	if !f.InUseOrFreePending() {
		t.Fatal("pending block not reported")
	}
	if err := h.Finish(); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	f.FreeUnused()
	if f.InUseOrFreePending() {
		t.Error("passed block still pending after FreeUnused")
	}
	if err := f.CheckConsistency(); err != nil {
		t.Error(err)
	}
}
