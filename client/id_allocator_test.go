// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"math"
	"testing"
)

func TestIDAllocatorLowestFree(t *testing.T) {
	a := NewIDAllocator()
	for want := uint32(1); want <= 3; want++ {
		if got := a.AllocateID(); got != want {
			t.Fatalf("AllocateID() = %d, want %d", got, want)
		}
	}
	a.FreeID(2)
	if a.InUse(2) {
		t.Fatal("2 in use after FreeID")
	}
	if got := a.AllocateID(); got != 2 {
		t.Errorf("AllocateID() = %d, want the freed 2", got)
	}
	if !a.InUse(InvalidID) {
		t.Error("InvalidID must always be reported used")
	}
}

func TestIDAllocatorRanges(t *testing.T) {
	a := NewIDAllocator()
	_ = a.AllocateIDRange(3)

	tests := []struct {
		name string
		op   func() uint32
		want uint32
	}{
		{"at or above free id", func() uint32 { return a.AllocateIDAtOrAbove(10) }, 10},
		{"at or above used id", func() uint32 { return a.AllocateIDAtOrAbove(10) }, 11},
		{"range into lowest gap", func() uint32 { return a.AllocateIDRange(2) }, 4},
		{"range too large for gap", func() uint32 { return a.AllocateIDRange(5) }, 12},
		{"empty range", func() uint32 { return a.AllocateIDRange(0) }, InvalidID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.op(); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}

	a.FreeIDRange(4, 2)
	for id := uint32(4); id < 6; id++ {
		if a.InUse(id) {
			t.Errorf("%d in use after FreeIDRange", id)
		}
	}
	if !a.InUse(3) || !a.InUse(10) {
		t.Error("FreeIDRange freed neighbours")
	}
}

func TestIDAllocatorMarkAsUsed(t *testing.T) {
	a := NewIDAllocator()
	if !a.MarkAsUsed(7) {
		t.Fatal("MarkAsUsed(7) = false for a free id")
	}
	if a.MarkAsUsed(7) {
		t.Error("MarkAsUsed(7) = true twice")
	}
	if a.MarkAsUsed(InvalidID) {
		t.Error("MarkAsUsed(InvalidID) = true")
	}
	if !a.MarkAsUsed(8) || !a.MarkAsUsed(6) {
		t.Fatal("MarkAsUsed of neighbours failed")
	}
	if got := a.AllocateIDAtOrAbove(6); got != 9 {
		t.Errorf("AllocateIDAtOrAbove(6) = %d, want 9 past the merged range", got)
	}
	if got := a.AllocateID(); got != 1 {
		t.Errorf("AllocateID() = %d, want 1", got)
	}
}

func TestIDAllocatorExhaustion(t *testing.T) {
	a := NewIDAllocator()
	if !a.MarkAsUsed(math.MaxUint32) {
		t.Fatal("MarkAsUsed(MaxUint32) failed")
	}
	if got := a.AllocateIDAtOrAbove(math.MaxUint32); got != InvalidID {
		t.Errorf("AllocateIDAtOrAbove(MaxUint32) = %d, want InvalidID", got)
	}
	a.FreeIDRange(1, math.MaxUint32)
	if a.InUse(math.MaxUint32) {
		t.Error("FreeIDRange to the top left MaxUint32 used")
	}
}
