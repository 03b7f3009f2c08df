// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/gogpu/cmdbuf/internal/protocol"
)

func TestShaderCacheCompile(t *testing.T) {
	c := newShaderCache(8)

	first := c.compile(testShader)
	if first.err != nil {
		t.Fatalf("compile failed: %v", first.err)
	}
	if len(first.spirv) == 0 {
		t.Fatal("compile returned no SPIR-V")
	}
	// SPIR-V magic number
	if first.spirv[0] != 0x07230203 {
		t.Errorf("magic = 0x%08x, want 0x07230203", first.spirv[0])
	}

	second := c.compile(testShader)
	if len(second.spirv) != len(first.spirv) {
		t.Errorf("cached SPIR-V length = %d, want %d", len(second.spirv), len(first.spirv))
	}
	if got := c.stats(); got.Hits != 1 || got.Misses != 1 || got.Len != 1 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss, 1 entry", got)
	}
}

func TestShaderCacheCachesFailures(t *testing.T) {
	c := newShaderCache(8)
	for range 2 {
		if res := c.compile("not wgsl"); res.err == nil {
			t.Fatal("compile of invalid source succeeded")
		}
	}
	if got := c.stats(); got.Hits != 1 || got.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss", got)
	}
}

func TestShaderCacheEviction(t *testing.T) {
	c := newShaderCache(4)
	for i := range 4 {
		c.compile(fmt.Sprintf("broken %d", i))
	}
	// Touch the oldest entry so it survives eviction.
	c.compile("broken 0")
	c.compile("broken 4")

	got := c.stats()
	if got.Len != 3 {
		t.Errorf("Len = %d, want 3", got.Len)
	}
	if got.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", got.Evictions)
	}
	before := c.stats().Hits
	c.compile("broken 0")
	if c.stats().Hits != before+1 {
		t.Error("recently used entry was evicted")
	}

	c.clear()
	if got := c.stats(); got.Len != 0 {
		t.Errorf("Len after clear = %d, want 0", got.Len)
	}
}

func TestQueryManagerRetire(t *testing.T) {
	m := newQueryManager()
	mem := make([]uint32, 12)
	elapsed, _ := protocol.NewQuerySync(mem[0:4])
	completed, _ := protocol.NewQuerySync(mem[4:8])
	later, _ := protocol.NewQuerySync(mem[8:12])

	began := time.Now().Add(-time.Millisecond)
	m.pending = []pendingQuery{
		{target: protocol.QueryTimeElapsed, sync: elapsed, submit: 1, fence: 1, began: began},
		{target: protocol.QueryCommandsCompleted, sync: completed, submit: 2, fence: 1, result: 1},
		{target: protocol.QueryCommandsCompleted, sync: later, submit: 3, fence: 2, result: 1},
	}

	if n := m.retire(1, time.Now()); n != 1 {
		t.Fatalf("retire(1) pending = %d, want 1", n)
	}
	if elapsed.ProcessCount() != 1 || elapsed.Result() < uint64(time.Millisecond) {
		t.Errorf("TimeElapsed = count %d result %d, want count 1 and at least 1ms",
			elapsed.ProcessCount(), elapsed.Result())
	}
	if completed.ProcessCount() != 2 || completed.Result() != 1 {
		t.Errorf("CommandsCompleted = count %d result %d, want 2 and 1",
			completed.ProcessCount(), completed.Result())
	}
	if later.ProcessCount() != 0 {
		t.Error("query of a later fence completed early")
	}

	if n := m.retire(2, time.Now()); n != 0 {
		t.Errorf("retire(2) pending = %d, want 0", n)
	}
	if later.ProcessCount() != 3 {
		t.Errorf("later count = %d, want 3", later.ProcessCount())
	}
}

func TestImmediateTargets(t *testing.T) {
	tests := []struct {
		target uint32
		want   bool
	}{
		{protocol.QueryGetError, true},
		{protocol.QueryCommandsIssued, true},
		{protocol.QueryAsyncPixelUnpackCompleted, true},
		{protocol.QueryAnySamplesPassed, false},
		{protocol.QueryTimeElapsed, false},
		{protocol.QueryCommandsCompleted, false},
	}
	for _, tt := range tests {
		if got := immediate(tt.target); got != tt.want {
			t.Errorf("immediate(0x%x) = %v, want %v", tt.target, got, tt.want)
		}
	}
}
