// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

func makeIDs(h IDHandler, ctx IDContext, n int) []uint32 {
	ids := make([]uint32, n)
	h.MakeIDs(ctx, 0, ids)
	return ids
}

func TestStrictIDHandlerReusesAfterFlush(t *testing.T) {
	h := NewStrictIDHandler(NamespaceBuffers)
	ctx := &fakeIDContext{}

	ids := makeIDs(h, ctx, 3)
	if ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Fatalf("MakeIDs = %v, want [1 2 3]", ids)
	}

	bound := false
	if !h.MarkAsUsedForBind(ctx, 2, func(uint32) { bound = true }) || !bound {
		t.Fatal("binding an issued id failed")
	}

	var deleted []uint32
	if !h.FreeIDs(ctx, []uint32{2}, func(ids []uint32) { deleted = append(deleted, ids...) }) {
		t.Fatal("FreeIDs(2) = false")
	}
	if len(deleted) != 1 || deleted[0] != 2 {
		t.Fatalf("delete callback saw %v", deleted)
	}
	if n := ctx.data[NamespaceBuffers].PendingFreeIDs(); n != 1 {
		t.Errorf("PendingFreeIDs() = %d, want 1", n)
	}

	if id := makeIDs(h, ctx, 1)[0]; id == 2 {
		t.Fatal("freed id reused before the context flushed")
	}
	ctx.gen++
	if id := makeIDs(h, ctx, 1)[0]; id != 2 {
		t.Errorf("MakeIDs after a flush = %d, want 2", id)
	}
}

func TestStrictIDHandlerRejections(t *testing.T) {
	h := NewStrictIDHandler(NamespaceTextures)
	ctx := &fakeIDContext{}
	ids := makeIDs(h, ctx, 2)

	if h.MarkAsUsedForBind(ctx, 50, func(uint32) { t.Error("bind callback for an unissued id") }) {
		t.Error("binding an unissued id succeeded")
	}
	if !h.MarkAsUsedForBind(ctx, InvalidID, func(uint32) {}) {
		t.Error("binding 0 must always succeed")
	}
	called := false
	if h.FreeIDs(ctx, []uint32{ids[0], 50}, func([]uint32) { called = true }) {
		t.Error("FreeIDs with an unissued id succeeded")
	}
	if called {
		t.Error("rejected FreeIDs ran the delete")
	}
	if !h.FreeIDs(ctx, []uint32{ids[0]}, func([]uint32) {}) {
		t.Fatal("FreeIDs failed")
	}
	if h.FreeIDs(ctx, []uint32{ids[0]}, func([]uint32) {}) {
		t.Error("double free succeeded")
	}
	if h.MarkAsUsedForBind(ctx, ids[0], func(uint32) {}) {
		t.Error("binding a freed id succeeded")
	}
}

func TestStrictIDHandlerOtherContextsWait(t *testing.T) {
	h := NewStrictIDHandler(NamespaceBuffers)
	a, b := &fakeIDContext{}, &fakeIDContext{}

	ids := makeIDs(h, a, 1)
	h.FreeIDs(a, ids, func([]uint32) {})
	b.gen += 5
	if id := makeIDs(h, b, 1)[0]; id == ids[0] {
		t.Error("another context's flush released the id")
	}
	a.gen++
	h.FreeContext(a)
	if id := makeIDs(h, b, 1)[0]; id != ids[0] {
		t.Errorf("MakeIDs = %d, want %d released by FreeContext", id, ids[0])
	}
}

func TestReuseIDHandler(t *testing.T) {
	h := NewReuseIDHandler()
	ctx := &fakeIDContext{}

	ids := makeIDs(h, ctx, 2)
	var order []string
	h.FreeIDs(ctx, ids[:1], func([]uint32) { order = append(order, "delete") })
	if ctx.barriers != 1 {
		t.Errorf("ordering barriers = %d, want 1", ctx.barriers)
	}
	if len(order) != 1 {
		t.Fatal("delete callback not run")
	}
	if id := makeIDs(h, ctx, 1)[0]; id != ids[0] {
		t.Errorf("MakeIDs = %d, want immediate reuse of %d", id, ids[0])
	}

	if !h.MarkAsUsedForBind(ctx, 40, func(uint32) {}) || !h.InUse(40) {
		t.Error("binding an unused id did not claim it")
	}
	got := make([]uint32, 2)
	h.MakeIDs(ctx, 40, got)
	if got[0] != 41 || got[1] != 42 {
		t.Errorf("MakeIDs at offset 40 = %v, want [41 42]", got)
	}
}

func TestReuseIDHandlerRejectsFreeIDs(t *testing.T) {
	h := NewReuseIDHandler()
	ctx := &fakeIDContext{}
	ids := makeIDs(h, ctx, 2)

	tests := []struct {
		name string
		ids  []uint32
		want bool
	}{
		{"never allocated", []uint32{ids[0], 50}, false},
		{"first free", []uint32{ids[0]}, true},
		{"freed twice", []uint32{ids[0]}, false},
		{"mixed with freed", []uint32{ids[1], ids[0]}, false},
	}
	for _, tt := range tests {
		var deleted []uint32
		barriers := ctx.barriers
		got := h.FreeIDs(ctx, tt.ids, func(ids []uint32) { deleted = append(deleted, ids...) })
		if got != tt.want {
			t.Errorf("%s: FreeIDs(%v) = %v, want %v", tt.name, tt.ids, got, tt.want)
		}
		if !tt.want && (len(deleted) != 0 || ctx.barriers != barriers) {
			t.Errorf("%s: rejected FreeIDs deleted %v with %d barriers", tt.name, deleted, ctx.barriers-barriers)
		}
	}
	if !h.InUse(ids[1]) {
		t.Error("rejected FreeIDs released a live id")
	}
}

func TestNonReusedIDHandler(t *testing.T) {
	h := NewNonReusedIDHandler()
	ctx := &fakeIDContext{}

	ids := makeIDs(h, ctx, 2)
	h.FreeIDs(ctx, ids, func([]uint32) {})
	if id := makeIDs(h, ctx, 1)[0]; id <= ids[1] {
		t.Errorf("MakeIDs = %d after freeing %v, want a new id", id, ids)
	}
	if h.MarkAsUsedForBind(ctx, 99, func(uint32) {}) {
		t.Error("NonReused handler allowed a bind")
	}
}

func TestIDHandlersConcurrentContexts(t *testing.T) {
	handlers := map[string]IDHandler{
		"reuse":      NewReuseIDHandler(),
		"strict":     NewStrictIDHandler(NamespaceBuffers),
		"non-reused": NewNonReusedIDHandler(),
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			const contexts, perContext = 8, 200
			var (
				mu   sync.Mutex
				seen = make(map[uint32]bool)
			)
			var g errgroup.Group
			for range contexts {
				g.Go(func() error {
					ctx := &fakeIDContext{}
					for range perContext {
						ids := makeIDs(h, ctx, 1)
						mu.Lock()
						if seen[ids[0]] {
							mu.Unlock()
							t.Errorf("id %d handed out twice", ids[0])
							return nil
						}
						seen[ids[0]] = true
						mu.Unlock()
					}
					return nil
				})
			}
			_ = g.Wait()
			if len(seen) != contexts*perContext {
				t.Errorf("%d distinct ids, want %d", len(seen), contexts*perContext)
			}
		})
	}
}
