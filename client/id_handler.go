// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"fmt"
	"sync"
)

// Namespace is a resource ID namespace.
type Namespace int

// Namespaces shared between the contexts of a ShareGroup.
const (
	NamespaceBuffers Namespace = iota
	NamespaceTextures
	NamespaceFramebuffers
	NamespaceRenderbuffers
	NamespaceProgramsAndShaders

	numSharedNamespaces
)

// Namespaces private to one context.
const (
	NamespaceQueries Namespace = numSharedNamespaces + iota
	NamespaceVertexArrays

	numNamespaces
)

var namespaceNames = [numNamespaces]string{
	"Buffers", "Textures", "Framebuffers", "Renderbuffers", "ProgramsAndShaders",
	"Queries", "VertexArrays",
}

// String returns the namespace name.
func (ns Namespace) String() string {
	if ns >= 0 && ns < numNamespaces {
		return namespaceNames[ns]
	}
	return fmt.Sprintf("Namespace(%d)", int(ns))
}

// IDContext is the per-context state an IDHandler consults.
type IDContext interface {
	// FlushGeneration returns the context's helper flush generation.
	FlushGeneration() uint32

	// OrderingBarrier publishes the context's commands ahead of anything
	// other contexts flush afterwards.
	OrderingBarrier()

	// IDHandlerData returns the context's bookkeeping for ns.
	IDHandlerData(ns Namespace) *IDHandlerData
}

// IDHandlerData is per-context, per-namespace bookkeeping.
type IDHandlerData struct {
	flushGeneration uint32
	freedIDs        []uint32
}

// PendingFreeIDs returns the number of IDs this context freed that are not
// yet reusable.
func (d *IDHandlerData) PendingFreeIDs() int { return len(d.freedIDs) }

// IDHandler allocates and frees the IDs of one namespace.
//
// Implementations are safe for concurrent use by the contexts of one share
// group.
type IDHandler interface {
	// MakeIDs fills ids with fresh IDs. A non-zero offset asks for IDs at or
	// above it where the strategy supports that.
	MakeIDs(ctx IDContext, offset uint32, ids []uint32)

	// FreeIDs issues deleteFn for ids and returns them to the namespace.
	// It returns false, without side effects, when ids are not all live.
	FreeIDs(ctx IDContext, ids []uint32, deleteFn func([]uint32)) bool

	// MarkAsUsedForBind records that id is being bound and runs bindFn.
	// It returns false when the strategy does not allow binding id.
	MarkAsUsedForBind(ctx IDContext, id uint32, bindFn func(uint32)) bool

	// FreeContext releases the bookkeeping ctx holds in this namespace.
	FreeContext(ctx IDContext)
}

// IDPolicy selects the IDHandler strategy of a namespace.
type IDPolicy int

// ID policies.
const (
	// PolicyReuse reuses freed IDs immediately and lets binding an unused
	// ID create it.
	PolicyReuse IDPolicy = iota

	// PolicyStrict hands out IDs only through MakeIDs and reuses a freed ID
	// only after the freeing context flushed again.
	PolicyStrict

	// PolicyNonReused never reuses an ID.
	PolicyNonReused
)

// String returns the policy name.
func (p IDPolicy) String() string {
	switch p {
	case PolicyReuse:
		return "Reuse"
	case PolicyStrict:
		return "Strict"
	case PolicyNonReused:
		return "NonReused"
	default:
		return fmt.Sprintf("IDPolicy(%d)", int(p))
	}
}

// NewIDHandler returns the handler implementing policy for ns.
func NewIDHandler(policy IDPolicy, ns Namespace) IDHandler {
	switch policy {
	case PolicyStrict:
		return NewStrictIDHandler(ns)
	case PolicyNonReused:
		return NewNonReusedIDHandler()
	default:
		return NewReuseIDHandler()
	}
}

// ReuseIDHandler hands out the lowest free IDs and reuses freed IDs
// immediately. The delete is published before the IDs are released so no
// other context can reuse an ID ahead of its delete.
type ReuseIDHandler struct {
	mu    sync.Mutex
	alloc *IDAllocator
}

// NewReuseIDHandler creates an immediate-reuse handler.
func NewReuseIDHandler() *ReuseIDHandler {
	return &ReuseIDHandler{alloc: NewIDAllocator()}
}

// MakeIDs implements IDHandler.
func (h *ReuseIDHandler) MakeIDs(_ IDContext, offset uint32, ids []uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range ids {
		if offset == 0 {
			ids[i] = h.alloc.AllocateID()
			continue
		}
		ids[i] = h.alloc.AllocateIDAtOrAbove(offset)
		offset = ids[i] + 1
	}
}

// FreeIDs implements IDHandler. Every ID must be allocated; otherwise
// nothing is deleted. The lock is held across the delete so a concurrent
// FreeIDs of the same ID fails instead of deleting it twice.
func (h *ReuseIDHandler) FreeIDs(ctx IDContext, ids []uint32, deleteFn func([]uint32)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if !h.alloc.InUse(id) {
			return false
		}
	}
	deleteFn(ids)
	ctx.OrderingBarrier()
	for _, id := range ids {
		h.alloc.FreeID(id)
	}
	return true
}

// MarkAsUsedForBind implements IDHandler. Binding an unused ID claims it.
func (h *ReuseIDHandler) MarkAsUsedForBind(_ IDContext, id uint32, bindFn func(uint32)) bool {
	h.mu.Lock()
	if id != InvalidID {
		h.alloc.MarkAsUsed(id)
	}
	h.mu.Unlock()
	bindFn(id)
	return true
}

// FreeContext implements IDHandler.
func (h *ReuseIDHandler) FreeContext(IDContext) {}

// InUse reports whether id is allocated.
func (h *ReuseIDHandler) InUse(id uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alloc.InUse(id)
}

type strictIDState uint8

const (
	strictFree strictIDState = iota
	strictInUse
	strictPendingFree
)

// StrictIDHandler hands out IDs only through MakeIDs. A freed ID becomes
// reusable only after the freeing context's flush generation moved, so the
// service has seen the delete before any context reuses the ID.
type StrictIDHandler struct {
	mu      sync.Mutex
	ns      Namespace
	states  []strictIDState // indexed by id-1
	freeIDs []uint32        // stack of reusable IDs
}

// NewStrictIDHandler creates a strict handler for ns.
func NewStrictIDHandler(ns Namespace) *StrictIDHandler {
	return &StrictIDHandler{ns: ns}
}

// MakeIDs implements IDHandler. offset is ignored.
func (h *StrictIDHandler) MakeIDs(ctx IDContext, _ uint32, ids []uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.collectPendingFreeIDs(ctx)
	for i := range ids {
		var id uint32
		if n := len(h.freeIDs); n > 0 {
			id = h.freeIDs[n-1]
			h.freeIDs = h.freeIDs[:n-1]
		} else {
			h.states = append(h.states, strictFree)
			id = uint32(len(h.states)) //nolint:gosec // ids stay below 2^32
		}
		h.states[id-1] = strictInUse
		ids[i] = id
	}
}

func (h *StrictIDHandler) state(id uint32) strictIDState {
	if id == InvalidID || int(id) > len(h.states) {
		return strictFree
	}
	return h.states[id-1]
}

// FreeIDs implements IDHandler. Every ID must be in use.
func (h *StrictIDHandler) FreeIDs(ctx IDContext, ids []uint32, deleteFn func([]uint32)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if h.state(id) != strictInUse {
			return false
		}
	}
	// Collect first so the IDs freed now are tagged with the current
	// generation and wait for the next flush.
	h.collectPendingFreeIDs(ctx)
	data := ctx.IDHandlerData(h.ns)
	for _, id := range ids {
		if h.states[id-1] == strictPendingFree {
			continue // listed twice
		}
		h.states[id-1] = strictPendingFree
		data.freedIDs = append(data.freedIDs, id)
	}
	// The delete is written under the lock so it precedes any command
	// naming a reused ID.
	deleteFn(ids)
	return true
}

// MarkAsUsedForBind implements IDHandler. Only IDs from MakeIDs may be bound.
func (h *StrictIDHandler) MarkAsUsedForBind(_ IDContext, id uint32, bindFn func(uint32)) bool {
	if id != InvalidID {
		h.mu.Lock()
		ok := h.state(id) == strictInUse
		h.mu.Unlock()
		if !ok {
			return false
		}
	}
	bindFn(id)
	return true
}

// FreeContext implements IDHandler.
func (h *StrictIDHandler) FreeContext(ctx IDContext) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.collectPendingFreeIDs(ctx)
}

// collectPendingFreeIDs makes the IDs ctx freed reusable once ctx flushed
// since they were freed. Must be called with mu held.
func (h *StrictIDHandler) collectPendingFreeIDs(ctx IDContext) {
	data := ctx.IDHandlerData(h.ns)
	gen := ctx.FlushGeneration()
	if data.flushGeneration == gen {
		return
	}
	data.flushGeneration = gen
	for _, id := range data.freedIDs {
		h.states[id-1] = strictFree
		h.freeIDs = append(h.freeIDs, id)
	}
	data.freedIDs = data.freedIDs[:0]
}

// NonReusedIDHandler hands out strictly increasing IDs and never reuses them.
type NonReusedIDHandler struct {
	mu     sync.Mutex
	lastID uint32
}

// NewNonReusedIDHandler creates a never-reused handler.
func NewNonReusedIDHandler() *NonReusedIDHandler {
	return &NonReusedIDHandler{}
}

// MakeIDs implements IDHandler. IDs are offset by offset.
func (h *NonReusedIDHandler) MakeIDs(_ IDContext, offset uint32, ids []uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range ids {
		h.lastID++
		ids[i] = h.lastID + offset
	}
}

// FreeIDs implements IDHandler. The IDs are retired for good.
func (h *NonReusedIDHandler) FreeIDs(_ IDContext, ids []uint32, deleteFn func([]uint32)) bool {
	deleteFn(ids)
	return true
}

// MarkAsUsedForBind implements IDHandler. Binding is not supported.
func (h *NonReusedIDHandler) MarkAsUsedForBind(IDContext, uint32, func(uint32)) bool {
	return false
}

// FreeContext implements IDHandler.
func (h *NonReusedIDHandler) FreeContext(IDContext) {}
