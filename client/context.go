// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
)

// ContextConfig configures a [Context].
type ContextConfig struct {
	// Limits sizes the context's shared memory. Zero fields take defaults.
	Limits SharedMemoryLimits

	// DisableAutomaticFlushes stops the helper from flushing on its own when
	// a quarter of the ring holds unflushed commands.
	DisableAutomaticFlushes bool

	// DebugChecks panics when two goroutines use the context at once.
	DebugChecks bool
}

// Context is a thin GPU-API front end over one command buffer. It turns API
// calls into commands, moves bulk data through shared memory, takes resource
// IDs from its share group and reports misuse through GetError.
//
// A Context must be used by one goroutine at a time. Contexts of one share
// group may run on different goroutines.
type Context struct {
	helper      *CommandBufferHelper
	tb          *TransferBuffer
	mapped      *MappedMemoryManager
	queries     *QueryTracker
	async       *AsyncUploadTracker
	completions *CompletionQueue

	group       *ShareGroup
	private     [numNamespaces - numSharedNamespaces]*ReuseIDHandler
	handlerData [numNamespaces]IDHandlerData

	errorBits uint32

	boundArrayBuffer   uint32
	boundElementBuffer uint32
	boundTexture       uint32
	boundFramebuffer   uint32
	boundRenderbuffer  uint32
	boundVertexArray   uint32
	attribs            [protocol.MaxVertexAttribs]vertexAttrib
	clientArrayBuffer  uint32

	lostHandled bool
	lostHooks   []func(protocol.LostReason)

	check     callChecker
	destroyed bool
}

// NewContext creates a context over cb as a new member of group. The group
// reference is released by Destroy.
func NewContext(cb CommandBuffer, group *ShareGroup, cfg ContextConfig) (*Context, error) {
	limits, err := cfg.Limits.withDefaults()
	if err != nil {
		return nil, err
	}
	helper := NewCommandBufferHelper(cb)
	if err := helper.Initialize(limits.CommandBufferSize); err != nil {
		return nil, err
	}
	helper.SetAutomaticFlushes(!cfg.DisableAutomaticFlushes)

	tb, err := NewTransferBuffer(helper, limits.transferBufferConfig())
	if err != nil {
		helper.FreeRingBuffer()
		return nil, err
	}
	mapped := NewMappedMemoryManager(helper, limits.MappedMemoryReclaimLimit)
	mapped.SetChunkSizeMultiple(limits.MappedMemoryChunkSize)

	c := &Context{
		helper:      helper,
		tb:          tb,
		mapped:      mapped,
		async:       NewAsyncUploadTracker(helper, mapped),
		completions: NewCompletionQueue(helper),
		group:       group,
		check:       callChecker{enabled: cfg.DebugChecks},
	}
	c.queries = NewQueryTracker(helper, mapped, c.takeClientError)
	for i := range c.private {
		c.private[i] = NewReuseIDHandler()
	}
	helper.AddWaitHook(c.async.collect)
	helper.AddLostHook(func(protocol.LostReason) {
		if c.group != nil {
			c.group.Lose()
		}
	})

	slogger().Debug("context created",
		slog.Uint64("share_group", group.ID()),
		slog.Int("ring_entries", int(helper.TotalEntries())))
	return c, nil
}

// Helper returns the context's command buffer helper.
func (c *Context) Helper() *CommandBufferHelper { return c.helper }

// TransferBuffer returns the context's transfer buffer.
func (c *Context) TransferBuffer() *TransferBuffer { return c.tb }

// MappedMemory returns the context's mapped memory manager.
func (c *Context) MappedMemory() *MappedMemoryManager { return c.mapped }

// QueryTracker returns the context's query tracker.
func (c *Context) QueryTracker() *QueryTracker { return c.queries }

// AsyncUploads returns the context's async upload tracker.
func (c *Context) AsyncUploads() *AsyncUploadTracker { return c.async }

// ShareGroup returns the group the context belongs to.
func (c *Context) ShareGroup() *ShareGroup { return c.group }

// FlushGeneration implements IDContext.
func (c *Context) FlushGeneration() uint32 { return c.helper.FlushGeneration() }

// OrderingBarrier implements IDContext.
func (c *Context) OrderingBarrier() { c.helper.OrderingBarrier() }

// IDHandlerData implements IDContext.
func (c *Context) IDHandlerData(ns Namespace) *IDHandlerData { return &c.handlerData[ns] }

// handler returns the ID handler of ns: the share group's for shared
// namespaces, the context's own otherwise.
func (c *Context) handler(ns Namespace) IDHandler {
	if ns < numSharedNamespaces {
		return c.group.Handler(ns)
	}
	return c.private[ns-numSharedNamespaces]
}

// ResultBuffer returns the transfer buffer's reserved result area.
func (c *Context) ResultBuffer() []byte { return c.tb.ResultBuffer() }

// ResultShmID returns the region holding the result area.
func (c *Context) ResultShmID() int32 { return c.tb.ResultShmID() }

// ResultShmOffset returns the offset of the result area.
func (c *Context) ResultShmOffset() uint32 { return c.tb.ResultShmOffset() }

// resultWords clears and returns the result area as words.
func (c *Context) resultWords() []uint32 {
	b := c.tb.ResultBuffer()
	if b == nil {
		return nil
	}
	w := shm.Words(b)
	clear(w)
	return w
}

func (c *Context) resultArgs() (uint32, uint32) {
	return uint32(c.tb.ResultShmID()), c.tb.ResultShmOffset() //nolint:gosec // shm ids are positive
}

// waitForCmd finishes and reports whether the service ran every command.
func (c *Context) waitForCmd() bool {
	return c.helper.Finish() == nil
}

// Error bits mirror the error codes GetError can return.
const (
	errBitInvalidEnum uint32 = 1 << iota
	errBitInvalidValue
	errBitInvalidOperation
	errBitOutOfMemory
	errBitInvalidFramebufferOperation
	errBitContextLost
)

func errorToBit(code protocol.ErrorCode) uint32 {
	switch code {
	case protocol.ErrorInvalidEnum:
		return errBitInvalidEnum
	case protocol.ErrorInvalidValue:
		return errBitInvalidValue
	case protocol.ErrorInvalidOperation:
		return errBitInvalidOperation
	case protocol.ErrorOutOfMemory:
		return errBitOutOfMemory
	case protocol.ErrorInvalidFramebufferOperation:
		return errBitInvalidFramebufferOperation
	case protocol.ErrorContextLost:
		return errBitContextLost
	}
	return 0
}

func bitToError(bit uint32) protocol.ErrorCode {
	switch bit {
	case errBitInvalidEnum:
		return protocol.ErrorInvalidEnum
	case errBitInvalidValue:
		return protocol.ErrorInvalidValue
	case errBitInvalidOperation:
		return protocol.ErrorInvalidOperation
	case errBitOutOfMemory:
		return protocol.ErrorOutOfMemory
	case errBitInvalidFramebufferOperation:
		return protocol.ErrorInvalidFramebufferOperation
	case errBitContextLost:
		return protocol.ErrorContextLost
	}
	return protocol.ErrorNone
}

// setError records a client-side error. Allocator state is never touched.
func (c *Context) setError(code protocol.ErrorCode, fn, msg string) {
	slogger().Debug("client error",
		slog.String("func", fn),
		slog.String("error", code.String()),
		slog.String("msg", msg))
	c.errorBits |= errorToBit(code)
}

// takeClientError returns and clears one client-side error, lowest code
// first.
func (c *Context) takeClientError() protocol.ErrorCode {
	if c.errorBits == 0 {
		return protocol.ErrorNone
	}
	bit := c.errorBits & -c.errorBits
	c.errorBits &^= bit
	return bitToError(bit)
}

// GetError returns and clears one pending error. Service errors come first;
// client errors are reported when the service has none.
func (c *Context) GetError() protocol.ErrorCode {
	defer c.check.enter("GetError")()
	defer c.handleLost()
	return c.getError()
}

func (c *Context) getError() protocol.ErrorCode {
	if c.helper.IsContextLost() {
		return protocol.ErrorContextLost
	}
	result := c.resultWords()
	if result == nil {
		return c.takeClientError()
	}
	shmID, off := c.resultArgs()
	_ = c.helper.Emit(protocol.OpGetError, shmID, off)
	if !c.waitForCmd() {
		return protocol.ErrorContextLost
	}
	code := protocol.ErrorCode(result[0])
	if code == protocol.ErrorNone {
		return c.takeClientError()
	}
	c.errorBits &^= errorToBit(code)
	return code
}

// Flush publishes every command written so far and runs ready completions.
func (c *Context) Flush() {
	defer c.check.enter("Flush")()
	c.helper.Flush()
	c.afterSync()
}

// ShallowFlush orders commands written so far before commands other
// contexts of the share group flush afterwards.
func (c *Context) ShallowFlush() {
	defer c.check.enter("ShallowFlush")()
	c.helper.OrderingBarrier()
	c.afterSync()
}

// Finish blocks until the service ran every command written so far.
func (c *Context) Finish() error {
	defer c.check.enter("Finish")()
	err := c.helper.Finish()
	c.afterSync()
	if err != nil {
		return fmt.Errorf("finish: %w", err)
	}
	return nil
}

// InsertToken writes a token command and returns the token, or -1 once the
// context is lost.
func (c *Context) InsertToken() int32 {
	defer c.check.enter("InsertToken")()
	return c.helper.InsertToken()
}

// WaitForToken blocks until the service processed token.
func (c *Context) WaitForToken(token int32) error {
	defer c.check.enter("WaitForToken")()
	err := c.helper.WaitForToken(token)
	c.afterSync()
	return err
}

// afterSync runs the work that is due whenever the client synchronizes
// with the service.
func (c *Context) afterSync() {
	c.async.Poll()
	c.queries.FreeCompletedQueries()
	c.handleLost()
	c.completions.RunCompletions()
}

// RunCompletions runs the callbacks of completed queries and passed tokens.
func (c *Context) RunCompletions() {
	defer c.check.enter("RunCompletions")()
	c.afterSync()
}

// SignalQuery runs fn from RunCompletions once query id completed.
func (c *Context) SignalQuery(id uint32, fn func()) {
	defer c.check.enter("SignalQuery")()
	q, _ := c.queries.Query(id)
	if q != nil && q.Pending() {
		q.CheckResultsAvailable(c.helper, true)
	}
	c.completions.SignalQuery(q, fn)
}

// SignalToken runs fn from RunCompletions once the service processed token.
func (c *Context) SignalToken(token int32, fn func()) {
	defer c.check.enter("SignalToken")()
	c.helper.FlushLazy()
	c.completions.SignalToken(token, fn)
}

// OnContextLost registers fn to run on the client goroutine once the
// context loss is observed.
func (c *Context) OnContextLost(fn func(protocol.LostReason)) {
	c.lostHooks = append(c.lostHooks, fn)
}

// IsContextLost reports whether the context was lost.
func (c *Context) IsContextLost() bool { return c.helper.IsContextLost() }

// handleLost completes every pending operation once loss is observed.
func (c *Context) handleLost() {
	if c.lostHandled || !c.helper.IsContextLost() {
		return
	}
	c.lostHandled = true
	reason := c.helper.LostReason()
	c.queries.Lose()
	c.async.collect()
	for _, fn := range c.lostHooks {
		fn(reason)
	}
}

// FreeUnusedSharedMemory returns idle shared memory to the service.
func (c *Context) FreeUnusedSharedMemory() {
	defer c.check.enter("FreeUnusedSharedMemory")()
	c.async.Poll()
	c.queries.Shrink()
	c.mapped.FreeUnused()
}

// Destroy waits for the service, releases every resource the context holds
// and leaves the share group. The context is unusable afterwards.
func (c *Context) Destroy() {
	defer c.check.enter("Destroy")()
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.clientArrayBuffer != 0 {
		c.deleteIDs(NamespaceBuffers, protocol.OpDeleteBuffersImmediate, []uint32{c.clientArrayBuffer}, "Destroy")
		c.clientArrayBuffer = 0
	}
	_ = c.helper.Finish()
	c.handleLost()
	for ns := Namespace(0); ns < numNamespaces; ns++ {
		c.handler(ns).FreeContext(c)
	}
	c.async.Release()
	c.queries.Lose()
	c.tb.Free()
	c.mapped.Release()
	c.helper.FreeRingBuffer()
	c.completions.RunCompletions()
	slogger().Debug("context destroyed", slog.Uint64("share_group", c.group.ID()))
	c.group.Release()
}

// genIDs allocates n IDs in ns and announces them with op.
func (c *Context) genIDs(ns Namespace, op protocol.Opcode, n int, fn string) []uint32 {
	if n < 0 {
		c.setError(protocol.ErrorInvalidValue, fn, "n < 0")
		return nil
	}
	if n == 0 {
		return nil
	}
	ids := make([]uint32, n)
	c.handler(ns).MakeIDs(c, 0, ids)
	if op != protocol.OpNoop {
		if err := c.helper.EmitIDs(op, ids); err != nil {
			c.setError(protocol.ErrorOutOfMemory, fn, err.Error())
		}
	}
	return ids
}

// deleteIDs frees ids in ns, issuing op for them. Zero IDs are skipped.
// It reports whether the IDs were freed.
func (c *Context) deleteIDs(ns Namespace, op protocol.Opcode, ids []uint32, fn string) bool {
	live := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if id != InvalidID {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return true
	}
	ok := c.handler(ns).FreeIDs(c, live, func(ids []uint32) {
		if err := c.helper.EmitIDs(op, ids); err != nil {
			c.setError(protocol.ErrorOutOfMemory, fn, err.Error())
		}
	})
	if !ok {
		c.setError(protocol.ErrorInvalidValue, fn, "id not created by Gen")
	}
	return ok
}

// bindID marks id used for binding in ns and issues the bind command.
func (c *Context) bindID(ns Namespace, op protocol.Opcode, target, id uint32, fn string) bool {
	ok := c.handler(ns).MarkAsUsedForBind(c, id, func(id uint32) {
		_ = c.helper.Emit(op, target, id)
	})
	if !ok {
		c.setError(protocol.ErrorInvalidOperation, fn, "id not generated")
	}
	return ok
}
