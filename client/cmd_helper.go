// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
)

const (
	// maxToken is the largest token before the counter wraps.
	maxToken int32 = 0x7FFFFFFF

	// The helper flushes on its own once this fraction of the ring holds
	// unflushed commands. The smaller fraction applies while the service
	// is idle so it gets work sooner.
	autoFlushBig   = 4
	autoFlushSmall = 16
)

// CommandBufferHelper serializes commands into the ring buffer and
// synchronizes with the service through tokens.
//
// The helper owns the put offset; the service owns the get offset and
// publishes it through [CommandBuffer.LastState]. One ring entry is always
// left empty so that put == get means the ring is empty.
//
// CommandBufferHelper is not safe for concurrent use.
type CommandBufferHelper struct {
	cb CommandBuffer

	ring              *shm.Region
	entries           []uint32
	totalEntries      int32
	setGetBufferCount uint32

	immediateEntries int32
	put              int32
	lastPutSent      int32
	cachedGetOffset  int32
	cachedLastToken  int32
	token            int32

	flushGeneration    uint32
	lastFlushTime      time.Time
	flushAutomatically bool

	lost       bool
	lostReason protocol.LostReason
	lostHooks  []func(protocol.LostReason)
	waitHooks  []func()
}

// NewCommandBufferHelper creates a helper over cb. Call Initialize before
// emitting commands.
func NewCommandBufferHelper(cb CommandBuffer) *CommandBufferHelper {
	return &CommandBufferHelper{
		cb:                 cb,
		flushAutomatically: true,
	}
}

// Initialize allocates a ring buffer of ringSize bytes and installs it as the
// service get buffer.
func (h *CommandBufferHelper) Initialize(ringSize uint32) error {
	if ringSize < 2*protocol.WordSize || ringSize%protocol.WordSize != 0 {
		return fmt.Errorf("%w: ring size %d", ErrInvalidConfig, ringSize)
	}
	region, err := h.cb.CreateTransferBuffer(ringSize)
	if err != nil {
		return fmt.Errorf("allocate ring buffer: %w", err)
	}
	words, err := region.Words(0, region.Size()/protocol.WordSize)
	if err != nil {
		h.cb.DestroyTransferBuffer(region.ID())
		return fmt.Errorf("map ring buffer: %w", err)
	}

	h.cb.SetGetBuffer(region.ID())
	st := h.cb.LastState()

	h.ring = region
	h.entries = words
	h.totalEntries = int32(len(words)) //nolint:gosec // bounded by shm.MaxRegionSize
	h.setGetBufferCount = st.SetGetBufferCount
	h.put = 0
	h.lastPutSent = 0
	h.updateCachedState(st)
	h.calcImmediateEntries(0)

	slogger().Debug("command buffer initialized",
		slog.Int("shm_id", int(region.ID())),
		slog.Int("entries", int(h.totalEntries)))
	return nil
}

// FreeRingBuffer waits for the service to drain the ring and releases it.
func (h *CommandBufferHelper) FreeRingBuffer() {
	if h.ring == nil {
		return
	}
	_ = h.Finish()
	h.cb.DestroyTransferBuffer(h.ring.ID())
	h.ring = nil
	h.entries = nil
	h.totalEntries = 0
	h.immediateEntries = 0
	h.put = 0
	h.lastPutSent = 0
}

// SetAutomaticFlushes enables or disables flushing when a fraction of the
// ring holds unflushed commands.
func (h *CommandBufferHelper) SetAutomaticFlushes(enabled bool) {
	h.flushAutomatically = enabled
	h.calcImmediateEntries(0)
}

// AddWaitHook registers fn to run right before and right after every
// blocking wait on the service, so it sees the state the wait reached.
// It does not run while the wait blocks. Hooks must not emit commands.
func (h *CommandBufferHelper) AddWaitHook(fn func()) {
	h.waitHooks = append(h.waitHooks, fn)
}

// AddLostHook registers fn to run once when context loss is first observed.
func (h *CommandBufferHelper) AddLostHook(fn func(protocol.LostReason)) {
	h.lostHooks = append(h.lostHooks, fn)
}

// CommandBuffer returns the underlying service view.
func (h *CommandBufferHelper) CommandBuffer() CommandBuffer { return h.cb }

// FlushGeneration returns the number of flushes issued so far.
func (h *CommandBufferHelper) FlushGeneration() uint32 { return h.flushGeneration }

// LastFlushTime returns the time of the last flush.
func (h *CommandBufferHelper) LastFlushTime() time.Time { return h.lastFlushTime }

// PutOffset returns the client write position in words.
func (h *CommandBufferHelper) PutOffset() int32 { return h.put }

// GetOffset returns the last observed service read position in words.
func (h *CommandBufferHelper) GetOffset() int32 { return h.cachedGetOffset }

// TotalEntries returns the ring size in words.
func (h *CommandBufferHelper) TotalEntries() int32 { return h.totalEntries }

// LastToken returns the last token observed as processed by the service.
func (h *CommandBufferHelper) LastToken() int32 { return h.cachedLastToken }

// IsContextLost reports whether context loss has been observed.
func (h *CommandBufferHelper) IsContextLost() bool {
	if !h.lost {
		h.updateCachedState(h.cb.LastState())
	}
	return h.lost
}

// LostReason returns the reason recorded with the context loss.
func (h *CommandBufferHelper) LostReason() protocol.LostReason { return h.lostReason }

func (h *CommandBufferHelper) usable() bool {
	return !h.lost && h.ring != nil
}

func (h *CommandBufferHelper) unusableErr() error {
	if h.lost {
		return ErrContextLost
	}
	return ErrNotInitialized
}

// Flush publishes the put offset to the service.
func (h *CommandBufferHelper) Flush() {
	if !h.usable() {
		return
	}
	h.lastFlushTime = time.Now()
	h.lastPutSent = h.put
	h.cb.Flush(h.put)
	h.flushGeneration++
	// Pick up whatever the service already retired so the space is reusable
	// without a wait.
	h.updateCachedState(h.cb.LastState())
	h.calcImmediateEntries(0)
}

// FlushLazy flushes only if commands were written since the last flush.
func (h *CommandBufferHelper) FlushLazy() {
	if h.put == h.lastPutSent {
		return
	}
	h.Flush()
}

// OrderingBarrier guarantees commands written so far are ordered before
// commands any other command buffer flushes afterwards. The service
// processes flushes in arrival order, so publishing the put offset suffices.
func (h *CommandBufferHelper) OrderingBarrier() {
	h.FlushLazy()
}

// Finish inserts a token, flushes and blocks until the service processed it.
// It returns ErrContextLost as soon as loss is observed.
func (h *CommandBufferHelper) Finish() error {
	if !h.usable() {
		return h.unusableErr()
	}
	if h.put == h.cachedGetOffset && h.put == h.lastPutSent {
		return nil
	}
	token := h.InsertToken()
	if token < 0 {
		return ErrContextLost
	}
	h.FlushLazy()
	return h.waitForToken(token)
}

// finishIdle flushes and waits until the service drained the ring.
func (h *CommandBufferHelper) finishIdle() error {
	h.FlushLazy()
	if err := h.waitForGetOffsetInRange(h.put, h.put); err != nil {
		return err
	}
	h.calcImmediateEntries(0)
	return nil
}

// InsertToken writes a SetToken command and returns the token. The token is
// not flushed. It returns -1 once the context is lost.
//
// When the counter wraps, the helper drains the service first so that tokens
// from before the wrap are never compared with tokens after it.
func (h *CommandBufferHelper) InsertToken() int32 {
	if !h.usable() {
		return -1
	}
	next := (h.token + 1) & maxToken
	if next == 0 {
		if err := h.Emit(protocol.OpSetToken, 0); err != nil {
			return -1
		}
		h.token = 0
		if err := h.finishIdle(); err != nil {
			return -1
		}
		slogger().Debug("token counter wrapped")
		next = 1
	}
	if err := h.Emit(protocol.OpSetToken, uint32(next)); err != nil { //nolint:gosec // positive
		return -1
	}
	h.token = next
	return next
}

// HasTokenPassed reports whether the service processed token. Tokens from
// before a wrap count as passed. Every token counts as passed once the
// context is lost.
func (h *CommandBufferHelper) HasTokenPassed(token int32) bool {
	if token > h.token {
		return true
	}
	if token > h.cachedLastToken {
		h.updateCachedState(h.cb.LastState())
	}
	return token <= h.cachedLastToken || h.lost
}

// WaitForToken blocks until the service processed token.
func (h *CommandBufferHelper) WaitForToken(token int32) error {
	if !h.usable() {
		if h.lost {
			return ErrContextLost
		}
		return nil
	}
	return h.waitForToken(token)
}

func (h *CommandBufferHelper) waitForToken(token int32) error {
	if token < 0 || token > h.token {
		return nil
	}
	if token <= h.cachedLastToken {
		return nil
	}
	h.updateCachedState(h.cb.LastState())
	if h.lost {
		return ErrContextLost
	}
	if token <= h.cachedLastToken {
		return nil
	}
	h.FlushLazy()
	h.runWaitHooks()
	st := h.cb.WaitForTokenInRange(token, h.token)
	h.updateCachedState(st)
	h.runWaitHooks()
	if h.lost {
		return ErrContextLost
	}
	return nil
}

func (h *CommandBufferHelper) waitForGetOffsetInRange(start, end int32) error {
	if !h.usable() {
		return h.unusableErr()
	}
	h.runWaitHooks()
	st := h.cb.WaitForGetOffsetInRange(h.setGetBufferCount, start, end)
	h.updateCachedState(st)
	h.runWaitHooks()
	if h.lost {
		return ErrContextLost
	}
	return nil
}

func (h *CommandBufferHelper) runWaitHooks() {
	for _, fn := range h.waitHooks {
		fn()
	}
}

func (h *CommandBufferHelper) updateCachedState(st protocol.State) {
	h.cachedLastToken = st.Token
	if st.SetGetBufferCount == h.setGetBufferCount {
		h.cachedGetOffset = st.GetOffset
	}
	if st.Lost() && !h.lost {
		h.lost = true
		h.lostReason = st.ContextLostReason
		h.immediateEntries = 0
		slogger().Warn("context lost", slog.String("reason", st.ContextLostReason.String()))
		for _, fn := range h.lostHooks {
			fn(st.ContextLostReason)
		}
	}
}

// calcImmediateEntries computes how many entries can be written without
// checking the service state again, capped by the auto-flush limit.
func (h *CommandBufferHelper) calcImmediateEntries(waitingCount int32) {
	if !h.usable() {
		h.immediateEntries = 0
		return
	}
	get := h.cachedGetOffset
	var immediate int32
	if get > h.put {
		immediate = get - h.put - 1
	} else {
		immediate = h.totalEntries - h.put
		if get == 0 {
			immediate--
		}
	}

	if h.flushAutomatically {
		divisor := int32(autoFlushBig)
		if get == h.lastPutSent {
			divisor = autoFlushSmall
		}
		limit := h.totalEntries / divisor
		pending := (h.put + h.totalEntries - h.lastPutSent) % h.totalEntries
		if pending > 0 && pending >= limit {
			immediate = 0
		} else {
			limit -= pending
			limit = max(limit, waitingCount)
			immediate = min(immediate, limit)
		}
	}
	h.immediateEntries = immediate
}

// waitForAvailableEntries makes count contiguous entries available at put,
// padding the ring end with Noop commands when the request does not fit
// before it.
func (h *CommandBufferHelper) waitForAvailableEntries(count int32) error {
	if !h.usable() {
		return h.unusableErr()
	}
	if count >= h.totalEntries {
		return fmt.Errorf("%w: %d words in a ring of %d", ErrCommandTooLarge, count, h.totalEntries)
	}

	if h.put+count > h.totalEntries {
		get := h.cachedGetOffset
		if get > h.put || get == 0 {
			// The padding would overwrite commands the service has not read.
			h.FlushLazy()
			if err := h.waitForGetOffsetInRange(1, h.put); err != nil {
				return err
			}
			h.calcImmediateEntries(0)
		}
		for remaining := h.totalEntries - h.put; remaining > 0; {
			skip := min(remaining, protocol.MaxCommandSize)
			h.entries[h.put] = uint32(protocol.MakeHeader(protocol.OpNoop, uint32(skip))) //nolint:gosec // positive
			h.put += skip
			remaining -= skip
		}
		h.put = 0
	}

	h.calcImmediateEntries(count)
	if h.immediateEntries < count {
		h.updateCachedState(h.cb.LastState())
		h.calcImmediateEntries(count)
	}
	if h.immediateEntries < count {
		h.FlushLazy()
		h.calcImmediateEntries(count)
		if h.immediateEntries < count {
			if err := h.waitForGetOffsetInRange((h.put+count+1)%h.totalEntries, h.put); err != nil {
				return err
			}
			h.calcImmediateEntries(count)
		}
	}
	if h.immediateEntries < count {
		return h.unusableErr()
	}
	return nil
}

// getSpace reserves count contiguous entries at put.
func (h *CommandBufferHelper) getSpace(count int32) ([]uint32, error) {
	if !h.usable() {
		return nil, h.unusableErr()
	}
	if h.immediateEntries < count {
		if err := h.waitForAvailableEntries(count); err != nil {
			return nil, err
		}
	}
	space := h.entries[h.put : h.put+count : h.put+count]
	h.put += count
	h.immediateEntries -= count
	if h.put == h.totalEntries {
		h.put = 0
	}
	return space, nil
}

// Emit writes a command with fixed arguments.
func (h *CommandBufferHelper) Emit(op protocol.Opcode, args ...uint32) error {
	size := 1 + len(args)
	space, err := h.getSpace(int32(size)) //nolint:gosec // small
	if err != nil {
		return err
	}
	space[0] = uint32(protocol.MakeHeader(op, uint32(size))) //nolint:gosec // small
	copy(space[1:], args)
	return nil
}

// EmitImmediate writes a command whose fixed arguments are followed by data
// stored inline in the ring. data is zero padded to a whole word.
func (h *CommandBufferHelper) EmitImmediate(op protocol.Opcode, args []uint32, data []byte) error {
	dataWords := protocol.WordsForBytes(uint32(len(data))) //nolint:gosec // bounded below
	size := 1 + uint64(len(args)) + uint64(dataWords)
	if size > protocol.MaxCommandSize {
		return fmt.Errorf("%w: %d words", ErrCommandTooLarge, size)
	}
	space, err := h.getSpace(int32(size)) //nolint:gosec // bounded above
	if err != nil {
		return err
	}
	space[0] = uint32(protocol.MakeHeader(op, uint32(size))) //nolint:gosec // bounded above
	copy(space[1:], args)
	payload := space[1+len(args):]
	clear(payload)
	copy(shm.Bytes(payload), data)
	return nil
}

// EmitIDs writes an immediate command carrying a count followed by ids.
func (h *CommandBufferHelper) EmitIDs(op protocol.Opcode, ids []uint32) error {
	size := 2 + len(ids)
	if size > protocol.MaxCommandSize {
		return fmt.Errorf("%w: %d ids", ErrCommandTooLarge, len(ids))
	}
	space, err := h.getSpace(int32(size)) //nolint:gosec // bounded above
	if err != nil {
		return err
	}
	space[0] = uint32(protocol.MakeHeader(op, uint32(size))) //nolint:gosec // bounded above
	space[1] = uint32(len(ids))                               //nolint:gosec // bounded above
	copy(space[2:], ids)
	return nil
}

// Noop writes a Noop command occupying n words.
func (h *CommandBufferHelper) Noop(n int32) error {
	if n < 1 {
		n = 1
	}
	space, err := h.getSpace(n)
	if err != nil {
		return err
	}
	space[0] = uint32(protocol.MakeHeader(protocol.OpNoop, uint32(n))) //nolint:gosec // positive
	clear(space[1:])
	return nil
}
