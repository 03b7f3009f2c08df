// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
)

// CommandBufferStub is the service side of one context's command buffer. It
// implements client.CommandBuffer.
//
// CommandBufferStub is safe for concurrent use.
type CommandBufferStub struct {
	svc         *Service
	group       *resourceGroup
	dec         *decoder
	stateRegion *shm.Region
	shared      *protocol.SharedState

	// Guarded by svc.mu.
	ring      []uint32
	ringID    int32
	put       int32
	state     protocol.State
	busy      bool
	destroyed bool
	lostHooks []func(protocol.LostReason)
}

// StateShmID returns the shm id of the shared state block.
func (c *CommandBufferStub) StateShmID() int32 { return c.stateRegion.ID() }

// GroupID returns the share group the command buffer decodes against.
func (c *CommandBufferStub) GroupID() uint64 { return c.group.id }

// LastState returns the last published state without blocking.
func (c *CommandBufferStub) LastState() protocol.State {
	return c.shared.Read()
}

// Flush makes the commands up to put visible to the scheduler.
func (c *CommandBufferStub) Flush(put int32) {
	s := c.svc
	var hooks []func(protocol.LostReason)
	s.mu.Lock()
	switch {
	case c.destroyed || c.state.Lost():
	case c.ring == nil || put < 0 || put >= int32(len(c.ring)): //nolint:gosec // ring sizes fit int32
		slogger().Warn("flush outside the ring", slog.Int("put", int(put)))
		hooks = c.loseLocked(protocol.LostReasonParseError)
	default:
		if put != c.put && put != c.state.GetOffset {
			s.enqueueLocked(c, put)
		}
		c.put = put
	}
	s.mu.Unlock()
	runLostHooks(hooks, protocol.LostReasonParseError)
}

// WaitForTokenInRange blocks until the token is within [start, end] or the
// context is lost.
func (c *CommandBufferStub) WaitForTokenInRange(start, end int32) protocol.State {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	for !c.state.Lost() && !c.destroyed && !protocol.InRange(start, end, c.state.Token) {
		s.cond.Wait()
	}
	return c.shared.Read()
}

// WaitForGetOffsetInRange blocks until the get offset of the ring installed
// by SetGetBuffer call number count is within [start, end], the ring was
// replaced, or the context is lost.
func (c *CommandBufferStub) WaitForGetOffsetInRange(count uint32, start, end int32) protocol.State {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	for !c.state.Lost() && !c.destroyed && c.state.SetGetBufferCount == count &&
		!protocol.InRange(start, end, c.state.GetOffset) {
		s.cond.Wait()
	}
	return c.shared.Read()
}

// SetGetBuffer installs region shmID as the ring buffer. Get and put reset
// to 0.
func (c *CommandBufferStub) SetGetBuffer(shmID int32) {
	s := c.svc
	region, ok := s.shms.Lookup(shmID)
	var words []uint32
	var err error
	if ok {
		words, err = region.Words(0, region.Size()/protocol.WordSize)
	}

	var hooks []func(protocol.LostReason)
	s.mu.Lock()
	for c.busy {
		s.cond.Wait()
	}
	switch {
	case c.destroyed || c.state.Lost():
	case !ok || err != nil || len(words) == 0:
		slogger().Warn("invalid ring buffer", slog.Int("shm", int(shmID)))
		hooks = c.loseLocked(protocol.LostReasonParseError)
	default:
		s.dequeueLocked(c)
		c.ring, c.ringID, c.put = words, shmID, 0
		c.state.GetOffset = 0
		c.state.SetGetBufferCount++
		c.publishLocked()
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	runLostHooks(hooks, protocol.LostReasonParseError)
}

// CreateTransferBuffer maps a new shared region of size bytes.
func (c *CommandBufferStub) CreateTransferBuffer(size uint32) (*shm.Region, error) {
	if size > c.svc.cfg.MaxTransferBufferSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRegionTooLarge, size)
	}
	if c.LastState().Lost() {
		return nil, ErrContextLost
	}
	return c.svc.shms.Create(size)
}

// DestroyTransferBuffer unmaps region shmID. Destroying the ring buffer
// detaches it first.
func (c *CommandBufferStub) DestroyTransferBuffer(shmID int32) {
	s := c.svc
	s.mu.Lock()
	for c.busy {
		s.cond.Wait()
	}
	if c.ring != nil && c.ringID == shmID {
		s.dequeueLocked(c)
		c.ring, c.ringID = nil, shm.InvalidID
	}
	s.mu.Unlock()

	if err := s.shms.Destroy(shmID); err != nil {
		slogger().Warn("destroy transfer buffer", slog.Int("shm", int(shmID)), slog.String("error", err.Error()))
	}
}

// OnContextLost registers fn to run when the context is lost. fn runs on
// the goroutine that observed the loss, without locks held. It runs at once
// when the context is already lost.
func (c *CommandBufferStub) OnContextLost(fn func(protocol.LostReason)) {
	s := c.svc
	s.mu.Lock()
	if c.state.Lost() {
		reason := c.state.ContextLostReason
		s.mu.Unlock()
		fn(reason)
		return
	}
	c.lostHooks = append(c.lostHooks, fn)
	s.mu.Unlock()
}

// LoseContext loses the context with reason. Waiting clients return.
func (c *CommandBufferStub) LoseContext(reason protocol.LostReason) {
	s := c.svc
	s.mu.Lock()
	hooks := c.loseLocked(reason)
	s.cond.Broadcast()
	s.mu.Unlock()
	runLostHooks(hooks, reason)
}

// loseLocked marks the context lost, publishes the state and returns the
// hooks to run. Caller must hold svc.mu.
func (c *CommandBufferStub) loseLocked(reason protocol.LostReason) []func(protocol.LostReason) {
	if c.state.Lost() || c.destroyed {
		return nil
	}
	c.state.Error = protocol.ErrorContextLost
	c.state.ContextLostReason = reason
	c.svc.dequeueLocked(c)
	c.publishLocked()
	slogger().Warn("context lost",
		slog.Uint64("group", c.group.id),
		slog.String("reason", reason.String()))
	hooks := c.lostHooks
	c.lostHooks = nil
	return hooks
}

// publishLocked writes the state to the shared block. Caller must hold
// svc.mu.
func (c *CommandBufferStub) publishLocked() {
	c.shared.Write(c.state)
}

// Destroy releases the command buffer. Objects of its share group are
// released with the last command buffer of the group.
func (c *CommandBufferStub) Destroy() {
	s := c.svc
	s.mu.Lock()
	for c.busy {
		s.cond.Wait()
	}
	if c.destroyed {
		s.mu.Unlock()
		return
	}
	c.destroyed = true
	s.dequeueLocked(c)
	delete(s.stubs, c)
	c.dec.release()
	last := s.releaseGroupLocked(c.group)
	c.ring = nil
	c.lostHooks = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if last {
		c.group.destroy()
	}
	if err := s.shms.Destroy(c.stateRegion.ID()); err != nil {
		slogger().Warn("destroy shared state", slog.String("error", err.Error()))
	}
	slogger().Debug("command buffer destroyed", slog.Uint64("group", c.group.id))
}

// ReadBuffer returns a copy of the contents of buffer id.
func (c *CommandBufferStub) ReadBuffer(id uint32) ([]byte, bool) {
	g := c.group
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.buffers[id]
	if !ok || b.hal == nil {
		return nil, false
	}
	return slices.Clone(b.shadow[:b.size]), true
}

// TextureImage is a copy of a texture's image.
type TextureImage struct {
	Width, Height uint32
	Format        uint32
	Pixels        []byte
}

// ReadTexture returns a copy of the image of texture id.
func (c *CommandBufferStub) ReadTexture(id uint32) (TextureImage, bool) {
	g := c.group
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.textures[id]
	if !ok || t.hal == nil {
		return TextureImage{}, false
	}
	return TextureImage{
		Width:  t.width,
		Height: t.height,
		Format: t.format,
		Pixels: slices.Clone(t.shadow),
	}, true
}

// ShaderCompiled reports whether shader id compiled, and its info log.
func (c *CommandBufferStub) ShaderCompiled(id uint32) (bool, string) {
	g := c.group
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.shaders[id]
	if !ok {
		return false, ""
	}
	return s.compiled, s.infoLog
}
