// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
	"github.com/gogpu/wgpu/hal"
)

// Service executes the command buffers of every context on one device.
//
// Service is safe for concurrent use. Run and Step must not be called
// concurrently with each other.
type Service struct {
	device  hal.Device
	queue   hal.Queue
	shms    *shm.Registry
	cfg     Config
	shaders *shaderCache
	memory  *memoryBudget

	mu      sync.Mutex
	cond    *sync.Cond
	stubs   map[*CommandBufferStub]struct{}
	runq    []flushMark
	groups  map[uint64]*resourceGroup
	running bool
	closed  bool

	released bool

	// Owned by the scheduler. Fence values number the service's submits;
	// inflight maps the unfinished ones to queue submission indices.
	fenceValue     uint64
	completedFence uint64
	fenceDirty     bool
	inflight       []submission
	pending        int
}

// submission is a fence value handed to the queue.
type submission struct {
	fence uint64
	index uint64
}

// New creates a service over device and queue. Shared regions live in shms;
// a nil registry gets a private one.
func New(device hal.Device, queue hal.Queue, shms *shm.Registry, cfg Config) (*Service, error) {
	if device == nil || queue == nil {
		return nil, ErrNoDevice
	}
	if shms == nil {
		shms = shm.NewRegistry()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		device:  device,
		queue:   queue,
		shms:    shms,
		cfg:     cfg,
		shaders: newShaderCache(cfg.ShaderCacheSize),
		memory:  newMemoryBudget(cfg.MaxDeviceMemory),
		stubs:   make(map[*CommandBufferStub]struct{}),
		groups:  make(map[uint64]*resourceGroup),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Registry returns the registry of shared regions.
func (s *Service) Registry() *shm.Registry { return s.shms }

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// ShaderCacheStats reports the compiled shader cache usage.
func (s *Service) ShaderCacheStats() ShaderCacheStats { return s.shaders.stats() }

// MemoryStats returns the device memory held by the service's resources.
func (s *Service) MemoryStats() MemoryStats { return s.memory.stats() }

// NewCommandBuffer creates the service side of a context in share group
// groupID. Command buffers of the same group decode against the same
// objects.
func (s *Service) NewCommandBuffer(groupID uint64) (*CommandBufferStub, error) {
	region, err := s.shms.Create(protocol.SharedStateSize)
	if err != nil {
		return nil, fmt.Errorf("create shared state: %w", err)
	}
	words, err := region.Words(0, protocol.SharedStateSize/protocol.WordSize)
	if err != nil {
		_ = s.shms.Destroy(region.ID())
		return nil, err
	}
	shared, err := protocol.NewSharedState(words)
	if err != nil {
		_ = s.shms.Destroy(region.ID())
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = s.shms.Destroy(region.ID())
		return nil, ErrClosed
	}
	g, ok := s.groups[groupID]
	if !ok {
		g = newResourceGroup(groupID, s.device, s.queue, s.memory)
		s.groups[groupID] = g
	}
	g.refs++
	c := &CommandBufferStub{
		svc:         s,
		group:       g,
		stateRegion: region,
		shared:      shared,
	}
	c.dec = newDecoder(s, g)
	s.stubs[c] = struct{}{}
	c.publishLocked()
	s.mu.Unlock()

	slogger().Debug("command buffer created",
		slog.Uint64("group", groupID),
		slog.Int("state_shm", int(region.ID())))
	return c, nil
}

// Run runs the scheduler until ctx is done or Close is called. Every
// context is lost with LostReasonShutdown when Run returns.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.running:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	slogger().Info("scheduler started", slog.Int("slice_commands", s.cfg.SliceCommands))
	defer func() {
		s.shutdown()
		s.mu.Lock()
		s.running = false
		s.cond.Broadcast()
		s.mu.Unlock()
		slogger().Info("scheduler stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if s.Step() {
			continue
		}
		if s.pending > 0 {
			s.pollFence(s.cfg.IdleWaitTimeout)
			s.retireQueries()
			if s.pending > 0 && !s.hasWork() {
				continue
			}
		}

		s.mu.Lock()
		for len(s.runq) == 0 && !s.closed && ctx.Err() == nil && s.pending == 0 {
			s.cond.Wait()
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil
		}
	}
}

func (s *Service) hasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runq) > 0 || s.closed
}

// flushMark is a flush waiting for the scheduler: the commands of c up to
// put.
type flushMark struct {
	c   *CommandBufferStub
	put int32
}

// Step runs one slice of the oldest flush and completes the queries the
// device finished. It reports whether a command buffer had work.
func (s *Service) Step() bool {
	m, ring, get, ok := s.nextSlice()
	if !ok {
		return false
	}
	res := m.c.dec.run(ring, get, m.put, s.cfg.SliceCommands)
	s.submitFence()
	s.pollFence(0)
	s.retireQueries()
	s.finishSlice(m, res)
	return true
}

// nextSlice pops the first flush and marks its command buffer busy.
func (s *Service) nextSlice() (flushMark, []uint32, int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.runq) > 0 {
		m := s.runq[0]
		s.runq[0] = flushMark{}
		s.runq = s.runq[1:]
		c := m.c
		if c.destroyed || c.state.Lost() || c.ring == nil || c.state.GetOffset == m.put {
			continue
		}
		c.busy = true
		return m, c.ring, c.state.GetOffset, true
	}
	return flushMark{}, nil, 0, false
}

// finishSlice publishes the outcome of a slice and requeues the flush when
// commands remain.
func (s *Service) finishSlice(m flushMark, res sliceResult) {
	c := m.c
	var hooks []func(protocol.LostReason)
	s.mu.Lock()
	c.busy = false
	c.state.Token = res.token
	if res.lost != protocol.LostReasonNone {
		hooks = c.loseLocked(res.lost)
	} else {
		c.state.GetOffset = res.get
		if res.get == c.put {
			c.state.ReleaseCount++
		}
		if res.get != m.put {
			s.requeueLocked(m)
		}
		c.publishLocked()
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	runLostHooks(hooks, res.lost)
	slogger().Debug("slice done",
		slog.Uint64("group", c.group.id),
		slog.Int("commands", res.commands),
		slog.Int("get", int(res.get)))
}

// enqueueLocked schedules the commands of c up to put behind every earlier
// flush. The last flush of c is extended instead when no later flush of its
// share group waits. Caller must hold s.mu.
func (s *Service) enqueueLocked(c *CommandBufferStub, put int32) {
	defer s.cond.Broadcast()
	for i := len(s.runq) - 1; i >= 0; i-- {
		if s.runq[i].c.group != c.group {
			continue
		}
		if s.runq[i].c == c {
			s.runq[i].put = put
			return
		}
		break
	}
	s.runq = append(s.runq, flushMark{c: c, put: put})
}

// requeueLocked puts an unfinished flush back at the end of the queue, but
// ahead of every later flush of the same share group, which may depend on
// its commands. Caller must hold s.mu.
func (s *Service) requeueLocked(m flushMark) {
	i := slices.IndexFunc(s.runq, func(q flushMark) bool { return q.c.group == m.c.group })
	if i < 0 {
		s.runq = append(s.runq, m)
		return
	}
	s.runq = slices.Insert(s.runq, i, m)
}

// dequeueLocked drops every waiting flush of c. Caller must hold s.mu.
func (s *Service) dequeueLocked(c *CommandBufferStub) {
	s.runq = slices.DeleteFunc(s.runq, func(q flushMark) bool { return q.c == c })
}

// === Fences ===

// fencePollInterval is the sleep between polls of an outstanding submit.
const fencePollInterval = time.Millisecond

// nextFenceValue returns the fence value the next submit will signal.
func (s *Service) nextFenceValue() uint64 {
	s.fenceDirty = true
	return s.fenceValue + 1
}

// submitFence submits the work queued so far and assigns it the next fence
// value.
func (s *Service) submitFence() {
	if !s.fenceDirty {
		return
	}
	s.fenceDirty = false
	s.fenceValue++
	index, err := s.queue.Submit(nil)
	if err != nil {
		slogger().Warn("fence submit failed", slog.String("error", err.Error()))
		s.loseAll(protocol.LostReasonDeviceLost)
		return
	}
	s.inflight = append(s.inflight, submission{fence: s.fenceValue, index: index})
}

// pollFence advances completedFence past every submission the queue
// finished, polling for up to timeout while the last one is outstanding.
func (s *Service) pollFence(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		s.retireSubmissions(s.queue.PollCompleted())
		if len(s.inflight) == 0 || !time.Now().Before(deadline) {
			return
		}
		time.Sleep(min(fencePollInterval, time.Until(deadline)))
	}
}

// retireSubmissions drops the submissions up to queue index done.
func (s *Service) retireSubmissions(done uint64) {
	n := 0
	for n < len(s.inflight) && s.inflight[n].index <= done {
		s.completedFence = s.inflight[n].fence
		n++
	}
	if n > 0 {
		s.inflight = slices.Delete(s.inflight, 0, n)
	}
}

// retireQueries completes the queries whose fence passed and drops those of
// lost command buffers.
func (s *Service) retireQueries() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = 0
	for c := range s.stubs {
		if c.state.Lost() {
			c.dec.queries.drop()
			continue
		}
		s.pending += c.dec.queries.retire(s.completedFence, now)
	}
}

// === Loss and shutdown ===

// loseAll loses every command buffer.
func (s *Service) loseAll(reason protocol.LostReason) {
	s.mu.Lock()
	type lost struct {
		hooks []func(protocol.LostReason)
	}
	var all []lost
	for c := range s.stubs {
		all = append(all, lost{hooks: c.loseLocked(reason)})
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, l := range all {
		runLostHooks(l.hooks, reason)
	}
}

func (s *Service) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.loseAll(protocol.LostReasonShutdown)
}

// Close stops the scheduler, loses every context and releases every device
// resource. Close waits for Run to return. It is idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed && s.released {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	for s.running {
		s.cond.Wait()
	}
	s.mu.Unlock()

	s.loseAll(protocol.LostReasonShutdown)

	s.mu.Lock()
	groups := s.groups
	s.groups = make(map[uint64]*resourceGroup)
	s.released = true
	s.mu.Unlock()

	for _, g := range groups {
		g.destroy()
	}
	s.shaders.clear()
	slogger().Info("service closed", slog.Int("groups", len(groups)))
	return nil
}

// releaseGroupLocked drops a reference to g and reports whether it was the
// last one. Caller must hold s.mu.
func (s *Service) releaseGroupLocked(g *resourceGroup) bool {
	g.refs--
	if g.refs > 0 {
		return false
	}
	if cur, ok := s.groups[g.id]; !ok || cur != g {
		return false
	}
	delete(s.groups, g.id)
	return true
}

func runLostHooks(hooks []func(protocol.LostReason), reason protocol.LostReason) {
	for _, fn := range hooks {
		fn(reason)
	}
}
