// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
)

// recordedCommand is one command the fake service parsed.
type recordedCommand struct {
	op   protocol.Opcode
	args []uint32
}

type queryLoc struct {
	id, shmID, off, submit uint32
}

// fakeService is a synchronous stand-in for the service side of a command
// buffer. Flushed commands are parsed at once unless the service is paused;
// a paused service only catches up when the client blocks.
type fakeService struct {
	t    *testing.T
	shms *shm.Registry

	ring  []uint32
	state protocol.State
	put   int32

	paused     bool
	maxRegion  uint32
	serviceErr protocol.ErrorCode

	commands []recordedCommand
	active   map[uint32]queryLoc
	ended    []queryLoc
	flushes  int
	waits    int
	onWait   func()
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	f := &fakeService{t: t, shms: shm.NewRegistry(), active: make(map[uint32]queryLoc)}
	t.Cleanup(func() { _ = f.shms.Close() })
	return f
}

func (f *fakeService) LastState() protocol.State { return f.state }

func (f *fakeService) Flush(put int32) {
	f.flushes++
	f.put = put
	f.state.ReleaseCount++
	if !f.paused {
		f.process()
	}
}

func (f *fakeService) WaitForTokenInRange(start, end int32) protocol.State {
	f.waits++
	if f.onWait != nil {
		f.onWait()
	}
	f.process()
	return f.state
}

func (f *fakeService) WaitForGetOffsetInRange(count uint32, start, end int32) protocol.State {
	f.waits++
	if f.onWait != nil {
		f.onWait()
	}
	f.process()
	return f.state
}

func (f *fakeService) SetGetBuffer(id int32) {
	region, ok := f.shms.Lookup(id)
	if !ok {
		f.t.Fatalf("SetGetBuffer: unknown shm id %d", id)
	}
	words, err := region.Words(0, region.Size()/protocol.WordSize)
	if err != nil {
		f.t.Fatalf("SetGetBuffer: %v", err)
	}
	f.ring = words
	f.put = 0
	f.state.GetOffset = 0
	f.state.SetGetBufferCount++
}

func (f *fakeService) CreateTransferBuffer(size uint32) (*shm.Region, error) {
	if f.maxRegion != 0 && size > f.maxRegion {
		return nil, fmt.Errorf("fake: region of %d bytes refused", size)
	}
	return f.shms.Create(size)
}

func (f *fakeService) DestroyTransferBuffer(id int32) {
	if err := f.shms.Destroy(id); err != nil {
		f.t.Errorf("DestroyTransferBuffer(%d): %v", id, err)
	}
}

// lose marks the context lost.
func (f *fakeService) lose(reason protocol.LostReason) {
	f.state.Error = protocol.ErrorContextLost
	f.state.ContextLostReason = reason
}

// process parses every command between get and put.
func (f *fakeService) process() {
	if f.state.Lost() {
		return
	}
	for f.state.GetOffset != f.put {
		get := f.state.GetOffset
		h := protocol.Header(f.ring[get])
		size := int32(h.Size()) //nolint:gosec // 21 bits
		if size == 0 || get+size > int32(len(f.ring)) {
			f.lose(protocol.LostReasonParseError)
			return
		}
		cmd := recordedCommand{op: h.Opcode(), args: append([]uint32(nil), f.ring[get+1:get+size]...)}
		f.execute(cmd)
		if cmd.op != protocol.OpNoop {
			f.commands = append(f.commands, cmd)
		}
		f.state.GetOffset = (get + size) % int32(len(f.ring))
	}
	f.completeQueries()
}

func (f *fakeService) execute(cmd recordedCommand) {
	switch cmd.op {
	case protocol.OpSetToken:
		f.state.Token = int32(cmd.args[0]) //nolint:gosec // positive
	case protocol.OpGetError:
		if w := f.words(cmd.args[0], cmd.args[1], 1); w != nil {
			w[0] = uint32(f.serviceErr)
			f.serviceErr = protocol.ErrorNone
		}
	case protocol.OpBeginQuery:
		f.active[cmd.args[0]] = queryLoc{id: cmd.args[1], shmID: cmd.args[2], off: cmd.args[3], submit: cmd.args[4]}
	case protocol.OpEndQuery:
		if l, ok := f.active[cmd.args[0]]; ok {
			l.submit = cmd.args[1]
			f.ended = append(f.ended, l)
			delete(f.active, cmd.args[0])
		}
	case protocol.OpDeleteQueriesImmediate:
		// Deleting an active query ends it.
		for _, id := range cmd.args[1:] {
			for target, l := range f.active {
				if l.id == id {
					f.ended = append(f.ended, l)
					delete(f.active, target)
				}
			}
		}
	case protocol.OpAsyncTexSubImage2D:
		if w := f.words(cmd.args[10], cmd.args[11], 1); w != nil {
			sync, _ := protocol.NewAsyncUploadSync(w)
			sync.SetToken(cmd.args[9])
		}
	}
}

// completeQueries writes results for every ended query: the submit count
// times 10.
func (f *fakeService) completeQueries() {
	for _, l := range f.ended {
		if w := f.words(l.shmID, l.off, 4); w != nil {
			sync, _ := protocol.NewQuerySync(w)
			sync.Complete(l.submit, uint64(l.submit)*10)
		}
	}
	f.ended = f.ended[:0]
}

func (f *fakeService) words(shmID, off, n uint32) []uint32 {
	region, ok := f.shms.Lookup(int32(shmID)) //nolint:gosec // wire encoding
	if !ok {
		return nil
	}
	w, err := region.Words(off, n)
	if err != nil {
		return nil
	}
	return w
}

// ops returns the opcodes parsed so far.
func (f *fakeService) ops() []protocol.Opcode {
	out := make([]protocol.Opcode, 0, len(f.commands))
	for _, c := range f.commands {
		out = append(out, c.op)
	}
	return out
}

// countOp returns how often op was parsed.
func (f *fakeService) countOp(op protocol.Opcode) int {
	n := 0
	for _, c := range f.commands {
		if c.op == op {
			n++
		}
	}
	return n
}

// newTestHelper creates an initialized helper over a fake service.
func newTestHelper(t *testing.T, ringSize uint32) (*CommandBufferHelper, *fakeService) {
	t.Helper()
	f := newFakeService(t)
	h := NewCommandBufferHelper(f)
	if err := h.Initialize(ringSize); err != nil {
		t.Fatalf("Initialize(%d) failed: %v", ringSize, err)
	}
	return h, f
}

// fakeIDContext is a minimal IDContext with a controllable flush generation.
type fakeIDContext struct {
	gen      uint32
	barriers int
	data     [numNamespaces]IDHandlerData
}

func (c *fakeIDContext) FlushGeneration() uint32 { return c.gen }
func (c *fakeIDContext) OrderingBarrier()        { c.barriers++; c.gen++ }
func (c *fakeIDContext) IDHandlerData(ns Namespace) *IDHandlerData {
	return &c.data[ns]
}

func wantErrIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("error = %v, want %v", err, target)
	}
}
