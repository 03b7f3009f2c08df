// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"testing"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// createNoopDevice creates a noop device and queue for testing.
// Returns the device, queue, and a cleanup function.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup
}

// newTestService creates a service over a noop device. The service is
// closed when the test ends.
func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	device, queue, cleanup := createNoopDevice(t)
	t.Cleanup(cleanup)
	shms := shm.NewRegistry()
	t.Cleanup(func() { _ = shms.Close() })
	s, err := New(device, queue, shms, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ringWriter writes raw commands into a ring buffer installed on a stub.
type ringWriter struct {
	t     *testing.T
	stub  *CommandBufferStub
	words []uint32
	put   int32
}

// newRing creates a command buffer in group with a ring of size bytes.
func newRing(t *testing.T, s *Service, group uint64, size uint32) *ringWriter {
	t.Helper()
	stub, err := s.NewCommandBuffer(group)
	if err != nil {
		t.Fatalf("NewCommandBuffer failed: %v", err)
	}
	t.Cleanup(stub.Destroy)
	region, err := s.Registry().Create(size)
	if err != nil {
		t.Fatalf("Create ring failed: %v", err)
	}
	words, err := region.Words(0, size/protocol.WordSize)
	if err != nil {
		t.Fatalf("Words failed: %v", err)
	}
	stub.SetGetBuffer(region.ID())
	return &ringWriter{t: t, stub: stub, words: words}
}

// cmd appends one command.
func (w *ringWriter) cmd(op protocol.Opcode, args ...uint32) {
	w.t.Helper()
	size := int32(len(args) + 1) //nolint:gosec // test sizes
	if w.put+size > int32(len(w.words)) {
		w.t.Fatalf("ring full writing %v", op)
	}
	w.words[w.put] = uint32(protocol.MakeHeader(op, uint32(size))) //nolint:gosec // positive
	copy(w.words[w.put+1:], args)
	w.put += size
}

// ids appends a count-prefixed id command.
func (w *ringWriter) ids(op protocol.Opcode, ids ...uint32) {
	w.t.Helper()
	w.cmd(op, append([]uint32{uint32(len(ids))}, ids...)...) //nolint:gosec // test sizes
}

// flush publishes everything written so far.
func (w *ringWriter) flush() {
	w.stub.Flush(w.put)
}

// newBlock creates a shared region of size bytes.
func newBlock(t *testing.T, s *Service, size uint32) *shm.Region {
	t.Helper()
	r, err := s.Registry().Create(size)
	if err != nil {
		t.Fatalf("Create region failed: %v", err)
	}
	return r
}

func shmArg(r *shm.Region) uint32 {
	return uint32(r.ID()) //nolint:gosec // positive
}

// drain steps the scheduler until no command buffer has work.
func drain(t *testing.T, s *Service) {
	t.Helper()
	for range 10000 {
		if !s.Step() {
			return
		}
	}
	t.Fatal("scheduler never ran out of work")
}

// testShader is a vertex and fragment module naga compiles.
const testShader = `
@vertex
fn vs_main(@location(0) pos: vec2<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(pos, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.0, 0.0, 1.0);
}
`

// uploadSource stores src in bucket 1 through block.
func (w *ringWriter) uploadSource(block *shm.Region, src string) {
	w.t.Helper()
	data, err := block.Slice(0, uint32(len(src))) //nolint:gosec // test sizes
	if err != nil {
		w.t.Fatalf("Slice failed: %v", err)
	}
	copy(data, src)
	w.cmd(protocol.OpSetBucketSize, protocol.ResultBucketID, uint32(len(src)))                            //nolint:gosec // test sizes
	w.cmd(protocol.OpSetBucketData, protocol.ResultBucketID, 0, uint32(len(src)), shmArg(block), 0) //nolint:gosec // test sizes
}
