// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"encoding/binary"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
)

func testLimits() SharedMemoryLimits {
	return SharedMemoryLimits{
		CommandBufferSize:       4096,
		StartTransferBufferSize: 1024,
		MinTransferBufferSize:   1024,
		MaxTransferBufferSize:   4096,
		MappedMemoryChunkSize:   4096,
	}
}

func newTestContext(t *testing.T, group *ShareGroup) (*Context, *fakeService) {
	t.Helper()
	if group == nil {
		group = NewShareGroup(DefaultShareGroupConfig())
	}
	group.AddRef()
	f := newFakeService(t)
	c, err := NewContext(f, group, ContextConfig{Limits: testLimits(), DebugChecks: true})
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	t.Cleanup(c.Destroy)
	return c, f
}

func wantGLError(t *testing.T, c *Context, want protocol.ErrorCode) {
	t.Helper()
	if got := c.GetError(); got != want {
		t.Fatalf("GetError() = %v, want %v", got, want)
	}
}

func TestNewContextRejectsTinyRing(t *testing.T) {
	group := NewShareGroup(DefaultShareGroupConfig())
	_, err := NewContext(newFakeService(t), group, ContextConfig{Limits: SharedMemoryLimits{CommandBufferSize: 512}})
	wantErrIs(t, err, ErrInvalidConfig)
}

func TestContextGetErrorOrder(t *testing.T) {
	c, f := newTestContext(t, nil)

	c.BindBuffer(0x1234, 1)
	c.BindTexture(protocol.TargetTexture2D, 0)
	c.TexImage2D(protocol.TargetTexture2D, 1, 4, 4, protocol.FormatRGBA, nil)
	f.serviceErr = protocol.ErrorOutOfMemory

	wantGLError(t, c, protocol.ErrorOutOfMemory)
	wantGLError(t, c, protocol.ErrorInvalidEnum)
	wantGLError(t, c, protocol.ErrorInvalidValue)
	wantGLError(t, c, protocol.ErrorNone)
}

func TestContextInvalidBindLeavesIDUnused(t *testing.T) {
	group := NewShareGroup(DefaultShareGroupConfig())
	c, f := newTestContext(t, group)
	buffers := group.Handler(NamespaceBuffers).(*ReuseIDHandler)

	c.BindBuffer(0x1234, 5)
	if buffers.InUse(5) {
		t.Fatal("invalid target marked the id used")
	}
	wantGLError(t, c, protocol.ErrorInvalidEnum)

	c.BindBuffer(protocol.TargetArrayBuffer, 5)
	if !buffers.InUse(5) {
		t.Error("bind did not create the buffer id")
	}
	if err := c.Finish(); err != nil {
		t.Fatal(err)
	}
	if f.countOp(protocol.OpBindBuffer) != 1 {
		t.Errorf("service saw %d binds, want 1", f.countOp(protocol.OpBindBuffer))
	}
}

func TestContextStrictGroupRejectsUnknownBind(t *testing.T) {
	c, _ := newTestContext(t, NewShareGroup(ShareGroupConfig{}))
	c.BindBuffer(protocol.TargetArrayBuffer, 9)
	wantGLError(t, c, protocol.ErrorInvalidOperation)

	ids := c.GenBuffers(1)
	c.BindBuffer(protocol.TargetArrayBuffer, ids[0])
	wantGLError(t, c, protocol.ErrorNone)

	c.DeleteBuffers(ids[0])
	c.DeleteBuffers(ids[0])
	wantGLError(t, c, protocol.ErrorInvalidValue)
}

func TestContextReuseGroupRejectsDoubleDelete(t *testing.T) {
	c, f := newTestContext(t, NewShareGroup(ShareGroupConfig{BindGeneratesResource: true}))
	ids := c.GenBuffers(1)
	c.BindBuffer(protocol.TargetArrayBuffer, ids[0])

	c.DeleteBuffers(ids[0])
	wantGLError(t, c, protocol.ErrorNone)
	c.DeleteBuffers(ids[0])
	wantGLError(t, c, protocol.ErrorInvalidValue)
	if err := c.Finish(); err != nil {
		t.Fatal(err)
	}
	if n := f.countOp(protocol.OpDeleteBuffersImmediate); n != 1 {
		t.Errorf("deletes issued = %d, want 1", n)
	}

	// The id was reused by another object before the second delete.
	reused := c.GenBuffers(1)[0]
	if reused != ids[0] {
		t.Fatalf("GenBuffers = %d, want reuse of %d", reused, ids[0])
	}
	c.DeleteBuffers(ids[0], 77)
	wantGLError(t, c, protocol.ErrorInvalidValue)
	c.BindBuffer(protocol.TargetArrayBuffer, reused)
	wantGLError(t, c, protocol.ErrorNone)
}

func TestContextSharedIDs(t *testing.T) {
	group := NewShareGroup(ShareGroupConfig{})
	a, _ := newTestContext(t, group)
	b, _ := newTestContext(t, group)

	idsA := a.GenTextures(2)
	idsB := b.GenTextures(2)
	for _, x := range idsA {
		for _, y := range idsB {
			if x == y {
				t.Fatalf("contexts of one group share texture id %d", x)
			}
		}
	}
	// Private namespaces overlap freely.
	if qa, qb := a.GenQueries(1)[0], b.GenQueries(1)[0]; qa != qb {
		t.Errorf("query ids %d and %d, want both contexts to start at the same id", qa, qb)
	}
}

func TestContextBufferDataChunks(t *testing.T) {
	c, f := newTestContext(t, nil)
	id := c.GenBuffers(1)[0]
	c.BindBuffer(protocol.TargetArrayBuffer, id)

	small := make([]byte, 100)
	c.BufferData(protocol.TargetArrayBuffer, uint32(len(small)), small, protocol.UsageStaticDraw)
	big := make([]byte, 10000)
	for i := range big {
		big[i] = byte(i)
	}
	c.BufferData(protocol.TargetArrayBuffer, uint32(len(big)), big, protocol.UsageStaticDraw)
	wantGLError(t, c, protocol.ErrorNone)

	if n := f.countOp(protocol.OpBufferData); n != 2 {
		t.Fatalf("service saw %d BufferData, want 2", n)
	}
	var covered uint32
	for _, cmd := range f.commands {
		if cmd.op == protocol.OpBufferSubData {
			if cmd.args[1] != covered {
				t.Fatalf("chunk at offset %d, want %d", cmd.args[1], covered)
			}
			covered += cmd.args[2]
		}
	}
	if covered != uint32(len(big)) {
		t.Errorf("chunks cover %d bytes, want %d", covered, len(big))
	}

	c.BufferData(protocol.TargetArrayBuffer, 4, []byte{1, 2}, protocol.UsageStaticDraw)
	wantGLError(t, c, protocol.ErrorInvalidValue)
	c.BindBuffer(protocol.TargetArrayBuffer, 0)
	c.BufferData(protocol.TargetArrayBuffer, 4, nil, protocol.UsageStaticDraw)
	wantGLError(t, c, protocol.ErrorInvalidOperation)
}

func TestContextStoresWithoutDataSendNoRegion(t *testing.T) {
	c, f := newTestContext(t, nil)
	buf := c.GenBuffers(1)[0]
	c.BindBuffer(protocol.TargetArrayBuffer, buf)
	c.BufferData(protocol.TargetArrayBuffer, 64, nil, protocol.UsageDynamicDraw)
	tex := c.GenTextures(1)[0]
	c.BindTexture(protocol.TargetTexture2D, tex)
	c.TexImage2D(protocol.TargetTexture2D, 0, 4, 4, protocol.FormatRGBA, nil)
	wantGLError(t, c, protocol.ErrorNone)

	tests := []struct {
		op  protocol.Opcode
		arg int
	}{
		{protocol.OpBufferData, 2},
		{protocol.OpTexImage2D, 5},
	}
	for _, tt := range tests {
		found := false
		for _, cmd := range f.commands {
			if cmd.op != tt.op {
				continue
			}
			found = true
			if got := int32(cmd.args[tt.arg]); got != shm.InvalidID { //nolint:gosec // wire encoding
				t.Errorf("%v shm id = %d, want %d", tt.op, got, shm.InvalidID)
			}
		}
		if !found {
			t.Errorf("%v not issued", tt.op)
		}
	}
}

func TestContextTexSubImageSplitsRows(t *testing.T) {
	c, f := newTestContext(t, nil)
	id := c.GenTextures(1)[0]
	c.BindTexture(protocol.TargetTexture2D, id)

	const w, h = 64, 64
	c.TexImage2D(protocol.TargetTexture2D, 0, w, h, protocol.FormatRGBA, nil)
	c.TexSubImage2D(protocol.TargetTexture2D, 0, 0, 0, w, h, protocol.FormatRGBA, make([]byte, w*h*4))
	wantGLError(t, c, protocol.ErrorNone)

	var rows uint32
	for _, cmd := range f.commands {
		if cmd.op != protocol.OpTexSubImage2D {
			continue
		}
		if cmd.args[3] != rows {
			t.Fatalf("chunk starts at row %d, want %d", cmd.args[3], rows)
		}
		rows += cmd.args[5]
	}
	if rows != h {
		t.Errorf("chunks cover %d rows, want %d", rows, h)
	}

	// A single row larger than the transfer buffer cannot be sent.
	c.TexSubImage2D(protocol.TargetTexture2D, 0, 0, 0, 2048, 1, protocol.FormatRGBA, make([]byte, 2048*4))
	wantGLError(t, c, protocol.ErrorOutOfMemory)
}

func TestContextTexImageFromImage(t *testing.T) {
	c, f := newTestContext(t, nil)
	c.BindTexture(protocol.TargetTexture2D, c.GenTextures(1)[0])

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := range 2 {
		for x := range 2 {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	c.TexImage2DFromImage(protocol.TargetTexture2D, img, 8, 8)
	wantGLError(t, c, protocol.ErrorNone)

	var found bool
	for _, cmd := range f.commands {
		if cmd.op == protocol.OpTexImage2D && cmd.args[2] == 8 && cmd.args[3] == 8 {
			found = true
			region, _ := f.shms.Lookup(int32(cmd.args[5])) //nolint:gosec // test ids
			px, _ := region.Slice(cmd.args[6], 4)
			if px[0] < 200 || px[1] > 50 || px[3] < 200 {
				t.Errorf("first texel = %v, want opaque red", px)
			}
		}
	}
	if !found {
		t.Error("no 8x8 TexImage2D sent")
	}
}

func TestContextAsyncUploads(t *testing.T) {
	c, f := newTestContext(t, nil)
	c.BindTexture(protocol.TargetTexture2D, c.GenTextures(1)[0])
	c.TexImage2D(protocol.TargetTexture2D, 0, 16, 16, protocol.FormatRGBA, nil)

	f.paused = true
	for range 3 {
		c.AsyncTexSubImage2D(protocol.TargetTexture2D, 0, 0, 0, 16, 16, protocol.FormatRGBA, make([]byte, 16*16*4))
	}
	if n := c.AsyncUploads().Pending(); n != 3 {
		t.Fatalf("Pending() = %d, want 3", n)
	}
	if err := c.WaitAsyncTexUploads(); err != nil {
		t.Fatalf("WaitAsyncTexUploads failed: %v", err)
	}
	if n := c.AsyncUploads().Pending(); n != 0 {
		t.Errorf("Pending() = %d after the wait, want 0", n)
	}
	if f.countOp(protocol.OpWaitAsyncUploads) != 1 {
		t.Error("service never saw the wait")
	}
}

func TestContextQueries(t *testing.T) {
	c, _ := newTestContext(t, nil)
	id := c.GenQueries(1)[0]

	c.BeginQuery(protocol.QueryAnySamplesPassed, id)
	_ = c.GetQueryObject(id, protocol.QueryResult)
	wantGLError(t, c, protocol.ErrorInvalidOperation)
	c.EndQuery(protocol.QueryAnySamplesPassed)

	if got := c.GetQueryObject(id, protocol.QueryResult); got != 10 {
		t.Errorf("QueryResult = %d, want 10", got)
	}
	if got := c.GetQueryObject(id, protocol.QueryResultAvailable); got != 1 {
		t.Errorf("QueryResultAvailable = %d, want 1", got)
	}
	if !c.IsQuery(id) {
		t.Error("IsQuery() = false for a used query")
	}

	c.BeginQuery(protocol.QueryAnySamplesPassed, 999)
	wantGLError(t, c, protocol.ErrorInvalidOperation)
	c.DeleteQueries(999)
	wantGLError(t, c, protocol.ErrorInvalidValue)
}

func TestContextGetErrorQuery(t *testing.T) {
	c, _ := newTestContext(t, nil)
	id := c.GenQueries(1)[0]

	c.BindBuffer(0x1234, 1)
	c.BeginQuery(protocol.QueryGetError, id)
	c.EndQuery(protocol.QueryGetError)
	if got := c.GetQueryObject(id, protocol.QueryResult); got != uint64(protocol.ErrorInvalidEnum) {
		t.Errorf("GetError query result = %d, want %d", got, protocol.ErrorInvalidEnum)
	}
	wantGLError(t, c, protocol.ErrorNone)
}

func TestContextDeletePendingQuery(t *testing.T) {
	c, f := newTestContext(t, nil)
	id := c.GenQueries(1)[0]

	f.paused = true
	c.BeginQuery(protocol.QueryCommandsCompleted, id)
	c.EndQuery(protocol.QueryCommandsCompleted)
	c.DeleteQueries(id)
	if c.QueryTracker().NumRemovedPending() != 1 {
		t.Fatal("pending query record released at delete")
	}
	if err := c.Finish(); err != nil {
		t.Fatal(err)
	}
	if c.QueryTracker().NumRemovedPending() != 0 {
		t.Error("record of the completed query not released")
	}
}

func TestContextDeleteActiveQuery(t *testing.T) {
	tests := []struct {
		name    string
		target  uint32
		pending int
	}{
		{"commands completed", protocol.QueryCommandsCompleted, 1},
		{"any samples passed", protocol.QueryAnySamplesPassed, 1},
		{"get error", protocol.QueryGetError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestContext(t, nil)
			id := c.GenQueries(1)[0]

			c.BeginQuery(tt.target, id)
			c.DeleteQueries(id)
			if _, ok := c.QueryTracker().CurrentQuery(tt.target); ok {
				t.Fatal("deleted query still active")
			}
			if got := c.QueryTracker().NumRemovedPending(); got != tt.pending {
				t.Fatalf("removed pending = %d, want %d", got, tt.pending)
			}
			wantGLError(t, c, protocol.ErrorNone)
			if err := c.Finish(); err != nil {
				t.Fatal(err)
			}
			c.QueryTracker().FreeCompletedQueries()
			if got := c.QueryTracker().NumRemovedPending(); got != 0 {
				t.Errorf("removed pending after Finish = %d, want 0", got)
			}
			for i, b := range c.QueryTracker().SyncManager().buckets {
				if b.count != 0 {
					t.Errorf("bucket %d holds %d records, want 0", i, b.count)
				}
			}

			// The target is free for a new query.
			next := c.GenQueries(1)[0]
			c.BeginQuery(tt.target, next)
			c.EndQuery(tt.target)
			wantGLError(t, c, protocol.ErrorNone)
		})
	}
}

func TestContextCompletions(t *testing.T) {
	c, f := newTestContext(t, nil)
	f.paused = true
	id := c.GenQueries(1)[0]
	c.BeginQuery(protocol.QueryCommandsCompleted, id)
	c.EndQuery(protocol.QueryCommandsCompleted)

	var order []string
	c.SignalQuery(id, func() { order = append(order, "query") })
	c.SignalToken(c.InsertToken(), func() { order = append(order, "token") })
	c.RunCompletions()
	if len(order) != 0 {
		t.Fatalf("callbacks %v ran before the service", order)
	}
	if err := c.Finish(); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "query" || order[1] != "token" {
		t.Errorf("callbacks ran as %v, want [query token]", order)
	}
}

func TestContextLoss(t *testing.T) {
	group := NewShareGroup(DefaultShareGroupConfig())
	c, f := newTestContext(t, group)
	id := c.GenQueries(1)[0]

	f.paused = true
	c.BeginQuery(protocol.QueryAnySamplesPassed, id)
	c.EndQuery(protocol.QueryAnySamplesPassed)
	var reasons []protocol.LostReason
	c.OnContextLost(func(r protocol.LostReason) { reasons = append(reasons, r) })
	completed := false
	c.SignalQuery(id, func() { completed = true })

	f.lose(protocol.LostReasonDeviceLost)
	wantErrIs(t, c.Finish(), ErrContextLost)
	if len(reasons) != 1 || reasons[0] != protocol.LostReasonDeviceLost {
		t.Fatalf("lost callbacks saw %v", reasons)
	}
	if !completed {
		t.Error("completion did not run after loss")
	}
	if !group.IsLost() {
		t.Error("share group not marked lost")
	}
	if got := c.GetQueryObject(id, protocol.QueryResult); got != 0 {
		t.Errorf("QueryResult after loss = %d, want 0", got)
	}
	wantGLError(t, c, protocol.ErrorContextLost)
	if len(reasons) != 1 {
		t.Errorf("lost callbacks ran %d times", len(reasons))
	}
}

func TestContextClientArrays(t *testing.T) {
	c, f := newTestContext(t, nil)
	devBuf := c.GenBuffers(1)[0]
	c.BindBuffer(protocol.TargetArrayBuffer, devBuf)
	c.BufferData(protocol.TargetArrayBuffer, 64, nil, protocol.UsageStaticDraw)

	positions := make([]byte, 3*2*4)
	for i := range 6 {
		binary.LittleEndian.PutUint32(positions[i*4:], math.Float32bits(float32(i)))
	}
	c.EnableVertexAttribArray(0)
	c.VertexAttribPointer(0, 2, protocol.TypeFloat, false, 0, ClientArray(positions))
	c.EnableVertexAttribArray(1)
	c.VertexAttribPointer(1, 4, protocol.TypeUnsignedByte, true, 0, DeviceOffset(16))
	c.DrawArrays(protocol.ModeTriangles, 0, 3)
	wantGLError(t, c, protocol.ErrorNone)

	ops := f.ops()
	draw := -1
	for i, op := range ops {
		if op == protocol.OpDrawArrays {
			draw = i
		}
	}
	if draw < 3 {
		t.Fatalf("no DrawArrays after the client array upload: %v", ops)
	}
	restore := f.commands[draw-1]
	if restore.op != protocol.OpBindBuffer || restore.args[1] != devBuf {
		t.Errorf("command before the draw = %v %v, want the array buffer rebound to %d", restore.op, restore.args, devBuf)
	}
	ptr := f.commands[draw-2]
	if ptr.op != protocol.OpVertexAttribPointer || ptr.args[0] != 0 {
		t.Errorf("client attribute not repointed before the draw: %v %v", ptr.op, ptr.args)
	}

	c.DrawArrays(protocol.ModeTriangles, 0, 4)
	wantGLError(t, c, protocol.ErrorInvalidOperation)
	c.DrawArrays(0x99, 0, 3)
	wantGLError(t, c, protocol.ErrorInvalidEnum)
}

func TestContextVertexArrays(t *testing.T) {
	c, _ := newTestContext(t, nil)
	c.BindVertexArray(7)
	wantGLError(t, c, protocol.ErrorInvalidOperation)

	id := c.GenVertexArrays(1)[0]
	c.BindVertexArray(id)
	c.DeleteVertexArrays(id)
	wantGLError(t, c, protocol.ErrorNone)
	if c.boundVertexArray != 0 {
		t.Error("deleted vertex array still bound")
	}
}

func TestContextFramebuffers(t *testing.T) {
	c, f := newTestContext(t, nil)
	c.FramebufferRenderbuffer(protocol.TargetFramebuffer, protocol.AttachmentColor0, protocol.TargetRenderbuffer, 1)
	wantGLError(t, c, protocol.ErrorInvalidOperation)

	fb := c.GenFramebuffers(1)[0]
	rb := c.GenRenderbuffers(1)[0]
	c.BindFramebuffer(protocol.TargetFramebuffer, fb)
	c.BindRenderbuffer(protocol.TargetRenderbuffer, rb)
	c.RenderbufferStorage(protocol.TargetRenderbuffer, protocol.FormatRGBA, 32, 32)
	c.FramebufferRenderbuffer(protocol.TargetFramebuffer, protocol.AttachmentColor0, protocol.TargetRenderbuffer, rb)
	wantGLError(t, c, protocol.ErrorNone)
	if f.countOp(protocol.OpFramebufferRenderbuffer) != 1 || f.countOp(protocol.OpRenderbufferStorage) != 1 {
		t.Error("framebuffer setup not sent")
	}

	c.RenderbufferStorage(protocol.TargetRenderbuffer, protocol.FormatRGBA, protocol.MaxTextureSize+1, 1)
	wantGLError(t, c, protocol.ErrorInvalidValue)
}

func TestCallCheckerPanicsOnOverlap(t *testing.T) {
	var c callChecker
	c.enabled = true
	done := c.enter("Flush")
	defer func() {
		if recover() == nil {
			t.Error("overlapping calls did not panic")
		}
		done()
		c.enter("Flush")()
	}()
	c.enter("Finish")
}
