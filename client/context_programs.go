// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"bytes"

	"github.com/gogpu/cmdbuf/internal/protocol"
)

// setBucketContents stores data in the service bucket, sending it through
// the transfer buffer in as many blocks as needed.
func (c *Context) setBucketContents(bucket uint32, data []byte, fn string) bool {
	_ = c.helper.Emit(protocol.OpSetBucketSize, bucket, uint32(len(data))) //nolint:gosec // bounded by caller
	var offset uint32
	for len(data) > 0 {
		a, err := c.tb.AllocUpTo(uint32(min(len(data), 1<<31))) //nolint:gosec // clamped
		if err != nil {
			c.setError(protocol.ErrorOutOfMemory, fn, err.Error())
			return false
		}
		n := copy(a.Data, data)
		_ = c.helper.Emit(protocol.OpSetBucketData, bucket, offset, uint32(n), uint32(a.ShmID), a.Offset) //nolint:gosec // positive
		c.tb.Release(a)
		offset += uint32(n) //nolint:gosec // bounded by len(data)
		data = data[n:]
	}
	return true
}

// bucketContents reads the service bucket back, blocking for each block.
func (c *Context) bucketContents(bucket uint32) ([]byte, bool) {
	result := c.resultWords()
	if result == nil {
		return nil, false
	}
	want := c.tb.Size()
	if want <= protocol.ResultSize {
		want = c.tb.cfg.StartSize
	}
	a, err := c.tb.AllocUpTo(want - protocol.ResultSize)
	if err != nil {
		return nil, false
	}
	defer c.tb.Release(a)

	shmID, off := c.resultArgs()
	_ = c.helper.Emit(protocol.OpGetBucketStart, bucket, shmID, off,
		a.Size(), uint32(a.ShmID), a.Offset) //nolint:gosec // positive
	if !c.waitForCmd() {
		return nil, false
	}
	size := result[0]
	data := make([]byte, 0, size)
	data = append(data, a.Data[:min(size, a.Size())]...)
	for uint32(len(data)) < size { //nolint:gosec // bounded by size
		offset := uint32(len(data)) //nolint:gosec // bounded by size
		n := min(size-offset, a.Size())
		_ = c.helper.Emit(protocol.OpGetBucketData, bucket, offset, n, uint32(a.ShmID), a.Offset) //nolint:gosec // positive
		if !c.waitForCmd() {
			return nil, false
		}
		data = append(data, a.Data[:n]...)
	}
	return data, true
}

// CreateShader creates a shader object of the given stage and returns its
// ID, or 0 on error. Shader and program IDs are never reused.
func (c *Context) CreateShader(typ uint32) uint32 {
	defer c.check.enter("CreateShader")()
	if !protocol.ValidShaderType(typ) {
		c.setError(protocol.ErrorInvalidEnum, "CreateShader", "invalid shader type")
		return 0
	}
	var id [1]uint32
	c.handler(NamespaceProgramsAndShaders).MakeIDs(c, 0, id[:])
	_ = c.helper.Emit(protocol.OpCreateShader, typ, id[0])
	return id[0]
}

// ShaderSource replaces the source of shader. The service expects WGSL.
func (c *Context) ShaderSource(shader uint32, source string) {
	defer c.check.enter("ShaderSource")()
	if shader == 0 {
		c.setError(protocol.ErrorInvalidValue, "ShaderSource", "shader is 0")
		return
	}
	if !c.setBucketContents(protocol.ResultBucketID, []byte(source), "ShaderSource") {
		return
	}
	_ = c.helper.Emit(protocol.OpShaderSourceBucket, shader, protocol.ResultBucketID)
	_ = c.helper.Emit(protocol.OpSetBucketSize, protocol.ResultBucketID, 0)
}

// CompileShader compiles shader.
func (c *Context) CompileShader(shader uint32) {
	defer c.check.enter("CompileShader")()
	_ = c.helper.Emit(protocol.OpCompileShader, shader)
}

// GetShaderiv returns a shader parameter. It blocks until the service
// answered and returns 0 on error.
func (c *Context) GetShaderiv(shader, pname uint32) int32 {
	defer c.check.enter("GetShaderiv")()
	if pname != protocol.ShaderCompileStatus && pname != protocol.ShaderInfoLogLength {
		c.setError(protocol.ErrorInvalidEnum, "GetShaderiv", "invalid pname")
		return 0
	}
	result := c.resultWords()
	if result == nil {
		return 0
	}
	shmID, off := c.resultArgs()
	_ = c.helper.Emit(protocol.OpGetShaderiv, shader, pname, shmID, off)
	if !c.waitForCmd() || result[0] == 0 {
		return 0
	}
	return int32(result[1]) //nolint:gosec // small values
}

// GetShaderInfoLog returns the compile log of shader.
func (c *Context) GetShaderInfoLog(shader uint32) string {
	defer c.check.enter("GetShaderInfoLog")()
	_ = c.helper.Emit(protocol.OpGetShaderInfoLog, shader, protocol.ResultBucketID)
	data, ok := c.bucketContents(protocol.ResultBucketID)
	if !ok {
		return ""
	}
	_ = c.helper.Emit(protocol.OpSetBucketSize, protocol.ResultBucketID, 0)
	return string(bytes.TrimRight(data, "\x00"))
}

// DeleteShader deletes shader. Its ID is retired for good.
func (c *Context) DeleteShader(shader uint32) {
	defer c.check.enter("DeleteShader")()
	c.deleteProgramObject(protocol.OpDeleteShader, shader)
}

// CreateProgram creates a program object and returns its ID.
func (c *Context) CreateProgram() uint32 {
	defer c.check.enter("CreateProgram")()
	var id [1]uint32
	c.handler(NamespaceProgramsAndShaders).MakeIDs(c, 0, id[:])
	_ = c.helper.Emit(protocol.OpCreateProgram, id[0])
	return id[0]
}

// AttachShader attaches shader to program.
func (c *Context) AttachShader(program, shader uint32) {
	defer c.check.enter("AttachShader")()
	_ = c.helper.Emit(protocol.OpAttachShader, program, shader)
}

// LinkProgram links program.
func (c *Context) LinkProgram(program uint32) {
	defer c.check.enter("LinkProgram")()
	_ = c.helper.Emit(protocol.OpLinkProgram, program)
}

// UseProgram makes program current.
func (c *Context) UseProgram(program uint32) {
	defer c.check.enter("UseProgram")()
	_ = c.helper.Emit(protocol.OpUseProgram, program)
}

// DeleteProgram deletes program.
func (c *Context) DeleteProgram(program uint32) {
	defer c.check.enter("DeleteProgram")()
	c.deleteProgramObject(protocol.OpDeleteProgram, program)
}

func (c *Context) deleteProgramObject(op protocol.Opcode, id uint32) {
	if id == 0 {
		return
	}
	c.handler(NamespaceProgramsAndShaders).FreeIDs(c, []uint32{id}, func(ids []uint32) {
		_ = c.helper.Emit(op, ids[0])
	})
}
