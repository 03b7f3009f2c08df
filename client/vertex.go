// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import "github.com/gogpu/cmdbuf/internal/protocol"

type vertexSourceKind uint8

const (
	sourceDeviceOffset vertexSourceKind = iota
	sourceClientArray
)

// VertexSource says where a vertex attribute reads its data: at an offset
// into the bound array buffer, or from client memory the context uploads
// before each draw.
type VertexSource struct {
	kind   vertexSourceKind
	offset uint32
	data   []byte
}

// DeviceOffset returns a source reading the bound array buffer at offset.
func DeviceOffset(offset uint32) VertexSource {
	return VertexSource{kind: sourceDeviceOffset, offset: offset}
}

// ClientArray returns a source reading data. The slice is retained and read
// at every draw until the attribute is respecified.
func ClientArray(data []byte) VertexSource {
	return VertexSource{kind: sourceClientArray, data: data}
}

// IsClientArray reports whether s reads client memory.
func (s VertexSource) IsClientArray() bool { return s.kind == sourceClientArray }

// Offset returns the buffer offset of a device source.
func (s VertexSource) Offset() uint32 { return s.offset }

// Data returns the client memory of a client source.
func (s VertexSource) Data() []byte { return s.data }

type vertexAttrib struct {
	enabled    bool
	size       uint32
	typ        uint32
	normalized bool
	stride     uint32
	source     VertexSource
	buffer     uint32
}

// elementSize returns the bytes one vertex occupies in the source.
func (a *vertexAttrib) elementSize() uint32 {
	return a.size * protocol.TypeSize(a.typ)
}

func (a *vertexAttrib) effectiveStride() uint32 {
	if a.stride != 0 {
		return a.stride
	}
	return a.elementSize()
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// EnableVertexAttribArray enables attribute index for draws.
func (c *Context) EnableVertexAttribArray(index uint32) {
	defer c.check.enter("EnableVertexAttribArray")()
	if index >= protocol.MaxVertexAttribs {
		c.setError(protocol.ErrorInvalidValue, "EnableVertexAttribArray", "index out of range")
		return
	}
	c.attribs[index].enabled = true
	_ = c.helper.Emit(protocol.OpEnableVertexAttribArray, index)
}

// VertexAttribPointer describes attribute index. Device sources are sent
// right away; client arrays are resolved at draw time.
func (c *Context) VertexAttribPointer(index, size, typ uint32, normalized bool, stride uint32, src VertexSource) {
	defer c.check.enter("VertexAttribPointer")()
	const fn = "VertexAttribPointer"
	switch {
	case index >= protocol.MaxVertexAttribs:
		c.setError(protocol.ErrorInvalidValue, fn, "index out of range")
		return
	case size < 1 || size > 4:
		c.setError(protocol.ErrorInvalidValue, fn, "size must be 1 to 4")
		return
	case protocol.TypeSize(typ) == 0:
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid type")
		return
	case stride > 255:
		c.setError(protocol.ErrorInvalidValue, fn, "stride > 255")
		return
	case !src.IsClientArray() && c.boundArrayBuffer == 0 && src.offset != 0:
		c.setError(protocol.ErrorInvalidOperation, fn, "no array buffer bound")
		return
	}
	a := &c.attribs[index]
	a.size, a.typ, a.normalized, a.stride, a.source = size, typ, normalized, stride, src
	if src.IsClientArray() {
		a.buffer = 0
		return
	}
	a.buffer = c.boundArrayBuffer
	_ = c.helper.Emit(protocol.OpVertexAttribPointer, index, size, typ, boolWord(normalized), stride, src.offset)
}

// DrawArrays draws count vertices starting at first.
func (c *Context) DrawArrays(mode uint32, first, count int32) {
	defer c.check.enter("DrawArrays")()
	const fn = "DrawArrays"
	switch {
	case !protocol.ValidDrawMode(mode):
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid mode")
		return
	case first < 0 || count < 0:
		c.setError(protocol.ErrorInvalidValue, fn, "negative first or count")
		return
	case count == 0:
		return
	}
	if !c.setupClientArrays(uint32(first), uint32(count), fn) { //nolint:gosec // checked non-negative
		return
	}
	_ = c.helper.Emit(protocol.OpDrawArrays, mode, uint32(first), uint32(count)) //nolint:gosec // checked non-negative
}

// setupClientArrays uploads the enabled client arrays into the context's
// internal array buffer and points their attributes at it. The caller's
// array buffer binding is restored afterwards.
func (c *Context) setupClientArrays(first, count uint32, fn string) bool {
	type upload struct {
		index  uint32
		data   []byte
		offset uint32
	}
	var uploads []upload
	var total uint32
	for i := range c.attribs {
		a := &c.attribs[i]
		if !a.enabled || !a.source.IsClientArray() {
			continue
		}
		stride := a.effectiveStride()
		need := uint64(first+count-1)*uint64(stride) + uint64(a.elementSize())
		if need > uint64(len(a.source.data)) {
			c.setError(protocol.ErrorInvalidOperation, fn, "client array too small")
			return false
		}
		total = alignUp(total, 4)
		uploads = append(uploads, upload{index: uint32(i), data: a.source.data[:need], offset: total}) //nolint:gosec // < MaxVertexAttribs
		total += uint32(need)                                                                           //nolint:gosec // bounded by the slice
	}
	if len(uploads) == 0 {
		return true
	}

	if c.clientArrayBuffer == 0 {
		var id [1]uint32
		c.handler(NamespaceBuffers).MakeIDs(c, 0, id[:])
		_ = c.helper.EmitIDs(protocol.OpGenBuffersImmediate, id[:])
		c.clientArrayBuffer = id[0]
	}
	packed := make([]byte, total)
	for _, u := range uploads {
		copy(packed[u.offset:], u.data)
	}

	saved := c.boundArrayBuffer
	_ = c.helper.Emit(protocol.OpBindBuffer, protocol.TargetArrayBuffer, c.clientArrayBuffer)
	c.boundArrayBuffer = c.clientArrayBuffer
	c.bufferData(protocol.TargetArrayBuffer, total, packed, protocol.UsageStreamDraw)
	for _, u := range uploads {
		a := &c.attribs[u.index]
		_ = c.helper.Emit(protocol.OpVertexAttribPointer, u.index, a.size, a.typ,
			boolWord(a.normalized), a.stride, u.offset)
	}
	_ = c.helper.Emit(protocol.OpBindBuffer, protocol.TargetArrayBuffer, saved)
	c.boundArrayBuffer = saved
	return true
}
