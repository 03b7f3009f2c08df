// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package client

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/cmdbuf/internal/protocol"
)

// GenBuffers returns n new buffer IDs.
func (c *Context) GenBuffers(n int) []uint32 {
	defer c.check.enter("GenBuffers")()
	return c.genIDs(NamespaceBuffers, protocol.OpGenBuffersImmediate, n, "GenBuffers")
}

// DeleteBuffers deletes buffers and unbinds them from this context.
func (c *Context) DeleteBuffers(ids ...uint32) {
	defer c.check.enter("DeleteBuffers")()
	if !c.deleteIDs(NamespaceBuffers, protocol.OpDeleteBuffersImmediate, ids, "DeleteBuffers") {
		return
	}
	for _, id := range ids {
		if id == InvalidID {
			continue
		}
		if c.boundArrayBuffer == id {
			c.boundArrayBuffer = 0
		}
		if c.boundElementBuffer == id {
			c.boundElementBuffer = 0
		}
		for i := range c.attribs {
			if c.attribs[i].buffer == id {
				c.attribs[i].buffer = 0
			}
		}
	}
}

// BindBuffer binds buffer id to target.
func (c *Context) BindBuffer(target, id uint32) {
	defer c.check.enter("BindBuffer")()
	c.bindBuffer(target, id)
}

func (c *Context) bindBuffer(target, id uint32) {
	// The target is checked before the ID is marked used so an invalid call
	// leaves no trace in the share group.
	if !protocol.ValidBufferTarget(target) {
		c.setError(protocol.ErrorInvalidEnum, "BindBuffer", "invalid target")
		return
	}
	if !c.bindID(NamespaceBuffers, protocol.OpBindBuffer, target, id, "BindBuffer") {
		return
	}
	if target == protocol.TargetArrayBuffer {
		c.boundArrayBuffer = id
	} else {
		c.boundElementBuffer = id
	}
}

func (c *Context) boundBuffer(target uint32) uint32 {
	if target == protocol.TargetArrayBuffer {
		return c.boundArrayBuffer
	}
	return c.boundElementBuffer
}

// BufferData (re)creates the storage of the buffer bound to target with size
// bytes. data is nil or exactly size bytes.
func (c *Context) BufferData(target, size uint32, data []byte, usage uint32) {
	defer c.check.enter("BufferData")()
	c.bufferData(target, size, data, usage)
}

func (c *Context) bufferData(target, size uint32, data []byte, usage uint32) {
	const fn = "BufferData"
	switch {
	case !protocol.ValidBufferTarget(target):
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid target")
		return
	case !protocol.ValidUsage(usage):
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid usage")
		return
	case data != nil && uint64(len(data)) != uint64(size):
		c.setError(protocol.ErrorInvalidValue, fn, "data size mismatch")
		return
	case c.boundBuffer(target) == 0:
		c.setError(protocol.ErrorInvalidOperation, fn, "no buffer bound")
		return
	}
	if size == 0 || data == nil {
		_ = c.helper.Emit(protocol.OpBufferData, target, size, protocol.InvalidShmID, 0, usage)
		return
	}

	// One allocation when the payload fits, otherwise storage first and the
	// contents in chunks.
	if size <= c.tb.MaxSize()-protocol.ResultSize {
		if a, err := c.tb.Alloc(size); err == nil {
			copy(a.Data, data)
			_ = c.helper.Emit(protocol.OpBufferData, target, size, uint32(a.ShmID), a.Offset, usage) //nolint:gosec // positive
			c.tb.Release(a)
			return
		}
	}
	_ = c.helper.Emit(protocol.OpBufferData, target, size, protocol.InvalidShmID, 0, usage)
	c.bufferSubData(target, 0, data, fn)
}

// BufferSubData writes data at offset into the buffer bound to target,
// splitting the payload across as many transfer buffer blocks as needed.
func (c *Context) BufferSubData(target, offset uint32, data []byte) {
	defer c.check.enter("BufferSubData")()
	const fn = "BufferSubData"
	switch {
	case !protocol.ValidBufferTarget(target):
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid target")
		return
	case c.boundBuffer(target) == 0:
		c.setError(protocol.ErrorInvalidOperation, fn, "no buffer bound")
		return
	case uint64(offset)+uint64(len(data)) > 1<<32-1:
		c.setError(protocol.ErrorInvalidValue, fn, "range overflows")
		return
	}
	c.bufferSubData(target, offset, data, fn)
}

func (c *Context) bufferSubData(target, offset uint32, data []byte, fn string) {
	for len(data) > 0 {
		a, err := c.tb.AllocUpTo(uint32(min(len(data), 1<<31))) //nolint:gosec // clamped
		if err != nil {
			c.setError(protocol.ErrorOutOfMemory, fn, err.Error())
			return
		}
		n := copy(a.Data, data)
		_ = c.helper.Emit(protocol.OpBufferSubData, target, offset, uint32(n), uint32(a.ShmID), a.Offset) //nolint:gosec // positive
		c.tb.Release(a)
		offset += uint32(n) //nolint:gosec // bounded by the checked range
		data = data[n:]
	}
}

// GenTextures returns n new texture IDs.
func (c *Context) GenTextures(n int) []uint32 {
	defer c.check.enter("GenTextures")()
	return c.genIDs(NamespaceTextures, protocol.OpGenTexturesImmediate, n, "GenTextures")
}

// DeleteTextures deletes textures and unbinds them from this context.
func (c *Context) DeleteTextures(ids ...uint32) {
	defer c.check.enter("DeleteTextures")()
	if !c.deleteIDs(NamespaceTextures, protocol.OpDeleteTexturesImmediate, ids, "DeleteTextures") {
		return
	}
	for _, id := range ids {
		if id != InvalidID && c.boundTexture == id {
			c.boundTexture = 0
		}
	}
}

// BindTexture binds texture id to target.
func (c *Context) BindTexture(target, id uint32) {
	defer c.check.enter("BindTexture")()
	if target != protocol.TargetTexture2D {
		c.setError(protocol.ErrorInvalidEnum, "BindTexture", "invalid target")
		return
	}
	if c.bindID(NamespaceTextures, protocol.OpBindTexture, target, id, "BindTexture") {
		c.boundTexture = id
	}
}

// validTexImage checks the arguments shared by the texture uploads and
// returns the size of one texel.
func (c *Context) validTexImage(fn string, target, level, width, height, format uint32, pixels []byte) (uint32, bool) {
	bpp := protocol.BytesPerPixel(format)
	switch {
	case target != protocol.TargetTexture2D:
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid target")
	case bpp == 0:
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid format")
	case level != 0:
		c.setError(protocol.ErrorInvalidValue, fn, "level must be 0")
	case width > protocol.MaxTextureSize || height > protocol.MaxTextureSize:
		c.setError(protocol.ErrorInvalidValue, fn, "dimensions too large")
	case pixels != nil && uint64(len(pixels)) != uint64(width)*uint64(height)*uint64(bpp):
		c.setError(protocol.ErrorInvalidValue, fn, "pixel data size mismatch")
	case c.boundTexture == 0:
		c.setError(protocol.ErrorInvalidOperation, fn, "no texture bound")
	default:
		return bpp, true
	}
	return 0, false
}

// TexImage2D (re)creates the image of the texture bound to target. pixels is
// nil or tightly packed rows of width*height texels.
func (c *Context) TexImage2D(target, level, width, height, format uint32, pixels []byte) {
	defer c.check.enter("TexImage2D")()
	c.texImage2D(target, level, width, height, format, pixels)
}

func (c *Context) texImage2D(target, level, width, height, format uint32, pixels []byte) {
	const fn = "TexImage2D"
	bpp, ok := c.validTexImage(fn, target, level, width, height, format, pixels)
	if !ok {
		return
	}
	size := width * height * bpp
	if pixels == nil || size == 0 {
		_ = c.helper.Emit(protocol.OpTexImage2D, target, level, width, height, format, protocol.InvalidShmID, 0)
		return
	}
	if size <= c.tb.MaxSize()-protocol.ResultSize {
		if a, err := c.tb.Alloc(size); err == nil {
			copy(a.Data, pixels)
			_ = c.helper.Emit(protocol.OpTexImage2D, target, level, width, height, format, uint32(a.ShmID), a.Offset) //nolint:gosec // positive
			c.tb.Release(a)
			return
		}
	}
	_ = c.helper.Emit(protocol.OpTexImage2D, target, level, width, height, format, protocol.InvalidShmID, 0)
	c.texSubImage2D(fn, target, level, 0, 0, width, height, format, bpp, pixels)
}

// TexSubImage2D replaces a rectangle of the texture bound to target.
// Rows are sent in as many transfer buffer blocks as needed; a row never
// straddles two blocks.
func (c *Context) TexSubImage2D(target, level, x, y, width, height, format uint32, pixels []byte) {
	defer c.check.enter("TexSubImage2D")()
	const fn = "TexSubImage2D"
	if pixels == nil {
		c.setError(protocol.ErrorInvalidValue, fn, "no pixel data")
		return
	}
	bpp, ok := c.validTexImage(fn, target, level, width, height, format, pixels)
	if !ok {
		return
	}
	c.texSubImage2D(fn, target, level, x, y, width, height, format, bpp, pixels)
}

func (c *Context) texSubImage2D(fn string, target, level, x, y, width, height, format, bpp uint32, pixels []byte) {
	rowBytes := width * bpp
	if rowBytes == 0 {
		return
	}
	for height > 0 {
		a, err := c.tb.AllocUpTo(height * rowBytes)
		if err != nil {
			c.setError(protocol.ErrorOutOfMemory, fn, err.Error())
			return
		}
		rows := a.Size() / rowBytes
		if rows == 0 {
			c.tb.DiscardBlock(a)
			c.setError(protocol.ErrorOutOfMemory, fn, "row larger than the transfer buffer")
			return
		}
		n := rows * rowBytes
		copy(a.Data, pixels[:n])
		_ = c.helper.Emit(protocol.OpTexSubImage2D, target, level, x, y, width, rows, format,
			uint32(a.ShmID), a.Offset) //nolint:gosec // positive
		c.tb.Release(a)
		pixels = pixels[n:]
		y += rows
		height -= rows
	}
}

// AsyncTexSubImage2D replaces a rectangle of the texture bound to target
// without waiting for the service to read the pixels. The payload lives in
// mapped memory until the upload retires.
func (c *Context) AsyncTexSubImage2D(target, level, x, y, width, height, format uint32, pixels []byte) {
	defer c.check.enter("AsyncTexSubImage2D")()
	const fn = "AsyncTexSubImage2D"
	if pixels == nil {
		c.setError(protocol.ErrorInvalidValue, fn, "no pixel data")
		return
	}
	if _, ok := c.validTexImage(fn, target, level, width, height, format, pixels); !ok {
		return
	}
	if len(pixels) == 0 {
		return
	}
	syncShm, syncOff, err := c.async.SyncLocation()
	if err != nil {
		c.setError(protocol.ErrorOutOfMemory, fn, err.Error())
		return
	}
	a, err := c.mapped.Alloc(uint32(len(pixels))) //nolint:gosec // bounded by MaxTextureSize
	if err != nil {
		c.setError(protocol.ErrorOutOfMemory, fn, err.Error())
		return
	}
	copy(a.Data, pixels)
	token := c.async.NextToken()
	_ = c.helper.Emit(protocol.OpAsyncTexSubImage2D, target, level, x, y, width, height, format,
		uint32(a.ShmID), a.Offset, token, uint32(syncShm), syncOff) //nolint:gosec // positive
	c.async.Detach(a, token)
}

// WaitAsyncTexUploads blocks until every async upload retired.
func (c *Context) WaitAsyncTexUploads() error {
	defer c.check.enter("WaitAsyncTexUploads")()
	return c.async.Wait()
}

// TexImage2DFromImage uploads img into the texture bound to target as RGBA,
// scaled to width x height. A zero width or height keeps the image size.
func (c *Context) TexImage2DFromImage(target uint32, img image.Image, width, height uint32) {
	defer c.check.enter("TexImage2DFromImage")()
	b := img.Bounds()
	if width == 0 || height == 0 {
		width, height = uint32(b.Dx()), uint32(b.Dy()) //nolint:gosec // image bounds are positive
	}
	if width > protocol.MaxTextureSize || height > protocol.MaxTextureSize {
		c.setError(protocol.ErrorInvalidValue, "TexImage2DFromImage", "dimensions too large")
		return
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	if b.Dx() == int(width) && b.Dy() == int(height) {
		xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	} else {
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	}
	c.texImage2D(target, 0, width, height, protocol.FormatRGBA, dst.Pix)
}

// GenFramebuffers returns n new framebuffer IDs.
func (c *Context) GenFramebuffers(n int) []uint32 {
	defer c.check.enter("GenFramebuffers")()
	return c.genIDs(NamespaceFramebuffers, protocol.OpGenFramebuffersImmediate, n, "GenFramebuffers")
}

// DeleteFramebuffers deletes framebuffers.
func (c *Context) DeleteFramebuffers(ids ...uint32) {
	defer c.check.enter("DeleteFramebuffers")()
	if !c.deleteIDs(NamespaceFramebuffers, protocol.OpDeleteFramebuffersImmediate, ids, "DeleteFramebuffers") {
		return
	}
	for _, id := range ids {
		if id != InvalidID && c.boundFramebuffer == id {
			c.boundFramebuffer = 0
		}
	}
}

// BindFramebuffer binds framebuffer id to target.
func (c *Context) BindFramebuffer(target, id uint32) {
	defer c.check.enter("BindFramebuffer")()
	if target != protocol.TargetFramebuffer {
		c.setError(protocol.ErrorInvalidEnum, "BindFramebuffer", "invalid target")
		return
	}
	if c.bindID(NamespaceFramebuffers, protocol.OpBindFramebuffer, target, id, "BindFramebuffer") {
		c.boundFramebuffer = id
	}
}

// GenRenderbuffers returns n new renderbuffer IDs.
func (c *Context) GenRenderbuffers(n int) []uint32 {
	defer c.check.enter("GenRenderbuffers")()
	return c.genIDs(NamespaceRenderbuffers, protocol.OpGenRenderbuffersImmediate, n, "GenRenderbuffers")
}

// DeleteRenderbuffers deletes renderbuffers.
func (c *Context) DeleteRenderbuffers(ids ...uint32) {
	defer c.check.enter("DeleteRenderbuffers")()
	if !c.deleteIDs(NamespaceRenderbuffers, protocol.OpDeleteRenderbuffersImmediate, ids, "DeleteRenderbuffers") {
		return
	}
	for _, id := range ids {
		if id != InvalidID && c.boundRenderbuffer == id {
			c.boundRenderbuffer = 0
		}
	}
}

// BindRenderbuffer binds renderbuffer id to target.
func (c *Context) BindRenderbuffer(target, id uint32) {
	defer c.check.enter("BindRenderbuffer")()
	if target != protocol.TargetRenderbuffer {
		c.setError(protocol.ErrorInvalidEnum, "BindRenderbuffer", "invalid target")
		return
	}
	if c.bindID(NamespaceRenderbuffers, protocol.OpBindRenderbuffer, target, id, "BindRenderbuffer") {
		c.boundRenderbuffer = id
	}
}

// RenderbufferStorage allocates storage for the bound renderbuffer.
func (c *Context) RenderbufferStorage(target, format, width, height uint32) {
	defer c.check.enter("RenderbufferStorage")()
	const fn = "RenderbufferStorage"
	switch {
	case target != protocol.TargetRenderbuffer:
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid target")
	case protocol.BytesPerPixel(format) == 0:
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid format")
	case width > protocol.MaxTextureSize || height > protocol.MaxTextureSize:
		c.setError(protocol.ErrorInvalidValue, fn, "dimensions too large")
	case c.boundRenderbuffer == 0:
		c.setError(protocol.ErrorInvalidOperation, fn, "no renderbuffer bound")
	default:
		_ = c.helper.Emit(protocol.OpRenderbufferStorage, target, format, width, height)
	}
}

// FramebufferRenderbuffer attaches renderbuffer to the bound framebuffer.
func (c *Context) FramebufferRenderbuffer(target, attachment, rbTarget, renderbuffer uint32) {
	defer c.check.enter("FramebufferRenderbuffer")()
	const fn = "FramebufferRenderbuffer"
	switch {
	case target != protocol.TargetFramebuffer || rbTarget != protocol.TargetRenderbuffer:
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid target")
	case attachment != protocol.AttachmentColor0 && attachment != protocol.AttachmentDepth:
		c.setError(protocol.ErrorInvalidEnum, fn, "invalid attachment")
	case c.boundFramebuffer == 0:
		c.setError(protocol.ErrorInvalidOperation, fn, "no framebuffer bound")
	default:
		_ = c.helper.Emit(protocol.OpFramebufferRenderbuffer, target, attachment, rbTarget, renderbuffer)
	}
}

// GenVertexArrays returns n new vertex array IDs. Vertex arrays are private
// to the context.
func (c *Context) GenVertexArrays(n int) []uint32 {
	defer c.check.enter("GenVertexArrays")()
	return c.genIDs(NamespaceVertexArrays, protocol.OpGenVertexArraysImmediate, n, "GenVertexArrays")
}

// DeleteVertexArrays deletes vertex arrays. Deleting the bound one binds 0.
func (c *Context) DeleteVertexArrays(ids ...uint32) {
	defer c.check.enter("DeleteVertexArrays")()
	if !c.deleteIDs(NamespaceVertexArrays, protocol.OpDeleteVertexArraysImmediate, ids, "DeleteVertexArrays") {
		return
	}
	for _, id := range ids {
		if id != InvalidID && c.boundVertexArray == id {
			c.boundVertexArray = 0
		}
	}
}

// BindVertexArray binds vertex array id. Only generated IDs may be bound.
func (c *Context) BindVertexArray(id uint32) {
	defer c.check.enter("BindVertexArray")()
	h := c.private[NamespaceVertexArrays-numSharedNamespaces]
	if id != InvalidID && !h.InUse(id) {
		c.setError(protocol.ErrorInvalidOperation, "BindVertexArray", "id not generated")
		return
	}
	_ = c.helper.Emit(protocol.OpBindVertexArray, id)
	c.boundVertexArray = id
}
