// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/cmdbuf/internal/shm"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

type vertexAttrib struct {
	enabled bool
	size    uint32
	typ     uint32
	stride  uint32
	offset  uint32
	buffer  uint32
}

type vertexArray struct {
	attribs [protocol.MaxVertexAttribs]vertexAttrib
}

// asyncUpload is an AsyncTexSubImage2D waiting to be applied.
type asyncUpload struct {
	tex           *texture
	x, y          uint32
	width, height uint32
	pixels        []byte
	token         uint32
	sync          protocol.AsyncUploadSync
}

// decoder executes the commands of one command buffer. It is only used by
// the scheduler goroutine.
type decoder struct {
	svc   *Service
	group *resourceGroup
	shms  *shm.Registry
	cfg   Config

	token   int32
	err     protocol.ErrorCode
	buckets map[uint32][]byte

	arrayBuffer   uint32
	elementBuffer uint32
	texture2D     uint32
	framebuffer   uint32
	renderbuffer  uint32
	program       uint32

	defaultVAO   vertexArray
	vao          *vertexArray
	vaoID        uint32
	vertexArrays map[uint32]*vertexArray

	queries *queryManager
	uploads []asyncUpload
	dirty   map[*texture]struct{}

	commands uint64
	samples  uint64
}

func newDecoder(svc *Service, group *resourceGroup) *decoder {
	d := &decoder{
		svc:          svc,
		group:        group,
		shms:         svc.shms,
		cfg:          svc.cfg,
		buckets:      make(map[uint32][]byte),
		vertexArrays: make(map[uint32]*vertexArray),
		queries:      newQueryManager(),
		dirty:        make(map[*texture]struct{}),
	}
	d.vao = &d.defaultVAO
	return d
}

// setError records code for GetError. The first error sticks until read.
func (d *decoder) setError(code protocol.ErrorCode, op protocol.Opcode, msg string) {
	slogger().Debug("command error",
		slog.String("op", op.String()),
		slog.String("error", code.String()),
		slog.String("detail", msg))
	if d.err == protocol.ErrorNone {
		d.err = code
	}
}

// takeError returns and clears the recorded error.
func (d *decoder) takeError() protocol.ErrorCode {
	code := d.err
	d.err = protocol.ErrorNone
	return code
}

// executeAPI runs a GPU API command.
//
//nolint:gocyclo,cyclop,funlen // flat opcode dispatch
func (d *decoder) executeAPI(op protocol.Opcode, args []uint32) error {
	switch op {
	// Buffers.
	case protocol.OpGenBuffersImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		d.group.genBuffers(ids)
	case protocol.OpDeleteBuffersImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if d.arrayBuffer == id {
				d.arrayBuffer = 0
			}
			if d.elementBuffer == id {
				d.elementBuffer = 0
			}
		}
		d.group.deleteBuffers(ids)
	case protocol.OpBindBuffer:
		d.bindBuffer(args[0], args[1])
	case protocol.OpBufferData:
		return d.bufferData(args[0], args[1], args[2], args[3], args[4])
	case protocol.OpBufferSubData:
		return d.bufferSubData(args[0], args[1], args[2], args[3], args[4])

	// Textures.
	case protocol.OpGenTexturesImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		d.group.genTextures(ids)
	case protocol.OpDeleteTexturesImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if d.texture2D == id {
				d.texture2D = 0
			}
			if t, ok := d.group.texture(id); ok {
				delete(d.dirty, t)
			}
		}
		d.group.deleteTextures(ids)
	case protocol.OpBindTexture:
		if args[0] != protocol.TargetTexture2D {
			d.setError(protocol.ErrorInvalidEnum, op, "invalid target")
			return nil
		}
		if args[1] != 0 {
			d.group.bindTexture(args[1])
		}
		d.texture2D = args[1]
	case protocol.OpTexImage2D:
		return d.texImage2D(args)
	case protocol.OpTexSubImage2D:
		return d.texSubImage2D(args)
	case protocol.OpAsyncTexSubImage2D:
		return d.asyncTexSubImage2D(args)
	case protocol.OpWaitAsyncUploads:
		d.drainUploads()

	// Framebuffers and renderbuffers.
	case protocol.OpGenFramebuffersImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		d.group.genFramebuffers(ids)
	case protocol.OpDeleteFramebuffersImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if d.framebuffer == id {
				d.framebuffer = 0
			}
		}
		d.group.deleteFramebuffers(ids)
	case protocol.OpBindFramebuffer:
		if args[0] != protocol.TargetFramebuffer {
			d.setError(protocol.ErrorInvalidEnum, op, "invalid target")
			return nil
		}
		if args[1] != 0 {
			d.group.bindFramebuffer(args[1])
		}
		d.framebuffer = args[1]
	case protocol.OpGenRenderbuffersImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		d.group.genRenderbuffers(ids)
	case protocol.OpDeleteRenderbuffersImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if d.renderbuffer == id {
				d.renderbuffer = 0
			}
		}
		d.group.deleteRenderbuffers(ids)
	case protocol.OpBindRenderbuffer:
		if args[0] != protocol.TargetRenderbuffer {
			d.setError(protocol.ErrorInvalidEnum, op, "invalid target")
			return nil
		}
		if args[1] != 0 {
			d.group.bindRenderbuffer(args[1])
		}
		d.renderbuffer = args[1]
	case protocol.OpRenderbufferStorage:
		d.renderbufferStorage(args[0], args[1], args[2], args[3])
	case protocol.OpFramebufferRenderbuffer:
		d.framebufferRenderbuffer(args[0], args[1], args[2], args[3])

	// Vertex arrays and drawing.
	case protocol.OpGenVertexArraysImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := d.vertexArrays[id]; !ok && id != 0 {
				d.vertexArrays[id] = &vertexArray{}
			}
		}
	case protocol.OpDeleteVertexArraysImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			delete(d.vertexArrays, id)
			if d.vaoID == id {
				d.vao, d.vaoID = &d.defaultVAO, 0
			}
		}
	case protocol.OpBindVertexArray:
		d.bindVertexArray(args[0])
	case protocol.OpEnableVertexAttribArray:
		if args[0] >= protocol.MaxVertexAttribs {
			d.setError(protocol.ErrorInvalidValue, op, "index out of range")
			return nil
		}
		d.vao.attribs[args[0]].enabled = true
	case protocol.OpVertexAttribPointer:
		d.vertexAttribPointer(args[0], args[1], args[2], args[4], args[5])
	case protocol.OpDrawArrays:
		d.drawArrays(args[0], args[1], args[2])

	// Shaders and programs.
	case protocol.OpCreateShader:
		if !protocol.ValidShaderType(args[0]) {
			d.setError(protocol.ErrorInvalidEnum, op, "invalid shader type")
			return nil
		}
		if !d.group.createShader(args[1], args[0]) {
			d.setError(protocol.ErrorInvalidOperation, op, "id in use")
		}
	case protocol.OpShaderSourceBucket:
		return d.shaderSource(args[0], args[1])
	case protocol.OpCompileShader:
		d.compileShader(args[0])
	case protocol.OpGetShaderiv:
		return d.getShaderiv(args[0], args[1], args[2], args[3])
	case protocol.OpGetShaderInfoLog:
		s, ok := d.group.shader(args[0])
		if !ok {
			d.setError(protocol.ErrorInvalidValue, op, "unknown shader")
			delete(d.buckets, args[1])
			return nil
		}
		if s.infoLog == "" {
			delete(d.buckets, args[1])
			return nil
		}
		d.buckets[args[1]] = []byte(s.infoLog)
	case protocol.OpDeleteShader:
		if !d.group.deleteShader(args[0]) {
			d.setError(protocol.ErrorInvalidValue, op, "unknown shader")
		}
	case protocol.OpCreateProgram:
		if !d.group.createProgram(args[0]) {
			d.setError(protocol.ErrorInvalidOperation, op, "id in use")
		}
	case protocol.OpAttachShader:
		p, okP := d.group.program(args[0])
		_, okS := d.group.shader(args[1])
		if !okP || !okS {
			d.setError(protocol.ErrorInvalidValue, op, "unknown program or shader")
			return nil
		}
		d.group.attachShader(p, args[1])
	case protocol.OpLinkProgram:
		p, ok := d.group.program(args[0])
		if !ok {
			d.setError(protocol.ErrorInvalidValue, op, "unknown program")
			return nil
		}
		if !d.group.linkProgram(p) {
			slogger().Debug("program link failed", slog.Uint64("program", uint64(args[0])))
		}
	case protocol.OpUseProgram:
		d.useProgram(args[0])
	case protocol.OpDeleteProgram:
		if !d.group.deleteProgram(args[0]) {
			d.setError(protocol.ErrorInvalidValue, op, "unknown program")
			return nil
		}
		if d.program == args[0] {
			d.program = 0
		}

	// Queries.
	case protocol.OpGenQueriesImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			d.queries.generated[id] = struct{}{}
		}
	case protocol.OpDeleteQueriesImmediate:
		ids, err := idList(args)
		if err != nil {
			return err
		}
		for _, id := range ids {
			delete(d.queries.generated, id)
			for target, a := range d.queries.active {
				if a.id == id {
					d.endQuery(target, a.submit)
				}
			}
		}
	case protocol.OpBeginQuery:
		return d.beginQuery(args[0], args[1], args[2], args[3], args[4])
	case protocol.OpEndQuery:
		d.endQuery(args[0], args[1])

	case protocol.OpGetError:
		result, err := d.words(args[0], args[1], 1)
		if err != nil {
			return err
		}
		result[0] = uint32(d.takeError())

	default:
		return fmt.Errorf("%w: %v", errUnknownOpcode, op)
	}
	return nil
}

// === Buffers ===

func (d *decoder) bindBuffer(target, id uint32) {
	if !protocol.ValidBufferTarget(target) {
		d.setError(protocol.ErrorInvalidEnum, protocol.OpBindBuffer, "invalid target")
		return
	}
	if id != 0 {
		d.group.bindBuffer(id)
	}
	if target == protocol.TargetArrayBuffer {
		d.arrayBuffer = id
	} else {
		d.elementBuffer = id
	}
}

// boundBuffer returns the buffer bound to target.
func (d *decoder) boundBuffer(target uint32, op protocol.Opcode) (*buffer, bool) {
	if !protocol.ValidBufferTarget(target) {
		d.setError(protocol.ErrorInvalidEnum, op, "invalid target")
		return nil, false
	}
	id := d.arrayBuffer
	if target == protocol.TargetElementArrayBuffer {
		id = d.elementBuffer
	}
	b, ok := d.group.buffer(id)
	if id == 0 || !ok {
		d.setError(protocol.ErrorInvalidOperation, op, "no buffer bound")
		return nil, false
	}
	return b, true
}

func (d *decoder) bufferData(target, size, shmID, shmOff, usage uint32) error {
	const op = protocol.OpBufferData
	data, err := d.optionalBytes(shmID, shmOff, size)
	if err != nil {
		return err
	}
	b, ok := d.boundBuffer(target, op)
	if !ok {
		return nil
	}
	if !protocol.ValidUsage(usage) {
		d.setError(protocol.ErrorInvalidEnum, op, "invalid usage")
		return nil
	}
	if err := d.group.bufferData(b, size, usage, data); err != nil {
		slogger().Warn("buffer allocation failed", slog.String("error", err.Error()))
		d.setError(protocol.ErrorOutOfMemory, op, err.Error())
	}
	return nil
}

func (d *decoder) bufferSubData(target, offset, size, shmID, shmOff uint32) error {
	const op = protocol.OpBufferSubData
	data, err := d.bytes(shmID, shmOff, size)
	if err != nil {
		return err
	}
	b, ok := d.boundBuffer(target, op)
	if !ok {
		return nil
	}
	if b.hal == nil || uint64(offset)+uint64(size) > uint64(b.size) {
		d.setError(protocol.ErrorInvalidValue, op, "range outside the buffer")
		return nil
	}
	if size > 0 {
		d.group.bufferSubData(b, offset, data)
	}
	return nil
}

// === Textures ===

// boundTexture returns the texture bound to target for an image command.
func (d *decoder) boundTexture(target, level uint32, op protocol.Opcode) (*texture, bool) {
	if target != protocol.TargetTexture2D {
		d.setError(protocol.ErrorInvalidEnum, op, "invalid target")
		return nil, false
	}
	if level != 0 {
		d.setError(protocol.ErrorInvalidValue, op, "only level 0 is supported")
		return nil, false
	}
	t, ok := d.group.texture(d.texture2D)
	if d.texture2D == 0 || !ok {
		d.setError(protocol.ErrorInvalidOperation, op, "no texture bound")
		return nil, false
	}
	return t, true
}

// texImage2D handles target, level, width, height, format, shm id, offset.
func (d *decoder) texImage2D(args []uint32) error {
	const op = protocol.OpTexImage2D
	target, level, width, height, format := args[0], args[1], args[2], args[3], args[4]
	bpp := protocol.BytesPerPixel(format)
	if bpp == 0 {
		d.setError(protocol.ErrorInvalidEnum, op, "invalid format")
		return nil
	}
	if width > protocol.MaxTextureSize || height > protocol.MaxTextureSize {
		d.setError(protocol.ErrorInvalidValue, op, "size exceeds the maximum")
		return nil
	}
	data, err := d.optionalBytes(args[5], args[6], width*height*bpp)
	if err != nil {
		return err
	}
	t, ok := d.boundTexture(target, level, op)
	if !ok {
		return nil
	}
	usage := gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc
	if err := d.group.texImage(t, width, height, format, usage, data); err != nil {
		slogger().Warn("texture allocation failed", slog.String("error", err.Error()))
		d.setError(protocol.ErrorOutOfMemory, op, err.Error())
		return nil
	}
	if data != nil {
		d.dirty[t] = struct{}{}
	}
	return nil
}

// checkSubImage validates a sub-image rectangle against t.
func (d *decoder) checkSubImage(t *texture, x, y, width, height, format uint32, op protocol.Opcode) bool {
	switch {
	case t.hal == nil:
		d.setError(protocol.ErrorInvalidOperation, op, "texture has no image")
		return false
	case format != t.format:
		d.setError(protocol.ErrorInvalidOperation, op, "format mismatch")
		return false
	case uint64(x)+uint64(width) > uint64(t.width) || uint64(y)+uint64(height) > uint64(t.height):
		d.setError(protocol.ErrorInvalidValue, op, "rectangle outside the image")
		return false
	}
	return true
}

// texSubImage2D handles target, level, x, y, width, height, format, shm id,
// offset.
func (d *decoder) texSubImage2D(args []uint32) error {
	const op = protocol.OpTexSubImage2D
	target, level, x, y, width, height, format := args[0], args[1], args[2], args[3], args[4], args[5], args[6]
	bpp := protocol.BytesPerPixel(format)
	if bpp == 0 {
		d.setError(protocol.ErrorInvalidEnum, op, "invalid format")
		return nil
	}
	pixels, err := d.bytes(args[7], args[8], width*height*bpp)
	if err != nil {
		return err
	}
	t, ok := d.boundTexture(target, level, op)
	if !ok || !d.checkSubImage(t, x, y, width, height, format, op) {
		return nil
	}
	d.group.texSubImage(t, x, y, width, height, pixels)
	d.dirty[t] = struct{}{}
	return nil
}

// asyncTexSubImage2D handles the TexSubImage2D arguments followed by the
// upload token and the AsyncUploadSync location. The pixels stay in shared
// memory until the token is published.
func (d *decoder) asyncTexSubImage2D(args []uint32) error {
	const op = protocol.OpAsyncTexSubImage2D
	target, level, x, y, width, height, format := args[0], args[1], args[2], args[3], args[4], args[5], args[6]
	bpp := protocol.BytesPerPixel(format)
	if bpp == 0 {
		d.setError(protocol.ErrorInvalidEnum, op, "invalid format")
		return nil
	}
	pixels, err := d.bytes(args[7], args[8], width*height*bpp)
	if err != nil {
		return err
	}
	syncWords, err := d.words(args[10], args[11], protocol.AsyncUploadSyncSize/protocol.WordSize)
	if err != nil {
		return err
	}
	sync, err := protocol.NewAsyncUploadSync(syncWords)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadMemory, err)
	}
	up := asyncUpload{x: x, y: y, width: width, height: height, pixels: pixels, token: args[9], sync: sync}
	t, ok := d.boundTexture(target, level, op)
	if ok && d.checkSubImage(t, x, y, width, height, format, op) {
		up.tex = t
	}
	// Failed uploads still retire their token so the client frees the
	// payload.
	d.uploads = append(d.uploads, up)
	return nil
}

// drainUploads applies every queued async upload and publishes its token.
func (d *decoder) drainUploads() {
	for i, up := range d.uploads {
		if up.tex != nil {
			d.group.texSubImage(up.tex, up.x, up.y, up.width, up.height, up.pixels)
			d.dirty[up.tex] = struct{}{}
		}
		up.sync.SetToken(up.token)
		d.uploads[i] = asyncUpload{}
	}
	d.uploads = d.uploads[:0]
}

// flushUploads retires async uploads and copies changed texture shadows to
// the device.
func (d *decoder) flushUploads() {
	d.drainUploads()
	for t := range d.dirty {
		d.group.uploadTexture(t)
	}
	clear(d.dirty)
}

// === Framebuffers and renderbuffers ===

func (d *decoder) renderbufferStorage(target, format, width, height uint32) {
	const op = protocol.OpRenderbufferStorage
	if target != protocol.TargetRenderbuffer {
		d.setError(protocol.ErrorInvalidEnum, op, "invalid target")
		return
	}
	if _, ok := halFormat(format); !ok {
		d.setError(protocol.ErrorInvalidEnum, op, "invalid format")
		return
	}
	if width > protocol.MaxTextureSize || height > protocol.MaxTextureSize {
		d.setError(protocol.ErrorInvalidValue, op, "size exceeds the maximum")
		return
	}
	rb, ok := d.group.renderbuffer(d.renderbuffer)
	if d.renderbuffer == 0 || !ok {
		d.setError(protocol.ErrorInvalidOperation, op, "no renderbuffer bound")
		return
	}
	usage := gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc
	if err := d.group.texImage(rb.storage, width, height, format, usage, nil); err != nil {
		slogger().Warn("renderbuffer allocation failed", slog.String("error", err.Error()))
		d.setError(protocol.ErrorOutOfMemory, op, err.Error())
	}
}

func (d *decoder) framebufferRenderbuffer(target, attachment, rbTarget, rbID uint32) {
	const op = protocol.OpFramebufferRenderbuffer
	switch {
	case target != protocol.TargetFramebuffer || rbTarget != protocol.TargetRenderbuffer:
		d.setError(protocol.ErrorInvalidEnum, op, "invalid target")
		return
	case attachment != protocol.AttachmentColor0 && attachment != protocol.AttachmentDepth:
		d.setError(protocol.ErrorInvalidEnum, op, "invalid attachment")
		return
	}
	fb, ok := d.group.framebuffer(d.framebuffer)
	if d.framebuffer == 0 || !ok {
		d.setError(protocol.ErrorInvalidOperation, op, "no framebuffer bound")
		return
	}
	if rbID != 0 {
		if _, ok := d.group.renderbuffer(rbID); !ok {
			d.setError(protocol.ErrorInvalidOperation, op, "unknown renderbuffer")
			return
		}
	}
	d.group.attach(fb, attachment, rbID)
}

// === Vertex input ===

func (d *decoder) bindVertexArray(id uint32) {
	if id == 0 {
		d.vao, d.vaoID = &d.defaultVAO, 0
		return
	}
	va, ok := d.vertexArrays[id]
	if !ok {
		va = &vertexArray{}
		d.vertexArrays[id] = va
	}
	d.vao, d.vaoID = va, id
}

func (d *decoder) vertexAttribPointer(index, size, typ, stride, offset uint32) {
	const op = protocol.OpVertexAttribPointer
	switch {
	case index >= protocol.MaxVertexAttribs:
		d.setError(protocol.ErrorInvalidValue, op, "index out of range")
		return
	case size < 1 || size > 4:
		d.setError(protocol.ErrorInvalidValue, op, "size must be 1 to 4")
		return
	case protocol.TypeSize(typ) == 0:
		d.setError(protocol.ErrorInvalidEnum, op, "invalid type")
		return
	case d.arrayBuffer == 0 && offset != 0:
		d.setError(protocol.ErrorInvalidOperation, op, "no array buffer bound")
		return
	}
	a := &d.vao.attribs[index]
	a.size, a.typ, a.stride, a.offset, a.buffer = size, typ, stride, offset, d.arrayBuffer
}

func (d *decoder) drawArrays(mode, first, count uint32) {
	const op = protocol.OpDrawArrays
	if !protocol.ValidDrawMode(mode) {
		d.setError(protocol.ErrorInvalidEnum, op, "invalid mode")
		return
	}
	p, ok := d.group.program(d.program)
	if d.program == 0 || !ok || !p.linked {
		d.setError(protocol.ErrorInvalidOperation, op, "no linked program in use")
		return
	}
	if count == 0 {
		return
	}
	for i := range d.vao.attribs {
		a := &d.vao.attribs[i]
		if !a.enabled {
			continue
		}
		b, ok := d.group.buffer(a.buffer)
		if a.buffer == 0 || !ok {
			d.setError(protocol.ErrorInvalidOperation, op, "enabled attribute without buffer")
			return
		}
		elem := a.size * protocol.TypeSize(a.typ)
		stride := a.stride
		if stride == 0 {
			stride = elem
		}
		need := uint64(a.offset) + uint64(first+count-1)*uint64(stride) + uint64(elem)
		if need > uint64(b.size) {
			d.setError(protocol.ErrorInvalidOperation, op, "attribute reads past the buffer")
			return
		}
	}
	d.flushUploads()
	d.samples += uint64(count)
}

// === Shaders ===

func (d *decoder) shaderSource(id, bucket uint32) error {
	const op = protocol.OpShaderSourceBucket
	src, ok := d.buckets[bucket]
	if !ok {
		return fmt.Errorf("%w: bucket %d not sized", errParse, bucket)
	}
	s, ok := d.group.shader(id)
	if !ok {
		d.setError(protocol.ErrorInvalidValue, op, "unknown shader")
		return nil
	}
	d.group.mu.Lock()
	s.source = string(src)
	d.group.mu.Unlock()
	return nil
}

func (d *decoder) compileShader(id uint32) {
	s, ok := d.group.shader(id)
	if !ok {
		d.setError(protocol.ErrorInvalidValue, protocol.OpCompileShader, "unknown shader")
		return
	}
	compiled := d.svc.shaders.compile(s.source)
	if compiled.err != nil {
		d.group.setShaderModule(s, nil, false, compiled.err.Error())
		return
	}
	module, err := d.group.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: fmt.Sprintf("cmdbuf_shader_%d", id),
		Source: hal.ShaderSource{
			SPIRV: compiled.spirv,
		},
	})
	if err != nil {
		slogger().Warn("shader module creation failed", slog.String("error", err.Error()))
		d.group.setShaderModule(s, nil, false, err.Error())
		return
	}
	d.group.setShaderModule(s, module, true, "")
}

// getShaderiv writes {1, value} to the result area, or {0} on error.
func (d *decoder) getShaderiv(id, pname, shmID, shmOff uint32) error {
	const op = protocol.OpGetShaderiv
	result, err := d.words(shmID, shmOff, 2)
	if err != nil {
		return err
	}
	result[0] = 0
	s, ok := d.group.shader(id)
	if !ok {
		d.setError(protocol.ErrorInvalidValue, op, "unknown shader")
		return nil
	}
	switch pname {
	case protocol.ShaderCompileStatus:
		if s.compiled {
			result[1] = 1
		} else {
			result[1] = 0
		}
	case protocol.ShaderInfoLogLength:
		// The length counts the terminating NUL of a non-empty log.
		result[1] = 0
		if s.infoLog != "" {
			result[1] = uint32(len(s.infoLog)) + 1 //nolint:gosec // log sizes fit uint32
		}
	default:
		d.setError(protocol.ErrorInvalidEnum, op, "invalid pname")
		return nil
	}
	result[0] = 1
	return nil
}

func (d *decoder) useProgram(id uint32) {
	const op = protocol.OpUseProgram
	if id == 0 {
		d.program = 0
		return
	}
	p, ok := d.group.program(id)
	if !ok {
		d.setError(protocol.ErrorInvalidValue, op, "unknown program")
		return
	}
	if !p.linked {
		d.setError(protocol.ErrorInvalidOperation, op, "program not linked")
		return
	}
	d.program = id
}

// === Queries ===

func (d *decoder) beginQuery(target, id, shmID, shmOff, submit uint32) error {
	const op = protocol.OpBeginQuery
	w, err := d.words(shmID, shmOff, protocol.QuerySyncSize/protocol.WordSize)
	if err != nil {
		return err
	}
	sync, err := protocol.NewQuerySync(w)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadMemory, err)
	}
	if !protocol.ValidQueryTarget(target) {
		d.setError(protocol.ErrorInvalidEnum, op, "invalid target")
		return nil
	}
	if _, ok := d.queries.active[target]; ok {
		d.setError(protocol.ErrorInvalidOperation, op, "target already active")
		return nil
	}
	if _, ok := d.queries.generated[id]; !ok {
		d.setError(protocol.ErrorInvalidOperation, op, "id not generated")
		return nil
	}
	d.queries.active[target] = &activeQuery{
		id:       id,
		sync:     sync,
		submit:   submit,
		began:    time.Now(),
		samples:  d.samples,
		commands: d.commands,
	}
	return nil
}

func (d *decoder) endQuery(target, submit uint32) {
	a, ok := d.queries.active[target]
	if !ok {
		d.setError(protocol.ErrorInvalidOperation, protocol.OpEndQuery, "target not active")
		return
	}
	delete(d.queries.active, target)

	var result uint64
	switch target {
	case protocol.QueryAnySamplesPassed:
		if d.samples > a.samples {
			result = 1
		}
	case protocol.QueryCommandsIssued:
		result = uint64(time.Since(a.began)) //nolint:gosec // monotonic, non-negative
	case protocol.QueryCommandsCompleted, protocol.QueryAsyncPixelUnpackCompleted:
		result = 1
	case protocol.QueryGetError:
		result = uint64(d.takeError())
	}
	if target == protocol.QueryAsyncPixelUnpackCompleted {
		d.drainUploads()
	}

	if immediate(target) {
		a.sync.Complete(submit, result)
		return
	}
	d.queries.pending = append(d.queries.pending, pendingQuery{
		target: target,
		sync:   a.sync,
		submit: submit,
		fence:  d.svc.nextFenceValue(),
		began:  a.began,
		result: result,
	})
}

// release forgets the per-context state. Shared objects stay with the group.
func (d *decoder) release() {
	d.queries.drop()
	d.uploads = nil
	clear(d.dirty)
	clear(d.buckets)
	clear(d.vertexArrays)
	d.vao = &d.defaultVAO
}
