// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package service

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/cmdbuf/internal/protocol"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// buffer is a device buffer with a CPU shadow of its contents.
type buffer struct {
	hal    hal.Buffer
	size   uint32
	usage  uint32
	shadow []byte // len is size rounded up to 4
}

// texture is a 2D texture (or renderbuffer storage) with a CPU shadow.
type texture struct {
	hal           hal.Texture
	width, height uint32
	format        uint32
	shadow        []byte
	dirty         bool
}

func (t *texture) bytesPerRow() uint32 {
	return t.width * protocol.BytesPerPixel(t.format)
}

type framebuffer struct {
	attachments map[uint32]uint32 // attachment point to renderbuffer
}

type renderbuffer struct {
	storage *texture
}

type shader struct {
	typ      uint32
	source   string
	compiled bool
	infoLog  string
	module   hal.ShaderModule
}

type program struct {
	shaders map[uint32]struct{}
	linked  bool
}

// resourceGroup holds the objects of the shared namespaces of one share
// group. Every command buffer of the group decodes against the same group.
//
// The scheduler is the only writer; ReadBuffer and ReadTexture may read
// concurrently.
type resourceGroup struct {
	id     uint64
	device hal.Device
	queue  hal.Queue
	memory *memoryBudget
	refs   int // guarded by Service.mu

	mu            sync.RWMutex
	buffers       map[uint32]*buffer
	textures      map[uint32]*texture
	framebuffers  map[uint32]*framebuffer
	renderbuffers map[uint32]*renderbuffer
	shaders       map[uint32]*shader
	programs      map[uint32]*program
}

func newResourceGroup(id uint64, device hal.Device, queue hal.Queue, memory *memoryBudget) *resourceGroup {
	return &resourceGroup{
		id:            id,
		device:        device,
		queue:         queue,
		memory:        memory,
		buffers:       make(map[uint32]*buffer),
		textures:      make(map[uint32]*texture),
		framebuffers:  make(map[uint32]*framebuffer),
		renderbuffers: make(map[uint32]*renderbuffer),
		shaders:       make(map[uint32]*shader),
		programs:      make(map[uint32]*program),
	}
}

// === Buffers ===

func (g *resourceGroup) genBuffers(ids []uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if _, ok := g.buffers[id]; !ok && id != 0 {
			g.buffers[id] = &buffer{}
		}
	}
}

// bindBuffer returns the buffer named id, creating it on first bind.
func (g *resourceGroup) bindBuffer(id uint32) *buffer {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buffers[id]
	if !ok {
		b = &buffer{}
		g.buffers[id] = b
	}
	return b
}

func (g *resourceGroup) buffer(id uint32) (*buffer, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.buffers[id]
	return b, ok
}

func (g *resourceGroup) deleteBuffers(ids []uint32) {
	var dead []hal.Buffer
	g.mu.Lock()
	for _, id := range ids {
		if b, ok := g.buffers[id]; ok {
			delete(g.buffers, id)
			if b.hal != nil {
				dead = append(dead, b.hal)
				g.memory.release(allocBuffer, uint64(len(b.shadow)))
				b.hal, b.shadow = nil, nil
			}
		}
	}
	g.mu.Unlock()

	for _, b := range dead {
		g.device.DestroyBuffer(b)
	}
}

// bufferData replaces the store of b with size bytes, initialized from data
// when data is not nil.
func (g *resourceGroup) bufferData(b *buffer, size, usage uint32, data []byte) error {
	aligned := max(alignUp(size, 4), 4)
	prev := uint64(len(b.shadow))
	if err := g.memory.reserve(allocBuffer, uint64(aligned), prev); err != nil {
		return err
	}
	hb, err := g.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "cmdbuf_buffer",
		Size:  uint64(aligned),
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		_ = g.memory.reserve(allocBuffer, prev, uint64(aligned))
		return fmt.Errorf("create buffer of %d bytes: %w", size, err)
	}
	shadow := make([]byte, aligned)
	copy(shadow, data)

	g.mu.Lock()
	old := b.hal
	b.hal, b.size, b.usage, b.shadow = hb, size, usage, shadow
	g.mu.Unlock()

	if old != nil {
		g.device.DestroyBuffer(old)
	}
	if data != nil {
		if err := g.queue.WriteBuffer(hb, 0, shadow); err != nil {
			slogger().Warn("buffer write failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// bufferSubData copies data into b at offset. The caller checked the range.
func (g *resourceGroup) bufferSubData(b *buffer, offset uint32, data []byte) {
	g.mu.Lock()
	copy(b.shadow[offset:], data)
	g.mu.Unlock()

	// Queue writes must be 4-byte aligned; widen to the covering words.
	start := offset &^ 3
	end := alignUp(offset+uint32(len(data)), 4) //nolint:gosec // bounded by buffer size
	if err := g.queue.WriteBuffer(b.hal, uint64(start), b.shadow[start:end]); err != nil {
		slogger().Warn("buffer write failed", slog.String("error", err.Error()))
	}
}

// === Textures ===

func (g *resourceGroup) genTextures(ids []uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if _, ok := g.textures[id]; !ok && id != 0 {
			g.textures[id] = &texture{}
		}
	}
}

func (g *resourceGroup) bindTexture(id uint32) *texture {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.textures[id]
	if !ok {
		t = &texture{}
		g.textures[id] = t
	}
	return t
}

func (g *resourceGroup) texture(id uint32) (*texture, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.textures[id]
	return t, ok
}

func (g *resourceGroup) deleteTextures(ids []uint32) {
	var dead []hal.Texture
	g.mu.Lock()
	for _, id := range ids {
		if t, ok := g.textures[id]; ok {
			delete(g.textures, id)
			if t.hal != nil {
				dead = append(dead, t.hal)
				g.memory.release(allocTexture, uint64(len(t.shadow)))
				t.hal, t.shadow = nil, nil
			}
		}
	}
	g.mu.Unlock()

	for _, t := range dead {
		g.device.DestroyTexture(t)
	}
}

// halFormat maps a pixel format to the texture format it is stored in.
func halFormat(format uint32) (gputypes.TextureFormat, bool) {
	switch format {
	case protocol.FormatRGBA:
		return gputypes.TextureFormatRGBA8Unorm, true
	case protocol.FormatBGRA:
		return gputypes.TextureFormatBGRA8Unorm, true
	case protocol.FormatRed:
		return gputypes.TextureFormatR8Unorm, true
	}
	return 0, false
}

// texImage replaces the image of t. A zero sized image releases the store.
func (g *resourceGroup) texImage(t *texture, width, height, format uint32, usage gputypes.TextureUsage, data []byte) error {
	var ht hal.Texture
	var shadow []byte
	var want uint64
	if width > 0 && height > 0 {
		want = uint64(width) * uint64(height) * uint64(protocol.BytesPerPixel(format))
	}
	prev := uint64(len(t.shadow))
	if err := g.memory.reserve(allocTexture, want, prev); err != nil {
		return err
	}
	if want > 0 {
		hf, _ := halFormat(format)
		var err error
		ht, err = g.device.CreateTexture(&hal.TextureDescriptor{
			Label:         "cmdbuf_texture",
			Size:          hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        hf,
			Usage:         usage,
		})
		if err != nil {
			_ = g.memory.reserve(allocTexture, prev, want)
			return fmt.Errorf("create %dx%d texture: %w", width, height, err)
		}
		shadow = make([]byte, want)
		copy(shadow, data)
	}

	g.mu.Lock()
	old := t.hal
	t.hal, t.width, t.height, t.format, t.shadow = ht, width, height, format, shadow
	t.dirty = ht != nil && data != nil
	g.mu.Unlock()

	if old != nil {
		g.device.DestroyTexture(old)
	}
	return nil
}

// texSubImage copies rows of pixels into the shadow of t. The caller checked
// the rectangle. The device copy happens in uploadTexture.
func (g *resourceGroup) texSubImage(t *texture, x, y, width, height uint32, pixels []byte) {
	bpp := protocol.BytesPerPixel(t.format)
	src := width * bpp
	dst := t.bytesPerRow()

	g.mu.Lock()
	defer g.mu.Unlock()
	// The image may have been respecified since the upload was queued.
	if uint64(y+height)*uint64(dst) > uint64(len(t.shadow)) || x+width > t.width ||
		uint64(height)*uint64(src) > uint64(len(pixels)) {
		return
	}
	for row := range height {
		off := (y+row)*dst + x*bpp
		copy(t.shadow[off:off+src], pixels[row*src:(row+1)*src])
	}
	t.dirty = true
}

// uploadTexture rewrites the device texture from its shadow when the shadow
// changed since the last upload.
func (g *resourceGroup) uploadTexture(t *texture) {
	g.mu.Lock()
	if !t.dirty || t.hal == nil {
		g.mu.Unlock()
		return
	}
	t.dirty = false
	g.mu.Unlock()

	err := g.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  t.hal,
			MipLevel: 0,
		},
		t.shadow,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  t.bytesPerRow(),
			RowsPerImage: t.height,
		},
		&hal.Extent3D{Width: t.width, Height: t.height, DepthOrArrayLayers: 1},
	)
	if err != nil {
		slogger().Warn("texture write failed", slog.String("error", err.Error()))
	}
}

// === Framebuffers and renderbuffers ===

func (g *resourceGroup) genFramebuffers(ids []uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if _, ok := g.framebuffers[id]; !ok && id != 0 {
			g.framebuffers[id] = &framebuffer{attachments: make(map[uint32]uint32)}
		}
	}
}

func (g *resourceGroup) bindFramebuffer(id uint32) *framebuffer {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.framebuffers[id]
	if !ok {
		f = &framebuffer{attachments: make(map[uint32]uint32)}
		g.framebuffers[id] = f
	}
	return f
}

func (g *resourceGroup) framebuffer(id uint32) (*framebuffer, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f, ok := g.framebuffers[id]
	return f, ok
}

func (g *resourceGroup) deleteFramebuffers(ids []uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		delete(g.framebuffers, id)
	}
}

func (g *resourceGroup) attach(f *framebuffer, attachment, renderbuffer uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if renderbuffer == 0 {
		delete(f.attachments, attachment)
		return
	}
	f.attachments[attachment] = renderbuffer
}

func (g *resourceGroup) genRenderbuffers(ids []uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if _, ok := g.renderbuffers[id]; !ok && id != 0 {
			g.renderbuffers[id] = &renderbuffer{storage: &texture{}}
		}
	}
}

func (g *resourceGroup) bindRenderbuffer(id uint32) *renderbuffer {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.renderbuffers[id]
	if !ok {
		r = &renderbuffer{storage: &texture{}}
		g.renderbuffers[id] = r
	}
	return r
}

func (g *resourceGroup) renderbuffer(id uint32) (*renderbuffer, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.renderbuffers[id]
	return r, ok
}

func (g *resourceGroup) deleteRenderbuffers(ids []uint32) {
	var dead []hal.Texture
	g.mu.Lock()
	for _, id := range ids {
		if r, ok := g.renderbuffers[id]; ok {
			delete(g.renderbuffers, id)
			if r.storage.hal != nil {
				dead = append(dead, r.storage.hal)
				g.memory.release(allocTexture, uint64(len(r.storage.shadow)))
				r.storage.hal, r.storage.shadow = nil, nil
			}
		}
		for _, f := range g.framebuffers {
			for a, rb := range f.attachments {
				if rb == id {
					delete(f.attachments, a)
				}
			}
		}
	}
	g.mu.Unlock()

	for _, t := range dead {
		g.device.DestroyTexture(t)
	}
}

// === Shaders and programs ===

func (g *resourceGroup) createShader(id, typ uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.shaders[id]; ok || id == 0 {
		return false
	}
	if _, ok := g.programs[id]; ok {
		return false
	}
	g.shaders[id] = &shader{typ: typ}
	return true
}

func (g *resourceGroup) shader(id uint32) (*shader, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.shaders[id]
	return s, ok
}

func (g *resourceGroup) setShaderModule(s *shader, module hal.ShaderModule, compiled bool, infoLog string) {
	g.mu.Lock()
	old := s.module
	s.module, s.compiled, s.infoLog = module, compiled, infoLog
	g.mu.Unlock()
	if old != nil {
		g.device.DestroyShaderModule(old)
	}
}

func (g *resourceGroup) deleteShader(id uint32) bool {
	g.mu.Lock()
	s, ok := g.shaders[id]
	if ok {
		delete(g.shaders, id)
		for _, p := range g.programs {
			delete(p.shaders, id)
		}
	}
	g.mu.Unlock()
	if ok && s.module != nil {
		g.device.DestroyShaderModule(s.module)
	}
	return ok
}

func (g *resourceGroup) createProgram(id uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.programs[id]; ok || id == 0 {
		return false
	}
	if _, ok := g.shaders[id]; ok {
		return false
	}
	g.programs[id] = &program{shaders: make(map[uint32]struct{})}
	return true
}

func (g *resourceGroup) program(id uint32) (*program, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.programs[id]
	return p, ok
}

func (g *resourceGroup) attachShader(p *program, shaderID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.shaders[shaderID] = struct{}{}
}

// linkProgram links p. A program links with a compiled vertex and fragment
// shader, or with a compiled compute shader alone.
func (g *resourceGroup) linkProgram(p *program) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	stages := make(map[uint32]bool)
	for id := range p.shaders {
		if s, ok := g.shaders[id]; ok && s.compiled {
			stages[s.typ] = true
		}
	}
	p.linked = (stages[protocol.ShaderVertex] && stages[protocol.ShaderFragment]) ||
		(stages[protocol.ShaderCompute] && !stages[protocol.ShaderVertex] && !stages[protocol.ShaderFragment])
	return p.linked
}

func (g *resourceGroup) deleteProgram(id uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.programs[id]
	delete(g.programs, id)
	return ok
}

// destroy releases every device resource of the group.
func (g *resourceGroup) destroy() {
	g.mu.Lock()
	buffers, textures, renderbuffers, shaders := g.buffers, g.textures, g.renderbuffers, g.shaders
	g.buffers = make(map[uint32]*buffer)
	g.textures = make(map[uint32]*texture)
	g.framebuffers = make(map[uint32]*framebuffer)
	g.renderbuffers = make(map[uint32]*renderbuffer)
	g.shaders = make(map[uint32]*shader)
	g.programs = make(map[uint32]*program)
	g.mu.Unlock()

	for _, b := range buffers {
		if b.hal != nil {
			g.device.DestroyBuffer(b.hal)
			g.memory.release(allocBuffer, uint64(len(b.shadow)))
		}
	}
	for _, t := range textures {
		if t.hal != nil {
			g.device.DestroyTexture(t.hal)
			g.memory.release(allocTexture, uint64(len(t.shadow)))
		}
	}
	for _, r := range renderbuffers {
		if r.storage.hal != nil {
			g.device.DestroyTexture(r.storage.hal)
			g.memory.release(allocTexture, uint64(len(r.storage.shadow)))
		}
	}
	for _, s := range shaders {
		if s.module != nil {
			g.device.DestroyShaderModule(s.module)
		}
	}
	slogger().Debug("resource group destroyed",
		slog.Uint64("group", g.id),
		slog.Int("buffers", len(buffers)),
		slog.Int("textures", len(textures)))
}

func alignUp(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}
