// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command cmdbufdemo drives two sharing contexts through a command buffer
// service on the noop HAL device and prints what the service saw.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"log/slog"
	"math"
	"os"

	"github.com/gogpu/cmdbuf"
	"github.com/gogpu/cmdbuf/client"
	"github.com/gogpu/cmdbuf/service"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

const shaderSource = `
@vertex
fn vs_main(@location(0) pos: vec2<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(pos, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.5, 0.0, 1.0);
}
`

func main() {
	var (
		vertices = flag.Int("vertices", 3000, "vertices uploaded and drawn")
		texSize  = flag.Int("texture", 64, "texture width and height")
		slice    = flag.Int("slice", 64, "commands per scheduler turn")
		verbose  = flag.Bool("v", false, "log service and client activity")
	)
	flag.Parse()

	if *verbose {
		cmdbuf.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	device, queue, release, err := openNoopDevice()
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}
	defer release()

	f, err := cmdbuf.NewFactory(device, queue,
		cmdbuf.WithServiceConfig(service.Config{SliceCommands: *slice}))
	if err != nil {
		log.Fatalf("Failed to create factory: %v", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("Close: %v", err)
		}
	}()

	producer, err := f.CreateContext()
	if err != nil {
		log.Fatalf("Failed to create context: %v", err)
	}
	consumer, err := f.CreateContext(cmdbuf.ShareWith(producer))
	if err != nil {
		log.Fatalf("Failed to create sharing context: %v", err)
	}

	buf := uploadVertices(producer, *vertices)
	tex := uploadTexture(producer, *texSize)
	if err := producer.Finish(); err != nil {
		log.Fatalf("Producer finish: %v", err)
	}

	samples, err := drawShared(consumer, buf, *vertices)
	if err != nil {
		log.Fatalf("Draw: %v", err)
	}

	data, _ := consumer.CommandBuffer().ReadBuffer(buf)
	img, _ := consumer.CommandBuffer().ReadTexture(tex)
	fmt.Printf("buffer %d: %d bytes, first vertex (%.2f, %.2f)\n",
		buf, len(data), vertexAt(data, 0), vertexAt(data, 1))
	fmt.Printf("texture %d: %dx%d, pixel(0,0) = %v\n", tex, img.Width, img.Height, img.Pixels[:4])
	fmt.Printf("samples passed: %d\n", samples)
	fmt.Printf("shader cache: %+v\n", f.Service().ShaderCacheStats())
	fmt.Println(f.Service().MemoryStats())
}

func openNoopDevice() (hal.Device, hal.Queue, func(), error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, nil, nil, err
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, nil, errors.New("no adapters")
	}
	open, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, nil, err
	}
	return open.Device, open.Queue, func() {
		open.Device.Destroy()
		instance.Destroy()
	}, nil
}

// uploadVertices fills a buffer with n points on a circle.
func uploadVertices(c *cmdbuf.Context, n int) uint32 {
	data := make([]byte, n*8)
	for i := range n {
		angle := float64(i) * 2 * math.Pi / float64(n)
		binary.LittleEndian.PutUint32(data[i*8:], math.Float32bits(float32(math.Cos(angle))))
		binary.LittleEndian.PutUint32(data[i*8+4:], math.Float32bits(float32(math.Sin(angle))))
	}
	buf := c.GenBuffers(1)[0]
	c.BindBuffer(cmdbuf.TargetArrayBuffer, buf)
	c.BufferData(cmdbuf.TargetArrayBuffer, uint32(len(data)), data, cmdbuf.UsageStaticDraw) //nolint:gosec // bounded by flag
	return buf
}

// uploadTexture uploads a gradient and patches one corner asynchronously.
func uploadTexture(c *cmdbuf.Context, size int) uint32 {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.Set(x, y, color.NRGBA{R: uint8(x * 255 / size), G: uint8(y * 255 / size), A: 255}) //nolint:gosec // x, y < size
		}
	}
	tex := c.GenTextures(1)[0]
	c.BindTexture(cmdbuf.TargetTexture2D, tex)
	c.TexImage2DFromImage(cmdbuf.TargetTexture2D, img, 0, 0)
	c.AsyncTexSubImage2D(cmdbuf.TargetTexture2D, 0, 0, 0, 1, 1, cmdbuf.FormatRGBA, []byte{255, 255, 255, 255})
	if err := c.WaitAsyncTexUploads(); err != nil {
		log.Printf("Async upload: %v", err)
	}
	return tex
}

// drawShared draws the producer's buffer from the consumer context and
// returns the samples-passed query result.
func drawShared(c *cmdbuf.Context, buf uint32, n int) (uint64, error) {
	vs := c.CreateShader(cmdbuf.ShaderVertex)
	fs := c.CreateShader(cmdbuf.ShaderFragment)
	for _, s := range []uint32{vs, fs} {
		c.ShaderSource(s, shaderSource)
		c.CompileShader(s)
		if c.GetShaderiv(s, cmdbuf.ShaderCompileStatus) != 1 {
			return 0, fmt.Errorf("compile shader %d: %s", s, c.GetShaderInfoLog(s))
		}
	}
	prog := c.CreateProgram()
	c.AttachShader(prog, vs)
	c.AttachShader(prog, fs)
	c.LinkProgram(prog)
	c.UseProgram(prog)

	c.BindBuffer(cmdbuf.TargetArrayBuffer, buf)
	c.EnableVertexAttribArray(0)
	c.VertexAttribPointer(0, 2, cmdbuf.TypeFloat, false, 0, client.DeviceOffset(0))

	q := c.GenQueries(1)[0]
	c.BeginQuery(cmdbuf.QueryAnySamplesPassed, q)
	c.DrawArrays(cmdbuf.ModeTriangles, 0, int32(n-n%3)) //nolint:gosec // bounded by flag
	c.EndQuery(cmdbuf.QueryAnySamplesPassed)
	if code := c.GetError(); code != cmdbuf.ErrorNone {
		return 0, fmt.Errorf("draw: %v", code)
	}
	return c.GetQueryObject(q, cmdbuf.QueryResult), nil
}

func vertexAt(data []byte, i int) float32 {
	if len(data) < (i+1)*4 {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
}
